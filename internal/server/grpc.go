// ============================================================================
// embedbot control service - gRPC
// ============================================================================
//
// Package: internal/server
// File: grpc.go
// Purpose: Expose TriggerCycle / GetLastCycleSummary over gRPC
//
// Service: embedbot.control.v1.Control
//
//   rpc TriggerCycle(google.protobuf.StringValue) returns (google.protobuf.Struct)
//   rpc GetLastCycleSummary(google.protobuf.Empty) returns (google.protobuf.Struct)
//
// Messages are protobuf well-known types, so the service descriptor is
// declared here instead of being generated. The Struct carries the JSON
// form of types.CycleSummary.
//
// Status codes:
//   - Unavailable        controller not started or stopped
//   - NotFound           no cycle has completed yet
//   - Canceled/Deadline  caller context ended before the cycle finished
//   - Internal           anything else
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tontonpaa/EmbedBot/internal/controller"
	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

const (
	ServiceName = "embedbot.control.v1.Control"

	methodTrigger = "/" + ServiceName + "/TriggerCycle"
	methodLast    = "/" + ServiceName + "/GetLastCycleSummary"
)

// ErrNoSummary means no cycle has completed since the process started
var ErrNoSummary = errors.New("no cycle summary available")

// Controller is the command surface served over gRPC and HTTP
type Controller interface {
	TriggerCycle(ctx context.Context, anchor string) (types.CycleSummary, error)
	LastSummary() (types.CycleSummary, bool)
}

// ControlServer is the handler type registered with grpc.Server
type ControlServer interface {
	TriggerCycle(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
	GetLastCycleSummary(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements ControlServer on top of a Controller
type Server struct {
	ctrl Controller
}

// NewServer creates the control service for ctrl.
func NewServer(ctrl Controller) *Server {
	return &Server{ctrl: ctrl}
}

// Register attaches the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&controlServiceDesc, s)
}

// TriggerCycle runs a manual cycle anchored at req (may be empty) and
// returns its summary.
func (s *Server) TriggerCycle(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sum, err := s.ctrl.TriggerCycle(ctx, req.GetValue())
	if err != nil {
		log.Warn("grpc trigger failed", "anchor", req.GetValue(), "error", err)
		return nil, toStatus(err)
	}
	return SummaryToStruct(sum)
}

// GetLastCycleSummary returns the summary of the most recent cycle.
func (s *Server) GetLastCycleSummary(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sum, ok := s.ctrl.LastSummary()
	if !ok {
		return nil, toStatus(ErrNoSummary)
	}
	return SummaryToStruct(sum)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, controller.ErrNotStarted), errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrNoSummary):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// SummaryToStruct converts a summary into its Struct form via JSON.
func SummaryToStruct(sum types.CycleSummary) (*structpb.Struct, error) {
	data, err := json.Marshal(sum)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return st, nil
}

// StructToSummary is the inverse of SummaryToStruct.
func StructToSummary(st *structpb.Struct) (types.CycleSummary, error) {
	var sum types.CycleSummary
	data, err := st.MarshalJSON()
	if err != nil {
		return sum, fmt.Errorf("marshal struct: %w", err)
	}
	if err := json.Unmarshal(data, &sum); err != nil {
		return sum, fmt.Errorf("decode summary: %w", err)
	}
	return sum, nil
}

func triggerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).TriggerCycle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTrigger}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).TriggerCycle(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func lastSummaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetLastCycleSummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLast}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).GetLastCycleSummary(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "TriggerCycle", Handler: triggerHandler},
		{MethodName: "GetLastCycleSummary", Handler: lastSummaryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "embedbot/control/v1/control.proto",
}
