package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// ErrUnavailable means the daemon answered but cannot run cycles
var ErrUnavailable = errors.New("control service unavailable")

// Client calls the control service of a running daemon
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security; the service is meant
// for loopback use.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close is then a no-op.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// TriggerCycle asks the daemon for a manual cycle and waits for its summary.
func (c *Client) TriggerCycle(ctx context.Context, anchor string) (types.CycleSummary, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodTrigger, wrapperspb.String(anchor), out); err != nil {
		return types.CycleSummary{}, fromStatus(err)
	}
	return StructToSummary(out)
}

// LastSummary fetches the most recent summary. ErrNoSummary means the
// daemon has not finished a cycle yet.
func (c *Client) LastSummary(ctx context.Context) (types.CycleSummary, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodLast, &emptypb.Empty{}, out); err != nil {
		return types.CycleSummary{}, fromStatus(err)
	}
	return StructToSummary(out)
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), ErrNoSummary)
	case codes.Unavailable:
		return fmt.Errorf("%s: %w", st.Message(), ErrUnavailable)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	default:
		return err
	}
}
