// Package filter decides which status records are worth showing.
//
// The default policy includes a record when its status does not look like
// normal service OR it carries any detail text, since providers attach minor
// notices to otherwise normal lines. A region is never left empty: when
// nothing survives, a single synthetic "normal" record stands in.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

const (
	NormalStatus = "現在問題ありません"
	ErrorStatus  = "エラー"
	ErrorSuffix  = "取得失敗"
)

// Filter applies one inclusion policy
type Filter struct {
	policy   string
	normal   []*regexp.Regexp
	keywords []string
}

// New compiles the configured patterns.
func New(cfg config.FilterConfig) (*Filter, error) {
	f := &Filter{policy: cfg.Policy, keywords: cfg.Keywords}
	if f.policy == "" {
		f.policy = config.PolicyOr
	}
	for _, p := range cfg.NormalPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("normal pattern %q: %w", p, err)
		}
		f.normal = append(f.normal, re)
	}
	return f, nil
}

// Policy returns the active policy name.
func (f *Filter) Policy() string { return f.policy }

// Apply drops invalid records, trims whitespace and keeps what the policy
// includes. The result is never empty.
func (f *Filter) Apply(region config.Region, raw []types.StatusRecord) []types.StatusRecord {
	out := make([]types.StatusRecord, 0, len(raw))
	for _, r := range raw {
		r.LineName = strings.TrimSpace(r.LineName)
		r.StatusText = strings.TrimSpace(r.StatusText)
		r.Detail = strings.TrimSpace(r.Detail)
		if !r.Valid() {
			continue
		}
		if r.Kind == "" {
			r.Kind = types.KindObserved
		}
		if f.include(r) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return []types.StatusRecord{f.NormalRecord(region)}
	}
	return out
}

func (f *Filter) include(r types.StatusRecord) bool {
	abnormal := !f.IsNormal(r.StatusText)
	hasDetail := r.Detail != ""

	switch f.policy {
	case config.PolicyAnd:
		return abnormal && hasDetail
	case config.PolicyStatus:
		return abnormal
	case config.PolicyKeywords:
		return f.hasKeyword(r.StatusText) || f.hasKeyword(r.Detail)
	default:
		return abnormal || hasDetail
	}
}

// IsNormal reports whether status matches any normal-service pattern.
func (f *Filter) IsNormal(status string) bool {
	for _, re := range f.normal {
		if re.MatchString(status) {
			return true
		}
	}
	return false
}

func (f *Filter) hasKeyword(s string) bool {
	for _, kw := range f.keywords {
		if kw != "" && strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// NormalRecord is the placeholder for a region without disruptions.
func (f *Filter) NormalRecord(region config.Region) types.StatusRecord {
	return types.StatusRecord{
		LineName:   "[" + region.Prefix() + "]",
		StatusText: NormalStatus,
		Kind:       types.KindNormal,
	}
}

// ErrorRecord is the placeholder for a region whose source failed.
func (f *Filter) ErrorRecord(region config.Region, err error) types.StatusRecord {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return types.StatusRecord{
		LineName:   "[" + region.Prefix() + "] " + ErrorSuffix,
		StatusText: ErrorStatus,
		Detail:     detail,
		Kind:       types.KindError,
	}
}
