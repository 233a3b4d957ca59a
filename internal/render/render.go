// ============================================================================
// embedbot renderer
// ============================================================================
//
// Package: internal/render
// File: render.go
// Purpose: Turn a RegionResult into one or more status-board pages
//
// Page layout:
//   Title   🚆 <display name> 運休・遅延情報 (i/n)      <= 256
//   Field   <line name>：<status>                       <= 256
//           <detail | 詳細なし>                          <= 1024
//   Footer  ページ i/n ・ 最終更新 2006-01-02 15:04      <= 2048
//
// Pagination keeps record order. A page holds at most PerPage fields and,
// when MaxPageChars is set, closes early before the character budget of the
// whole page would be exceeded. A single oversized field still gets a page.
//
// ============================================================================

package render

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// Length caps imposed by the chat platform
const (
	MaxTitle       = 256
	MaxFieldName   = 256
	MaxFieldValue  = 1024
	MaxFooter      = 2048
	MaxDescription = 4096
	MaxFields      = 25

	Ellipsis = "…"

	NoDetail      = "詳細なし"
	RetiredNotice = "このページは現在使用されていません"

	ColorError   = 0xE74C3C
	ColorRetired = 0x95A5A6
	ColorDefault = 0x2E8B57
)

// Field is one display unit
type Field struct {
	Name  string
	Value string
}

// Page is one rendered status-board message
type Page struct {
	RegionKey   string
	Index       int
	Total       int
	Title       string
	Description string
	Fields      []Field
	Footer      string
	Color       int
	Timestamp   time.Time
	Retired     bool
}

// Options controls rendering
type Options struct {
	PerPage      int
	MaxPageChars int
	Location     *time.Location
	ShowCodes    bool
}

// Renderer renders region results into pages
type Renderer struct {
	opts Options
}

// New returns a Renderer; zero options fall back to platform limits.
func New(opts Options) *Renderer {
	if opts.PerPage <= 0 || opts.PerPage > MaxFields {
		opts.PerPage = MaxFields
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Renderer{opts: opts}
}

// Render paginates the records of res. color is used unless the fetch failed.
func (r *Renderer) Render(res types.RegionResult, color int) []Page {
	fields := make([]Field, 0, res.Len())
	for _, rec := range res.Records() {
		fields = append(fields, r.field(rec))
	}

	// reserve room for title and footer inside the page budget
	budget := 0
	if r.opts.MaxPageChars > 0 {
		budget = r.opts.MaxPageChars - MaxTitle - 64
		if budget < MaxFieldName+MaxFieldValue {
			budget = MaxFieldName + MaxFieldValue
		}
	}
	chunks := Paginate(fields, r.opts.PerPage, fieldCost, budget)

	switch {
	case res.Failed():
		color = ColorError
	case color == 0:
		color = ColorDefault
	}

	stamp := res.FetchedAt.In(r.opts.Location).Format("2006-01-02 15:04")
	pages := make([]Page, len(chunks))
	for i, chunk := range chunks {
		title := fmt.Sprintf("🚆 %s 運休・遅延情報", res.DisplayName)
		if len(chunks) > 1 {
			title += fmt.Sprintf(" (%d/%d)", i+1, len(chunks))
		}
		pages[i] = Page{
			RegionKey: res.RegionKey,
			Index:     i,
			Total:     len(chunks),
			Title:     Truncate(title, MaxTitle),
			Fields:    chunk,
			Footer:    Truncate(fmt.Sprintf("ページ %d/%d ・ 最終更新 %s", i+1, len(chunks), stamp), MaxFooter),
			Color:     color,
			Timestamp: res.FetchedAt,
		}
	}
	return pages
}

func (r *Renderer) field(rec types.StatusRecord) Field {
	name := rec.LineName
	if r.opts.ShowCodes && rec.SourceLineCode != "" {
		name += fmt.Sprintf("（コード: %s）", rec.SourceLineCode)
	}
	value := rec.Detail
	if value == "" {
		value = NoDetail
	}
	return Field{
		Name:  Truncate(name+"："+rec.StatusText, MaxFieldName),
		Value: Truncate(value, MaxFieldValue),
	}
}

// RetiredPage renders the notice written over a slot that no longer has content.
func (r *Renderer) RetiredPage(regionKey, display string, index int, at time.Time) Page {
	return Page{
		RegionKey:   regionKey,
		Index:       index,
		Title:       Truncate(fmt.Sprintf("🚆 %s (ページ %d)", display, index+1), MaxTitle),
		Description: RetiredNotice,
		Footer:      "最終更新 " + at.In(r.opts.Location).Format("2006-01-02 15:04"),
		Color:       ColorRetired,
		Timestamp:   at,
		Retired:     true,
	}
}

func fieldCost(f Field) int {
	return utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
}

// Paginate splits items into consecutive chunks of at most perPage items.
// When budget > 0 a chunk is also closed before its summed cost would exceed
// budget. Chunks are never empty and their concatenation equals items.
func Paginate[T any](items []T, perPage int, cost func(T) int, budget int) [][]T {
	if perPage <= 0 {
		perPage = 1
	}
	var pages [][]T
	var cur []T
	used := 0
	for _, it := range items {
		c := 0
		if budget > 0 && cost != nil {
			c = cost(it)
		}
		if len(cur) > 0 && (len(cur) == perPage || (budget > 0 && used+c > budget)) {
			pages = append(pages, cur)
			cur, used = nil, 0
		}
		cur = append(cur, it)
		used += c
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}
	return pages
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max == 1 {
		return Ellipsis
	}
	return string(runes[:max-1]) + Ellipsis
}
