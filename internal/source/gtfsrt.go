package source

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var effectLabels = map[gtfs.Alert_Effect]string{
	gtfs.Alert_NO_SERVICE:         "運休",
	gtfs.Alert_REDUCED_SERVICE:    "減便",
	gtfs.Alert_SIGNIFICANT_DELAYS: "遅延",
	gtfs.Alert_DETOUR:             "迂回運転",
	gtfs.Alert_ADDITIONAL_SERVICE: "臨時運行",
	gtfs.Alert_MODIFIED_SERVICE:   "ダイヤ変更",
	gtfs.Alert_STOP_MOVED:         "乗り場変更",
	gtfs.Alert_OTHER_EFFECT:       "運行情報",
	gtfs.Alert_UNKNOWN_EFFECT:     "運行情報",
	gtfs.Alert_NO_EFFECT:          "平常運転",
}

// GTFSRT reads service alerts from a GTFS-Realtime feed
type GTFSRT struct {
	name     string
	url      string
	language string
	http     *httpGetter
}

func NewGTFSRT(src config.Source, opts Options) *GTFSRT {
	return &GTFSRT{
		name:     src.Name,
		url:      src.URL,
		language: src.Language,
		http:     newHTTPGetter(opts),
	}
}

func (g *GTFSRT) Name() string { return g.name }

func (g *GTFSRT) Fetch(ctx context.Context, region config.Region) ([]types.StatusRecord, error) {
	var routes *regexp.Regexp
	if region.RoutePattern != "" {
		re, err := regexp.Compile(region.RoutePattern)
		if err != nil {
			return nil, fail(g.name, region.Key, ErrParseFailure, fmt.Errorf("route_pattern: %w", err))
		}
		routes = re
	}

	body, err := g.http.get(ctx, regionURL(g.url, region))
	if err != nil {
		return nil, fail(g.name, region.Key, ErrUnreachable, err)
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fail(g.name, region.Key, ErrParseFailure, err)
	}

	var records []types.StatusRecord
	for _, entity := range feed.GetEntity() {
		alert := entity.GetAlert()
		if alert == nil || entity.GetIsDeleted() {
			continue
		}
		detail := joinNonEmpty(
			translate(alert.GetHeaderText(), g.language),
			translate(alert.GetDescriptionText(), g.language),
		)
		for _, route := range matchedRoutes(alert, routes) {
			records = append(records, types.StatusRecord{
				LineName:       qualify(region, route),
				StatusText:     effectLabel(alert.GetEffect()),
				Detail:         detail,
				SourceLineCode: route,
				Kind:           types.KindObserved,
			})
		}
	}
	return records, nil
}

// matchedRoutes returns the distinct route ids of alert accepted by re.
func matchedRoutes(alert *gtfs.Alert, re *regexp.Regexp) []string {
	seen := map[string]bool{}
	var out []string
	for _, ie := range alert.GetInformedEntity() {
		rid := ie.GetRouteId()
		if rid == "" || seen[rid] {
			continue
		}
		if re != nil && !re.MatchString(rid) {
			continue
		}
		seen[rid] = true
		out = append(out, rid)
	}
	return out
}

func effectLabel(e gtfs.Alert_Effect) string {
	if l, ok := effectLabels[e]; ok {
		return l
	}
	return e.String()
}

// translate picks lang, then the untagged translation, then the first one.
func translate(ts *gtfs.TranslatedString, lang string) string {
	tr := ts.GetTranslation()
	if len(tr) == 0 {
		return ""
	}
	var untagged string
	for _, t := range tr {
		if lang != "" && strings.EqualFold(t.GetLanguage(), lang) {
			return strings.TrimSpace(t.GetText())
		}
		if t.GetLanguage() == "" && untagged == "" {
			untagged = t.GetText()
		}
	}
	if untagged != "" {
		return strings.TrimSpace(untagged)
	}
	return strings.TrimSpace(tr[0].GetText())
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
