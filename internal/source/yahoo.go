// ============================================================================
// embedbot yahoo adapter - two-stage HTML scraping
// ============================================================================
//
// Stage 1: the area index lists every line with a short status and preview.
// Stage 2: for lines with a preview, the linked detail page is fetched and
//          its service status paragraph replaces the preview.
//
// Index failure fails the region. A failed detail page keeps the preview.
//
// ============================================================================

package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// NoIncidentText is the detail text shown when there is nothing to report
const NoIncidentText = "事故・遅延に関する情報はありません"

// Yahoo scrapes the transit.yahoo.co.jp area pages
type Yahoo struct {
	name       string
	baseURL    string
	http       *httpGetter
	maxDetails int
}

func NewYahoo(src config.Source, opts Options) *Yahoo {
	return &Yahoo{
		name:       src.Name,
		baseURL:    src.URL,
		http:       newHTTPGetter(opts),
		maxDetails: opts.MaxDetails,
	}
}

func (y *Yahoo) Name() string { return y.name }

type yahooItem struct {
	name, status, preview, link string
}

func (y *Yahoo) Fetch(ctx context.Context, region config.Region) ([]types.StatusRecord, error) {
	indexURL := regionURL(y.baseURL, region)
	body, err := y.http.get(ctx, indexURL)
	if err != nil {
		return nil, fail(y.name, region.Key, ErrUnreachable, err)
	}

	items, err := parseYahooIndex(body, indexURL)
	if err != nil {
		return nil, fail(y.name, region.Key, ErrParseFailure, err)
	}

	details := 0
	records := make([]types.StatusRecord, 0, len(items))
	for _, it := range items {
		detail := it.preview
		if it.link != "" && detail != "" && details < y.maxDetails {
			details++
			full, err := y.fetchDetail(ctx, it.link)
			switch {
			case err != nil:
				log.Warn("detail fetch failed, keeping preview", "region", region.Key, "line", it.name, "error", err)
			case full != "":
				detail = full
			}
		}
		records = append(records, types.StatusRecord{
			LineName:   qualify(region, it.name),
			StatusText: it.status,
			Detail:     detail,
			Kind:       types.KindObserved,
		})
	}

	// a cancelled cycle must not publish a half-detailed board
	if err := ctx.Err(); err != nil {
		return nil, fail(y.name, region.Key, ErrUnreachable, err)
	}
	return records, nil
}

func (y *Yahoo) fetchDetail(ctx context.Context, link string) (string, error) {
	body, err := y.http.get(ctx, link)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrParseFailure, err)
	}
	return cleanDetail(doc.Find("#mdServiceStatus p").First().Text()), nil
}

func parseYahooIndex(body []byte, pageURL string) ([]yahooItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailure, err)
	}
	list := doc.Find("ul.linesWrap")
	if list.Length() == 0 {
		return nil, fmt.Errorf("%w: no ul.linesWrap on page", ErrParseFailure)
	}

	base, _ := url.Parse(pageURL)
	var items []yahooItem
	list.Find("li").Each(func(_ int, li *goquery.Selection) {
		it := yahooItem{
			name:    strings.TrimSpace(li.Find(".labelLine").First().Text()),
			status:  strings.TrimSpace(li.Find(".statusTxt").First().Text()),
			preview: cleanDetail(li.Find(".statusDetail").First().Text()),
		}
		if it.name == "" {
			return
		}
		if href, ok := li.Find("a[href]").First().Attr("href"); ok {
			it.link = resolve(base, href)
		}
		items = append(items, it)
	})
	return items, nil
}

func cleanDetail(s string) string {
	s = strings.TrimSpace(s)
	if s == NoIncidentText {
		return ""
	}
	return s
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
