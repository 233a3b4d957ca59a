package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// Browser renders pages in headless Chrome and parses them with selectors
type Browser struct {
	name     string
	url      string
	waitFor  string
	sel      config.Selectors
	timeout  time.Duration
	retrier  *Retrier
	sessions SessionFactory
	// capture returns the rendered HTML of url; replaced in tests
	capture func(ctx context.Context, s Session, url, waitFor string) (string, error)
}

func NewBrowser(src config.Source, opts Options) *Browser {
	waitFor := src.WaitFor
	if waitFor == "" {
		waitFor = src.Selectors.Item
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Browser{
		name:     src.Name,
		url:      src.URL,
		waitFor:  waitFor,
		sel:      src.Selectors,
		timeout:  timeout,
		retrier:  NewRetrier(opts.Retry.Attempts, opts.Retry.Delay),
		sessions: newChromeSession,
		capture:  captureHTML,
	}
}

func (b *Browser) Name() string { return b.name }

func (b *Browser) Fetch(ctx context.Context, region config.Region) ([]types.StatusRecord, error) {
	target := regionURL(b.url, region)

	var html string
	err := b.retrier.Run(ctx, b.sessions, func(ctx context.Context, s Session) error {
		actx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		out, err := b.capture(actx, s, target, b.waitFor)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		html = out
		return nil
	})
	if err != nil {
		return nil, fail(b.name, region.Key, ErrUnreachable, err)
	}

	records, err := parseSelectors(html, b.sel, region)
	if err != nil {
		return nil, fail(b.name, region.Key, ErrParseFailure, err)
	}
	return records, nil
}

// chromeSession is one headless browser process with one tab
type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *chromeSession) Release() { s.cancel() }

func newChromeSession(ctx context.Context) (Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	return &chromeSession{ctx: tabCtx, cancel: func() {
		cancelTab()
		cancelAlloc()
	}}, nil
}

func captureHTML(ctx context.Context, s Session, url, waitFor string) (string, error) {
	cs, ok := s.(*chromeSession)
	if !ok {
		return "", fmt.Errorf("unexpected session %T", s)
	}
	// run inside the tab, but stop when the attempt's ctx ends
	tab, cancel := context.WithCancel(cs.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(tab,
		chromedp.Navigate(url),
		chromedp.WaitVisible(waitFor, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}

// parseSelectors extracts status items from rendered HTML.
func parseSelectors(html string, sel config.Selectors, region config.Region) ([]types.StatusRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailure, err)
	}
	items := doc.Find(sel.Item)
	if items.Length() == 0 {
		return nil, fmt.Errorf("%w: no element matches %q", ErrParseFailure, sel.Item)
	}

	var records []types.StatusRecord
	items.Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Find(sel.Name).First().Text())
		if name == "" {
			return
		}
		rec := types.StatusRecord{
			LineName:   qualify(region, name),
			StatusText: strings.TrimSpace(s.Find(sel.Status).First().Text()),
			Kind:       types.KindObserved,
		}
		if sel.Detail != "" {
			rec.Detail = cleanDetail(s.Find(sel.Detail).First().Text())
		}
		records = append(records, rec)
	})
	return records, nil
}
