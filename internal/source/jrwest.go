package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

// JRWest reads the JR West train-guide traffic API
type JRWest struct {
	name      string
	url       string
	masterURL string
	http      *httpGetter
}

func NewJRWest(src config.Source, opts Options) *JRWest {
	return &JRWest{
		name:      src.Name,
		url:       src.URL,
		masterURL: src.MasterURL,
		http:      newHTTPGetter(opts),
	}
}

func (j *JRWest) Name() string { return j.name }

type westTraffic struct {
	Lines   map[string]westItem `json:"lines"`
	Express map[string]westItem `json:"express"`
}

type westItem struct {
	Name   string     `json:"name"`
	Status flexString `json:"status"`
	Cause  string     `json:"cause"`
}

type westMaster struct {
	Lines map[string]struct {
		Name string `json:"name"`
	} `json:"lines"`
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

func (j *JRWest) Fetch(ctx context.Context, region config.Region) ([]types.StatusRecord, error) {
	body, err := j.http.get(ctx, regionURL(j.url, region))
	if err != nil {
		return nil, fail(j.name, region.Key, ErrUnreachable, err)
	}

	var traffic westTraffic
	if err := json.Unmarshal(body, &traffic); err != nil {
		return nil, fail(j.name, region.Key, ErrParseFailure, err)
	}
	if traffic.Lines == nil && traffic.Express == nil {
		return nil, fail(j.name, region.Key, ErrParseFailure, fmt.Errorf("neither lines nor express in payload"))
	}

	names := j.lineNames(ctx, region)

	records := make([]types.StatusRecord, 0, len(traffic.Lines)+len(traffic.Express))
	for _, code := range sortedKeys(traffic.Lines) {
		it := traffic.Lines[code]
		name := names[code]
		if name == "" {
			name = code
		}
		records = append(records, westRecord(region.Prefix(), name, code, it))
	}
	for _, code := range sortedKeys(traffic.Express) {
		it := traffic.Express[code]
		name := strings.TrimSpace(it.Name)
		if name == "" {
			name = code
		}
		records = append(records, westRecord(region.Prefix()+" 特急", name, code, it))
	}
	return records, nil
}

// lineNames loads the route-code master. Failure degrades to codes.
func (j *JRWest) lineNames(ctx context.Context, region config.Region) map[string]string {
	names := map[string]string{}
	if j.masterURL == "" {
		return names
	}
	body, err := j.http.get(ctx, regionURL(j.masterURL, region))
	if err != nil {
		log.Warn("line master unavailable, using route codes", "region", region.Key, "error", err)
		return names
	}
	var m westMaster
	if err := json.Unmarshal(body, &m); err != nil {
		log.Warn("line master unreadable, using route codes", "region", region.Key, "error", err)
		return names
	}
	for code, l := range m.Lines {
		names[code] = strings.TrimSpace(l.Name)
	}
	return names
}

func westRecord(prefix, name, code string, it westItem) types.StatusRecord {
	return types.StatusRecord{
		LineName:       "[" + prefix + "] " + name,
		StatusText:     strings.TrimSpace(string(it.Status)),
		Detail:         strings.TrimSpace(it.Cause),
		SourceLineCode: code,
		Kind:           types.KindObserved,
	}
}

// sortedKeys orders route codes numerically when they are numbers.
func sortedKeys(m map[string]westItem) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		na, errA := strconv.Atoi(keys[a])
		nb, errB := strconv.Atoi(keys[b])
		if errA == nil && errB == nil {
			return na < nb
		}
		return keys[a] < keys[b]
	})
	return keys
}
