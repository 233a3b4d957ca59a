// ============================================================================
// embedbot configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults, .env secrets and env overrides
//
// Loading order:
//   1. Default() values
//   2. YAML file (-c/--config, default configs/default.yaml); missing file keeps defaults
//   3. .env file via godotenv (never overrides variables already set)
//   4. EMBEDBOT_* environment overrides
//   5. Validate()
//
// Secrets (Discord token, Postgres DSN) are only read from the environment.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source kinds understood by source.Build
const (
	KindYahoo   = "yahoo"
	KindJRWest  = "jrwest"
	KindGTFSRT  = "gtfsrt"
	KindBrowser = "browser"
)

// Filter policies
const (
	PolicyOr       = "or"       // abnormal status OR non-empty detail
	PolicyAnd      = "and"      // abnormal status AND non-empty detail
	PolicyStatus   = "status"   // abnormal status only
	PolicyKeywords = "keywords" // status or detail contains a disruption keyword
)

// Config is the complete embedbot configuration
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workers   int             `yaml:"workers"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Retry     RetryConfig     `yaml:"retry"`
	Filter    FilterConfig    `yaml:"filter"`
	Render    RenderConfig    `yaml:"render"`
	State     StateConfig     `yaml:"state"`
	Journal   JournalConfig   `yaml:"journal"`
	Output    OutputConfig    `yaml:"output"`
	Discord   DiscordConfig   `yaml:"discord"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Log       LogConfig       `yaml:"log"`
	Sources   []Source        `yaml:"sources"`
}

type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`     // timer period, default 30m
	RunOnStart bool          `yaml:"run_on_start"` // run one cycle right after start
	Anchor     string        `yaml:"anchor"`       // optional preset anchor (channel id)
}

type FetchConfig struct {
	Timeout    time.Duration `yaml:"timeout"` // per request, clamped to 10s..20s
	UserAgent  string        `yaml:"user_agent"`
	MaxDetails int           `yaml:"max_details"` // detail pages per region for two-stage sources
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"` // 3..5
	Delay    time.Duration `yaml:"delay"`    // linear: delay * attempt
}

type FilterConfig struct {
	Policy         string   `yaml:"policy"`
	NormalPatterns []string `yaml:"normal_patterns"`
	Keywords       []string `yaml:"keywords"`
}

type RenderConfig struct {
	PerPage      int    `yaml:"per_page"`       // K, max 25
	MaxPageChars int    `yaml:"max_page_chars"` // 0 disables the char budget
	Timezone     string `yaml:"timezone"`
	ShowCodes    bool   `yaml:"show_codes"` // append source line code to field titles
}

type StateConfig struct {
	Backend string `yaml:"backend"` // file | sqlite | postgres
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
	Keep int    `yaml:"keep"` // entries kept on compaction
}

type OutputConfig struct {
	Driver           string        `yaml:"driver"` // discord | log
	RateLimitRetries int           `yaml:"rate_limit_retries"`
	Backoff          time.Duration `yaml:"backoff"`
}

type DiscordConfig struct {
	TokenEnv string `yaml:"token_env"`
	Prefix   string `yaml:"prefix"`
	Command  string `yaml:"command"`
	Token    string `yaml:"-"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"` // empty disables the HTTP API
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // empty disables the control service
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Source is one upstream provider and the regions fetched from it
type Source struct {
	Name      string    `yaml:"name"`
	Kind      string    `yaml:"kind"`
	URL       string    `yaml:"url"`        // base or feed URL; may contain {area}
	MasterURL string    `yaml:"master_url"` // jrwest line-name master, may contain {area}
	Language  string    `yaml:"language"`   // gtfsrt translation preference
	WaitFor   string    `yaml:"wait_for"`   // browser: selector to wait for
	Selectors Selectors `yaml:"selectors"`
	Regions   []Region  `yaml:"regions"`
}

// Selectors locate status items in an HTML page
type Selectors struct {
	Item   string `yaml:"item"`
	Name   string `yaml:"name"`
	Status string `yaml:"status"`
	Detail string `yaml:"detail"`
	Link   string `yaml:"link"`
}

// Region is one status board
type Region struct {
	Key          string `yaml:"key"`
	Name         string `yaml:"name"`          // display name
	Label        string `yaml:"label"`         // line-name prefix, defaults to Name
	Area         string `yaml:"area"`          // provider area code
	URL          string `yaml:"url"`           // overrides the source URL
	RoutePattern string `yaml:"route_pattern"` // gtfsrt route filter (regex)
	Color        int    `yaml:"color"`
}

// Prefix returns the label used to qualify line names.
func (r Region) Prefix() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Name
}

// Default returns the built-in configuration: JR East via Yahoo and JR West.
func Default() *Config {
	cfg := &Config{
		Workers: 2,
		Scheduler: SchedulerConfig{
			Interval:   30 * time.Minute,
			RunOnStart: true,
		},
		Fetch: FetchConfig{
			Timeout:    15 * time.Second,
			UserAgent:  "Mozilla/5.0 (compatible; embedbot/1.0)",
			MaxDetails: 20,
		},
		Retry: RetryConfig{Attempts: 3, Delay: 2 * time.Second},
		Filter: FilterConfig{
			Policy:         PolicyOr,
			NormalPatterns: []string{"平常運転", "通常運転", "平常どおり", "^normal", "good service", "on schedule"},
			Keywords:       []string{"運休", "運転見合わせ", "遅延"},
		},
		Render: RenderConfig{PerPage: 25, MaxPageChars: 6000, Timezone: "Asia/Tokyo"},
		State:  StateConfig{Backend: "file", Path: "data/state.json"},
		Journal: JournalConfig{
			Path: "data/cycles.jsonl",
			Keep: 200,
		},
		Output:  OutputConfig{Driver: "discord", RateLimitRetries: 3, Backoff: time.Second},
		Discord: DiscordConfig{TokenEnv: "DISCORD_TOKEN", Prefix: "!", Command: "運行情報"},
		Metrics: MetricsConfig{Enabled: true},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:9090", TriggerTimeout: 5 * time.Minute},
		GRPC:    GRPCConfig{Addr: "127.0.0.1:50051"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
	cfg.Sources = []Source{
		{
			Name: "jr-east",
			Kind: KindYahoo,
			URL:  "https://transit.yahoo.co.jp/traininfo/area/{area}/",
			Regions: []Region{
				{Key: "east:kanto", Name: "JR東日本（関東）", Label: "関東", Area: "1", Color: 0x2E8B57},
				{Key: "east:tohoku", Name: "JR東日本（東北）", Label: "東北", Area: "2", Color: 0x2E8B57},
				{Key: "east:shinetsu", Name: "JR東日本（信越）", Label: "信越", Area: "4", Color: 0x2E8B57},
			},
		},
		{
			Name:      "jr-west",
			Kind:      KindJRWest,
			URL:       "https://www.train-guide.westjr.co.jp/api/v3/area_{area}_trafficinfo.json",
			MasterURL: "https://www.train-guide.westjr.co.jp/api/v3/area_{area}_master.json",
			Regions: []Region{
				{Key: "west:hokuriku", Name: "JR西日本（北陸）", Label: "西日本 北陸", Area: "hokuriku", Color: 0x4682B4},
				{Key: "west:kinki", Name: "JR西日本（近畿）", Label: "西日本 近畿", Area: "kinki", Color: 0x4682B4},
				{Key: "west:chugoku", Name: "JR西日本（中国）", Label: "西日本 中国", Area: "chugoku", Color: 0x4682B4},
				{Key: "west:shikoku", Name: "JR西日本（四国）", Label: "西日本 四国", Area: "shikoku", Color: 0x4682B4},
				{Key: "west:kyushu", Name: "JR西日本（九州）", Label: "西日本 九州", Area: "kyushu", Color: 0x4682B4},
			},
		},
	}
	return cfg
}

// Load reads the YAML file at path on top of Default(), then applies the
// environment and validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			// sources in the file replace the defaults instead of merging
			cfg.Sources = nil
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			if len(cfg.Sources) == 0 {
				cfg.Sources = Default().Sources
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := LoadEnv(cfg, ".env"); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads envFile (if present) and applies environment overrides.
func LoadEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if cfg.Discord.TokenEnv != "" {
		cfg.Discord.Token = os.Getenv(cfg.Discord.TokenEnv)
	}
	if cfg.State.DSN == "" {
		cfg.State.DSN = os.Getenv("EMBEDBOT_POSTGRES_DSN")
	}
	if v := os.Getenv("EMBEDBOT_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("EMBEDBOT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EMBEDBOT_INTERVAL: %w", err)
		}
		cfg.Scheduler.Interval = d
	}
	cfg.Workers = getEnvInt("EMBEDBOT_WORKERS", cfg.Workers)
	return nil
}

// normalize clamps values into their supported ranges.
func (c *Config) normalize() {
	c.Workers = clamp(c.Workers, 1, 4)
	if c.Fetch.Timeout < 10*time.Second {
		c.Fetch.Timeout = 10 * time.Second
	}
	if c.Fetch.Timeout > 20*time.Second {
		c.Fetch.Timeout = 20 * time.Second
	}
	c.Retry.Attempts = clamp(c.Retry.Attempts, 3, 5)
	if c.Render.PerPage <= 0 || c.Render.PerPage > 25 {
		c.Render.PerPage = 25
	}
	for i := range c.Sources {
		if c.Sources[i].Name == "" {
			c.Sources[i].Name = c.Sources[i].Kind
		}
	}
}

// Regions returns every region across all sources in declaration order.
func (c *Config) Regions() []Region {
	var out []Region
	for _, s := range c.Sources {
		out = append(out, s.Regions...)
	}
	return out
}

// Location resolves the configured time zone, falling back to UTC+9.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Render.Timezone)
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
