// ============================================================================
// embedbot CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the daemon and its operator tools
//
// Command Structure:
//   embedbot                       # Root command
//   ├── run                        # Start the daemon (timer, chat command, HTTP, gRPC)
//   ├── once                       # Run a single cycle in-process and exit
//   │   ├── --anchor              # channel id used when no anchor is stored
//   │   └── --dry-run             # in-memory output, throwaway state
//   ├── trigger                    # Ask a running daemon for a cycle (gRPC)
//   ├── status                     # Last cycle summary (daemon, else journal)
//   └── state show                 # Print persisted slots
//
//   Global: --config, -c  (default configs/default.yaml)
//
// Signal Handling:
//   run and once stop on SIGINT/SIGTERM. The active cycle is cancelled and
//   its state is not persisted; the next cycle resumes from the last save.
//
// Exit status:
//   once and trigger fail when the cycle outcome is total_failure or aborted.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/tontonpaa/EmbedBot/internal/bot"
	"github.com/tontonpaa/EmbedBot/internal/config"
	"github.com/tontonpaa/EmbedBot/internal/controller"
	"github.com/tontonpaa/EmbedBot/internal/logging"
	"github.com/tontonpaa/EmbedBot/internal/metrics"
	"github.com/tontonpaa/EmbedBot/internal/output"
	"github.com/tontonpaa/EmbedBot/internal/output/discord"
	"github.com/tontonpaa/EmbedBot/internal/server"
	"github.com/tontonpaa/EmbedBot/internal/state"
	"github.com/tontonpaa/EmbedBot/internal/storage/journal"
	"github.com/tontonpaa/EmbedBot/pkg/types"
)

var log = logging.New()

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "embedbot",
		Short: "embedbot: rail disruption boards kept in sync on Discord",
		Long: `embedbot aggregates rail service disruptions from several providers and
keeps one status board per region up to date by editing the same messages
on every cycle.`,
		Version:       "1.0.0",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildOnceCommand())
	rootCmd.AddCommand(buildTriggerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildStateCommand())

	return rootCmd
}

// loadConfig reads the config and installs the log handler it names.
func loadConfig(path string, logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, logOut); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the embedbot daemon",
		Long:  "Run cycles on the configured interval and serve the chat command, the HTTP API and the gRPC control service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector(prometheus.DefaultRegisterer)
	}

	pub, session, err := newPublisher(cfg)
	if err != nil {
		return err
	}

	ctrl, err := controller.FromConfig(ctx, cfg, pub, m)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if session != nil {
		remove := bot.New(ctrl, cfg.Discord, cfg.HTTP.TriggerTimeout).Attach(session)
		defer remove()
		if err := session.Open(); err != nil {
			return fmt.Errorf("failed to open discord gateway: %w", err)
		}
		defer session.Close()
		log.Info("discord command enabled", "command", cfg.Discord.Prefix+cfg.Discord.Command)
	}

	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if cfg.HTTP.Addr != "" {
		httpSrv = &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: server.NewRouter(ctrl, server.HTTPOptions{
				Metrics:        m,
				AllowedOrigins: cfg.HTTP.AllowedOrigins,
				TriggerTimeout: cfg.HTTP.TriggerTimeout,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("http api listening", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var gs *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		gs = grpc.NewServer()
		server.NewServer(ctrl).Register(gs)
		go func() {
			log.Info("grpc control service listening", "addr", cfg.GRPC.Addr)
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	log.Info("embedbot started", "config", configFile)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal, stopping")
	case runErr = <-errCh:
		log.Error("server failed, stopping", "error", runErr)
	}

	// stop the controller first so waiting triggers return promptly
	ctrl.Stop()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}
	if gs != nil {
		gs.GracefulStop()
	}

	log.Info("embedbot stopped")
	return runErr
}

// newPublisher returns the configured output and, for discord, the session
// used by the chat command.
func newPublisher(cfg *config.Config) (output.Publisher, *discordgo.Session, error) {
	switch cfg.Output.Driver {
	case "log":
		return output.NewMemory(true), nil, nil
	case "", "discord":
		s, err := discord.NewSession(cfg.Discord.Token)
		if err != nil {
			return nil, nil, err
		}
		return discord.New(s), s, nil
	default:
		return nil, nil, fmt.Errorf("unknown output driver %q", cfg.Output.Driver)
	}
}

// ============================================================================
// once
// ============================================================================

func buildOnceCommand() *cobra.Command {
	var anchor string
	var dryRun bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := runOnce(ctx, cfg, anchor, dryRun)
			if err != nil {
				return err
			}
			if err := printSummary(cmd.OutOrStdout(), sum, asJSON); err != nil {
				return err
			}
			return outcomeError(sum)
		},
	}

	cmd.Flags().StringVar(&anchor, "anchor", "", "channel id to post in when no anchor is stored")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "render to the log instead of Discord, with throwaway state")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, anchor string, dryRun bool) (types.CycleSummary, error) {
	cfg.Scheduler.Interval = 0
	cfg.Scheduler.RunOnStart = false

	var pub output.Publisher
	if dryRun {
		dir, err := os.MkdirTemp("", "embedbot-dry-run")
		if err != nil {
			return types.CycleSummary{}, err
		}
		defer os.RemoveAll(dir)
		cfg.State = config.StateConfig{Backend: "file", Path: filepath.Join(dir, "state.json")}
		cfg.Journal.Path = ""
		if anchor == "" {
			anchor = "dry-run"
		}
		pub = output.NewMemory(true)
	} else {
		var err error
		if pub, _, err = newPublisher(cfg); err != nil {
			return types.CycleSummary{}, err
		}
	}

	ctrl, err := controller.FromConfig(ctx, cfg, pub, nil)
	if err != nil {
		return types.CycleSummary{}, fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()
	if err := ctrl.Start(ctx); err != nil {
		return types.CycleSummary{}, fmt.Errorf("failed to start controller: %w", err)
	}
	return ctrl.TriggerCycle(ctx, anchor)
}

// ============================================================================
// trigger / status
// ============================================================================

func buildTriggerCommand() *cobra.Command {
	var anchor, addr string
	var timeout time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running daemon to run a cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				addr = cfg.GRPC.Addr
			}
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			sum, err := client.TriggerCycle(ctx, anchor)
			if err != nil {
				return fmt.Errorf("trigger via %s: %w", addr, err)
			}
			if err := printSummary(cmd.OutOrStdout(), sum, asJSON); err != nil {
				return err
			}
			return outcomeError(sum)
		},
	}

	cmd.Flags().StringVar(&anchor, "anchor", "", "channel id to post in when no anchor is stored")
	cmd.Flags().StringVar(&addr, "addr", "", "control service address (default: grpc.addr from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the cycle")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last cycle status",
		Long:  "Ask the running daemon for its last cycle summary; when it is unreachable, read the journal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.GRPC.Addr
			}
			sum, from, err := lastSummary(cmd.Context(), addr, cfg.Journal.Path)
			if err != nil {
				return err
			}
			if !asJSON {
				fmt.Fprintf(cmd.OutOrStdout(), "source:\t%s\n", from)
			}
			return printSummary(cmd.OutOrStdout(), sum, asJSON)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "control service address (default: grpc.addr from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

// lastSummary asks the daemon first and falls back to the journal.
func lastSummary(ctx context.Context, addr, journalPath string) (types.CycleSummary, string, error) {
	if addr != "" {
		client, err := server.Dial(addr)
		if err == nil {
			defer client.Close()
			rpcCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			sum, err := client.LastSummary(rpcCtx)
			if err == nil {
				return sum, "daemon " + addr, nil
			}
			if errors.Is(err, server.ErrNoSummary) {
				return sum, "", fmt.Errorf("daemon at %s has not finished a cycle yet", addr)
			}
			log.Debug("daemon unreachable, reading journal", "addr", addr, "error", err)
		}
	}

	if journalPath == "" {
		return types.CycleSummary{}, "", errors.New("daemon unreachable and journal disabled")
	}
	sum, err := journal.ReadLast(journalPath)
	if err != nil {
		if errors.Is(err, journal.ErrEmpty) {
			return sum, "", errors.New("no cycle recorded yet")
		}
		return sum, "", fmt.Errorf("read journal: %w", err)
	}
	return sum, "journal " + journalPath, nil
}

// ============================================================================
// state
// ============================================================================

func buildStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted engine state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the anchor and every slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			store, err := state.Open(cmd.Context(), cfg.State)
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.Load(cmd.Context())
			if err != nil && !errors.Is(err, state.ErrStateCorrupt) {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return printState(cmd.OutOrStdout(), st)
		},
	})
	return cmd
}

func printState(w io.Writer, st *state.EngineState) error {
	if st == nil {
		st = state.New()
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	anchor := string(st.Anchor)
	if anchor == "" {
		anchor = "(unset)"
	}
	fmt.Fprintf(tw, "anchor:\t%s\n", anchor)
	fmt.Fprintf(tw, "slots:\t%d\n\n", len(st.Slots))
	fmt.Fprintln(tw, "SLOT\tLOCATION\tRETIRED")
	for _, k := range st.Keys() {
		fmt.Fprintf(tw, "%s\t%s\t%v\n", k, st.Slots[k], st.IsRetired(k))
	}
	return tw.Flush()
}

// ============================================================================
// output helpers
// ============================================================================

func printSummary(w io.Writer, sum types.CycleSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "cycle:\t%s (%s)\n", sum.CycleID, sum.Trigger)
	fmt.Fprintf(tw, "outcome:\t%s\n", sum.Outcome)
	fmt.Fprintf(tw, "finished:\t%s (%s)\n", sum.FinishedAt.Format(time.RFC3339), sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	for _, e := range sum.Errors {
		fmt.Fprintf(tw, "error:\t%s\n", e)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "REGION\tOK\tRECORDS\tPAGES\tERROR")
	for _, k := range regionOrder(sum) {
		rs := sum.Regions[k]
		fmt.Fprintf(tw, "%s\t%v\t%d\t%d\t%s\n", k, rs.OK, rs.RecordCount, rs.Pages, rs.Error)
	}
	return tw.Flush()
}

// regionOrder returns Order plus any region missing from it.
func regionOrder(sum types.CycleSummary) []string {
	seen := make(map[string]bool, len(sum.Order))
	keys := make([]string, 0, len(sum.Regions))
	for _, k := range sum.Order {
		if _, ok := sum.Regions[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range sum.Regions {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func outcomeError(sum types.CycleSummary) error {
	switch sum.Outcome {
	case types.OutcomeTotalFailure, types.OutcomeAborted:
		return fmt.Errorf("cycle %s ended with %s", sum.CycleID, sum.Outcome)
	}
	return nil
}
