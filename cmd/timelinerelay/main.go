// TimelineRelay mirrors social network timelines (Twitter, GNU social,
// Pump.io) into a local SQLite database.
//
// Usage:
//
//	timelinerelay daemon [--config <path>]                 # poll all accounts until stopped
//	timelinerelay sync-once [--account a] [--timeline t]   # single pass then exit
//	timelinerelay post <text> --account a [--reply-to oid] # publish a message
//	timelinerelay fetch <oid> --account a                  # download one message
//	timelinerelay latest <subject-oid> --account a         # newest message of a user
//	timelinerelay status                                   # show config & database state
//	timelinerelay version                                  # print version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/njoerd114/timelinerelay/internal/config"
	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/state"
	syncp "github.com/njoerd114/timelinerelay/internal/sync"
	"github.com/njoerd114/timelinerelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "timelinerelay",
		Short:         "Mirror social timelines into a local database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(
		newDaemonCmd(flags),
		newSyncOnceCmd(flags),
		newPostCmd(flags),
		newFetchCmd(flags),
		newLatestCmd(flags),
		newStatusCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "timelinerelay", version)
			},
		},
	)
	return root
}

// --- Subcommands -------------------------------------------------------------

func newDaemonCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync all accounts on a polling loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(flags, func(ctx context.Context, a *app) error {
				a.log.Info("daemon starting", "poll_interval", a.cfg.PollInterval, "accounts", len(a.cfg.Accounts))
				if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("sync engine: %w", err)
				}
				a.log.Info("shutdown complete")
				return nil
			})
		},
	}
}

func newSyncOnceCmd(flags *rootFlags) *cobra.Command {
	var account, timeline string
	cmd := &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single sync pass then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sel := syncp.Selection{Account: account}
			if timeline != "" {
				tl, err := model.ParseTimelineType(timeline)
				if err != nil {
					return err
				}
				sel.Timeline = tl
			}
			return withApp(flags, func(ctx context.Context, a *app) error {
				a.log.Info("running single sync pass", "account", account, "timeline", timeline)
				res, err := a.engine.RunOnce(ctx, sel)
				fmt.Fprintf(cmd.OutOrStdout(), "downloaded %s, new %s, mentions %s, directs %s, errors %d\n",
					humanize.Comma(int64(res.Downloaded)),
					humanize.Comma(int64(res.NewMessages)),
					humanize.Comma(int64(res.Mentions)),
					humanize.Comma(int64(res.Directs)),
					res.Errors,
				)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "only sync this account")
	cmd.Flags().StringVar(&timeline, "timeline", "", "only sync this timeline (home, mentions, direct, favorites, user, public, search, followers)")
	return cmd
}

func newPostCmd(flags *rootFlags) *cobra.Command {
	var account, replyTo string
	cmd := &cobra.Command{
		Use:   "post <text>",
		Short: "Publish a message from an account",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args, " ")
			return withApp(flags, func(ctx context.Context, a *app) error {
				acct, err := a.account(account)
				if err != nil {
					return err
				}
				id, err := a.engine.Post(ctx, acct, body, replyTo)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "posted as message %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to post from")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "oid of the message being replied to")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newFetchCmd(flags *rootFlags) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "fetch <oid>",
		Short: "Download a single message by its oid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, a *app) error {
				return runFetch(ctx, a, account, args[0], cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to fetch with")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newLatestCmd(flags *rootFlags) *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "latest <subject-oid>",
		Short: "Download the newest message of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, a *app) error {
				return runLatest(ctx, a, account, args[0], cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account to fetch with")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func runFetch(ctx context.Context, a *app, account, oid string, w io.Writer) error {
	acct, err := a.account(account)
	if err != nil {
		return err
	}
	id, err := a.engine.FetchMessage(ctx, acct, oid)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "stored message %s as %d\n", oid, id)
	return nil
}

func runLatest(ctx context.Context, a *app, account, subjectOid string, w io.Writer) error {
	acct, err := a.account(account)
	if err != nil {
		return err
	}
	res, err := a.engine.DownloadOneMessageBy(ctx, acct, subjectOid)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "downloaded %s, new %s\n", humanize.Comma(int64(res.Downloaded)), humanize.Comma(int64(res.NewMessages)))
	return nil
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and database state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), flags.configPath, cmd.OutOrStdout())
		},
	}
}

// runStatus prints the configuration and the contents of the state DB.
func runStatus(ctx context.Context, cfgPath string, w io.Writer) error {
	fmt.Fprintln(w, "TimelineRelay Status")
	fmt.Fprintln(w, "────────────────────")

	dbPath, _ := state.DefaultDBPath()
	cfg, err := config.Load(cfgPath)
	switch {
	case err == nil:
		fmt.Fprintf(w, "  Config:    %s ✓\n", cfgPath)
		fmt.Fprintf(w, "  Poll:      %s\n", cfg.PollInterval)
		for _, ac := range cfg.Accounts {
			fmt.Fprintf(w, "  Account:   %s (%s @ %s) %s\n", ac.Name, ac.Protocol, ac.Origin, strings.Join(ac.Timelines, ","))
		}
		if cfg.DBPath != "" {
			dbPath = cfg.DBPath
		}
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(w, "  Config:    not found (%s)\n", cfgPath)
	default:
		fmt.Fprintf(w, "  Config:    %s (invalid: %v)\n", cfgPath, err)
	}

	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Fprintln(w, "  State DB:  not found")
		return nil
	}
	fmt.Fprintf(w, "  State DB:  %s (%s)\n", dbPath, humanize.Bytes(uint64(info.Size())))

	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer store.Close()

	c, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  Messages:  %s\n", humanize.Comma(c.Messages))
	fmt.Fprintf(w, "  Subjects:  %s\n", humanize.Comma(c.Subjects))
	fmt.Fprintf(w, "  Downloads: %s\n", humanize.Comma(c.Downloads))

	timelines, err := store.ListTimelines(ctx)
	if err != nil {
		return err
	}
	for _, ts := range timelines {
		last := "never"
		if !ts.DownloadedDate.IsZero() {
			last = humanize.Time(ts.DownloadedDate)
		}
		fmt.Fprintf(w, "  Timeline:  %-28s synced %s\n", ts.Key, last)
	}
	return nil
}

// --- Shared wiring -----------------------------------------------------------

// app bundles what every syncing subcommand needs.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	engine *syncp.Engine
}

func (a *app) account(name string) (*syncp.Account, error) {
	acct := a.engine.Account(name)
	if acct == nil {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	return acct, nil
}

// withApp loads config, telemetry, the state DB and the engine, runs fn
// with a signal-aware context, and tears everything down afterwards.
func withApp(flags *rootFlags, fn func(context.Context, *app) error) error {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if flags.verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", flags.configPath, err)
	}
	logger.Info("config loaded",
		"accounts", len(cfg.Accounts),
		"poll_interval", cfg.PollInterval,
		"fetch_limit", cfg.FetchLimit,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()
	logger.Info("state DB opened", "path", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Accounts & engine ---------------------------------------------------

	accounts, err := buildAccounts(ctx, store, cfg.Accounts, logger)
	if err != nil {
		return err
	}
	engine := syncp.NewEngine(store, accounts, syncp.EngineConfig{
		PollInterval:      cfg.PollInterval,
		FetchLimit:        cfg.FetchLimit,
		Workers:           cfg.Workers,
		DontSyncOlderThan: cfg.DontSyncOlderThan,
		Filter:            syncp.NewKeywordFilter(cfg.FilterKeywords),
	}, logger)

	return fn(ctx, &app{cfg: cfg, log: logger, engine: engine})
}
