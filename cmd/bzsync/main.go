// Package main provides the CLI entrypoint for bzsync.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mjterry/bzsync/internal/annotate"
	"github.com/mjterry/bzsync/internal/bz"
	"github.com/mjterry/bzsync/internal/cache"
	"github.com/mjterry/bzsync/internal/config"
	"github.com/mjterry/bzsync/internal/event"
	"github.com/mjterry/bzsync/internal/logger"
	"github.com/mjterry/bzsync/internal/models"
	"github.com/mjterry/bzsync/internal/participants"
	"github.com/mjterry/bzsync/internal/prefs"
	"github.com/mjterry/bzsync/internal/sync"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bzsync",
	Short: "Offline-capable Bugzilla client",
	Long: `bzsync keeps a local cache of the Bugzilla bugs you are involved in,
detects what changed since you last looked, and tracks read/unread and
starred state across syncs.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(cfgFile); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		logger.SetLevel(level)

		if cfg.Log.File != "" {
			if err := logger.SetLogFile(cfg.Log.File); err != nil {
				return err
			}
		}

		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one poll cycle against the Bugzilla server",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the Bugzilla server periodically until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached bugs with unread and star markers",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var starCmd = &cobra.Command{
	Use:   "star <bug-id>",
	Short: "Star a bug so it is always re-checked on sync",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runStar(args[0], true) },
}

var unstarCmd = &cobra.Command{
	Use:   "unstar <bug-id>",
	Short: "Remove a bug's star",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runStar(args[0], false) },
}

var readCmd = &cobra.Command{
	Use:   "read <bug-id>",
	Short: "Mark a bug as read",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runUnread(args[0], false) },
}

var unreadCmd = &cobra.Command{
	Use:   "unread <bug-id>",
	Short: "Mark a bug as unread",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runUnread(args[0], true) },
}

var participantsCmd = &cobra.Command{
	Use:   "participants <bug-id>",
	Short: "Show everyone involved with a bug",
	Args:  cobra.ExactArgs(1),
	RunE:  runParticipants,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/bzsync/config.yaml)")
	watchCmd.Flags().Duration("interval", 0, "poll interval (default from config, 5m)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(starCmd)
	rootCmd.AddCommand(unstarCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(participantsCmd)
}

// app bundles the wired-up components behind a command.
type app struct {
	cache    *cache.DB
	engine   *sync.Engine
	annotate *annotate.Manager
}

// openApp wires config into the cache, client, event bus and engine.
// The returned cleanup must be called before exit.
func openApp() (*app, func(), error) {
	if cfg.Account == "" {
		return nil, nil, fmt.Errorf("no account configured: set account in the config file or BZSYNC_ACCOUNT")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cacheDB, err := cache.InitDB(cfg.CachePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	client := bz.New(cfg.Server.URL, cfg.Server.APIKey)
	bus := event.NewBus()
	prefsStore := prefs.NewStore(cfg.PrefsPath())
	engine := sync.NewEngine(cacheDB, client, bus, prefsStore, cfg.Account)

	a := &app{
		cache:    cacheDB,
		engine:   engine,
		annotate: annotate.NewManager(cacheDB, bus),
	}

	cleanup := func() {
		if err := cacheDB.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close cache: %v\n", err)
		}
		logger.Close()
	}

	return a, cleanup, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.engine.FetchSubscriptions(); err != nil {
		return err
	}

	fmt.Println("sync complete")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = cfg.Sync.Interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("polling every %s, press Ctrl+C to stop\n", interval)
	if err := a.engine.Watch(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	bugs, err := a.cache.GetAll()
	if err != nil {
		return err
	}

	if len(bugs) == 0 {
		fmt.Println("no cached bugs; run 'bzsync sync' first")
		return nil
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	for _, bug := range bugs {
		fmt.Println(formatBugLine(bug, color))
	}
	return nil
}

// formatBugLine renders one row of the list output.
func formatBugLine(bug *models.Bug, color bool) string {
	marker := " "
	if bug.Annotations.Unread {
		marker = "*"
	}
	star := " "
	if bug.Annotations.Starred() {
		star = "s"
	}

	changed := ""
	if !bug.LastChangeTime.IsZero() {
		changed = humanize.Time(bug.LastChangeTime)
	}

	line := fmt.Sprintf("%s%s %7d  %-12s %-50.50s %s", marker, star, bug.ID, bug.Status, bug.Summary, changed)
	if color && bug.Annotations.Unread {
		line = "\x1b[1m" + line + "\x1b[0m"
	}
	return line
}

func runStar(arg string, starred bool) error {
	id, err := parseBugID(arg)
	if err != nil {
		return err
	}

	a, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.annotate.ToggleStar(id, starred); err != nil {
		return err
	}
	return nil
}

func runUnread(arg string, unread bool) error {
	id, err := parseBugID(arg)
	if err != nil {
		return err
	}

	a, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.annotate.ToggleUnread(id, unread); err != nil {
		return err
	}
	return nil
}

func runParticipants(cmd *cobra.Command, args []string) error {
	id, err := parseBugID(args[0])
	if err != nil {
		return err
	}

	a, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	bug, err := a.engine.EnsureDetails(id)
	if err != nil {
		return err
	}

	for _, p := range participants.Resolve(bug) {
		if p.Detail.RealName != "" {
			fmt.Printf("%s (%s)\n", p.Detail.RealName, p.Name)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

func parseBugID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid bug id %q", arg)
	}
	return id, nil
}
