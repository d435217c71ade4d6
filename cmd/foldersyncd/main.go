package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/foldersyncd/internal/config"
	"github.com/schaermu/foldersyncd/internal/conflict"
	"github.com/schaermu/foldersyncd/internal/logging"
	"github.com/schaermu/foldersyncd/internal/mount"
	"github.com/schaermu/foldersyncd/internal/store"
	"github.com/schaermu/foldersyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// v resolves global flags against FOLDERSYNCD_* environment variables.
	v *viper.Viper

	// Sync command flags
	dryRun          bool
	resolveFlags    []string
	resolutionsFile string
	strategyFlag    string

	// Device command flags
	deviceName       string
	deviceMountPoint string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foldersyncd",
	Short: "Keep directory trees and removable devices in sync",
	Long: `foldersyncd synchronizes pairs of directory trees. A profile pairs two
arbitrary roots, a device pairs the library with a removable device.

Profiles sync in both directions against the state of their last sync; devices
mirror the library one way. It can run as a oneshot sync or as a long-running
daemon that watches the roots and exposes a control API.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync [scope...]",
	Short: "Synchronize the given scopes, or all of them",
	Long: `Sync scans both roots of each scope, computes the changes, resolves
conflicts and applies the result.

Conflicts without a resolution use the --strategy policy, which defaults to
sync.default_strategy from the configuration. Skipped conflicts are reported
and resurface on the next run.`,
	RunE: runSync,
}

var planCmd = &cobra.Command{
	Use:   "plan <scope>",
	Short: "Show what a sync of the scope would do",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Serve performs an initial sync of every scope, then watches the roots of
scopes with watch enabled and, when serve.enabled is set, starts the control API.

The control API honours systemd socket activation.`,
	RunE: runServe,
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage registered devices",
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE:  runDeviceList,
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register <id>",
	Short: "Register a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRegister,
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a device with its hash cache and baseline",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeviceRemove,
}

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Manage sync baselines",
}

var baselineResetCmd = &cobra.Command{
	Use:   "reset <scope>",
	Short: "Forget the last synchronized state of a scope",
	Long: `Reset drops the baseline of a scope. Its next two-way sync behaves like a
first sync: files present on one side are copied, identical files are adopted
and differing files become conflicts.`,
	Args: cobra.ExactArgs(1),
	RunE: runBaselineReset,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("foldersyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default is $HOME/.config/foldersyncd/config.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error); overrides log.level")
	flags.String("log-format", "", "log format (text, json); overrides log.format")

	v = newViper()

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringArrayVar(&resolveFlags, "resolve", nil, "resolve a conflict as path=strategy (repeatable)")
	syncCmd.Flags().StringVar(&resolutionsFile, "resolutions", "", "YAML or JSON file with a list of {path, strategy} resolutions")
	syncCmd.Flags().StringVar(&strategyFlag, "strategy", "", "strategy for conflicts without a resolution (keep-source, keep-target, keep-both, skip, keep-newest)")

	// Device command flags
	deviceRegisterCmd.Flags().StringVar(&deviceName, "name", "", "display name (defaults to the configured name)")
	deviceRegisterCmd.Flags().StringVar(&deviceMountPoint, "mount-point", "", "mount point (defaults to the configured mount point)")

	// Add commands
	deviceCmd.AddCommand(deviceListCmd, deviceRegisterCmd, deviceRemoveCmd)
	baselineCmd.AddCommand(baselineResetCmd)
	rootCmd.AddCommand(syncCmd, planCmd, serveCmd, deviceCmd, baselineCmd, versionCmd)
}

// newViper binds the global flags to FOLDERSYNCD_CONFIG, FOLDERSYNCD_LOG_LEVEL
// and FOLDERSYNCD_LOG_FORMAT. A flag set on the command line wins.
func newViper() *viper.Viper {
	nv := viper.New()
	nv.SetEnvPrefix("FOLDERSYNCD")
	nv.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	nv.AutomaticEnv()
	for _, name := range []string{"config", "log-level", "log-format"} {
		_ = nv.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	return nv
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	store  *store.Store
}

// setup loads the configuration, builds the logger and opens the store.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debugw("configuration loaded",
		"state_dir", cfg.Paths.StateDir,
		"profiles", len(cfg.Profiles),
		"devices", len(cfg.Devices))

	st, err := store.Open(cfg.DBPath(), logger)
	if err != nil {
		return nil, err
	}
	if err := registerDevices(ctx, st, cfg); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warnw("failed to close store", "error", err)
	}
	_ = a.logger.Sync()
}

// registerDevices makes every configured device known to the store, which
// its hash cache rows reference.
func registerDevices(ctx context.Context, st *store.Store, cfg *config.Config) error {
	for _, d := range cfg.Devices {
		if err := st.RegisterDevice(ctx, store.Device{ID: d.ID, Name: d.Name, MountPoint: d.MountPoint}); err != nil {
			return errors.Wrapf(err, "failed to register device %s", d.ID)
		}
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	opts, err := syncOptions()
	if err != nil {
		return err
	}
	return syncScopes(ctx, a, args, opts)
}

// syncOptions builds run options from the sync command flags.
func syncOptions() (sync.Options, error) {
	opts := sync.Options{DryRun: dryRun}
	if strategyFlag != "" {
		st, err := conflict.ParseStrategy(strategyFlag)
		if err != nil {
			return opts, err
		}
		opts.Strategy = st
	}
	resolutions, err := parseResolutions(resolveFlags, resolutionsFile)
	if err != nil {
		return opts, err
	}
	opts.Resolutions = resolutions
	return opts, nil
}

// parseResolutions merges resolutions from a file with --resolve flags. A
// flag wins over the file for the same path.
func parseResolutions(flags []string, file string) ([]conflict.Resolution, error) {
	var out []conflict.Resolution
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read resolutions file")
		}
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, errors.Wrap(err, "failed to parse resolutions file")
		}
		for _, r := range out {
			if _, err := conflict.ParseStrategy(string(r.Strategy)); err != nil {
				return nil, errors.Wrapf(err, "resolution for %s", r.Path)
			}
		}
	}
	for _, f := range flags {
		r, err := conflict.ParseResolution(f)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// syncScopes runs the given scopes, or all of them, one after the other.
// It stops at the first scope-fatal error, or when ctx is done.
func syncScopes(ctx context.Context, a *app, ids []string, opts sync.Options) error {
	if len(ids) == 0 {
		for _, s := range a.cfg.Scopes() {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return errors.WithHint(errors.New("no scopes configured"), "add profiles or devices to the configuration")
	}

	engine := sync.NewEngine(a.cfg, a.store, a.store, mount.NewClient(), a.logger)
	var failed []string
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		runOpts := opts
		runOpts.Sink = newTerminalSink(id, a.cfg.Sync.ProgressInterval)

		report, err := engine.Run(ctx, id, runOpts)
		if report != nil {
			renderReport(report)
		}
		if err != nil {
			a.logger.Errorw("sync failed", "scope", id, "error", err)
			renderError(id, err)
			failed = append(failed, id)
			continue
		}
	}
	if len(failed) > 0 {
		return errors.Newf("sync failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	engine := sync.NewEngine(a.cfg, a.store, a.store, mount.NewClient(), a.logger)
	report, err := engine.Plan(ctx, args[0], sync.Options{})
	if err != nil {
		return err
	}
	renderReport(report)
	return nil
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	devices, err := a.store.ListDevices(cmd.Context())
	if err != nil {
		return err
	}
	return renderDevices(devices)
}

func runDeviceRegister(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	d := store.Device{ID: args[0], Name: deviceName, MountPoint: deviceMountPoint}
	for _, c := range a.cfg.Devices {
		if c.ID == d.ID {
			if d.Name == "" {
				d.Name = c.Name
			}
			if d.MountPoint == "" {
				d.MountPoint = c.MountPoint
			}
		}
	}
	if d.MountPoint == "" {
		return errors.WithHint(errors.Newf("device %s has no mount point", d.ID), "pass --mount-point")
	}
	if !filepath.IsAbs(d.MountPoint) {
		return errors.Newf("mount point %s must be absolute", d.MountPoint)
	}
	if err := a.store.RegisterDevice(cmd.Context(), d); err != nil {
		return err
	}
	printSuccess("registered device %s at %s", d.ID, d.MountPoint)
	return nil
}

func runDeviceRemove(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	for _, c := range a.cfg.Devices {
		if c.ID == args[0] {
			printWarning("device %s is still configured and will be registered again on the next start", c.ID)
		}
	}
	if err := a.store.DeleteDevice(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Newf("device %s is not registered", args[0])
		}
		return err
	}
	printSuccess("removed device %s", args[0])
	return nil
}

func runBaselineReset(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	scope, ok := a.cfg.Scope(args[0])
	if !ok {
		return errors.Wrapf(sync.ErrUnknownScope, "%s", args[0])
	}
	n, err := a.store.ResetBaseline(cmd.Context(), scope.ID)
	if err != nil {
		return err
	}
	printSuccess("dropped %d baseline entries of %s", n, scope.ID)
	return nil
}

func setupLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	opts := logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	// Flags and environment take precedence over the config file
	if level := v.GetString("log-level"); level != "" {
		opts.Level = level
	}
	if format := v.GetString("log-format"); format != "" {
		opts.Format = format
	}
	return logging.New(opts)
}

func loadConfig() (*config.Config, error) {
	// Determine config file path
	configPath := v.GetString("config")
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get user home directory")
		}
		configPath = filepath.Join(home, ".config", "foldersyncd", "config.yaml")
	}
	return config.Load(configPath)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
