// direct4me bridges the Direct4.me parcel-locker service into Home
// Assistant.
//
// It logs in to the vendor API, keeps the session token in a local
// SQLite database, polls for deliveries on a timer, and publishes four
// sensors (upcoming, received, today's arrivals, delivery log) through
// MQTT discovery, the Home Assistant REST API, or both. Delivery counts
// can also be recorded in InfluxDB. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	direct4me serve          Poll and publish until interrupted
//	direct4me check          Log in, fetch once, print the sensors
//	direct4me logout         Forget the stored session token
//	direct4me init [dir]     Write an example config.yaml
//	direct4me version        Print version and build information
//	direct4me -o json check  Print the sensors as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/direct4me-bridge/internal/buildinfo"
	"github.com/nugget/direct4me-bridge/internal/config"
	"github.com/nugget/direct4me-bridge/internal/connwatch"
	"github.com/nugget/direct4me-bridge/internal/direct4me"
	"github.com/nugget/direct4me-bridge/internal/homeassistant"
	"github.com/nugget/direct4me-bridge/internal/influx"
	"github.com/nugget/direct4me-bridge/internal/mqtt"
	"github.com/nugget/direct4me-bridge/internal/opstate"
	"github.com/nugget/direct4me-bridge/internal/poller"
	"github.com/nugget/direct4me-bridge/internal/sensors"
)

// stateFile is the SQLite database under data_dir.
const stateFile = "direct4me.db"

// vendorReadyTimeout bounds how long serve waits for the vendor API to
// answer before attempting the first login anyway.
const vendorReadyTimeout = 2 * time.Minute

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	noStore    bool
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package so tests can call run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-no-store":
			opts.noStore = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "check":
		return runCheck(ctx, stdout, stderr, opts)
	case "logout":
		return runLogout(stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "direct4me - Direct4.me parcel locker bridge for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: direct4me [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll for deliveries and publish sensors")
	fmt.Fprintln(w, "  check        Log in, fetch once, and print the sensors")
	fmt.Fprintln(w, "  logout       Forget the stored session token")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -no-store         check: do not read or write the stored token")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runServe is the long-running bridge. It fails fast if the first
// login is rejected; after that, poll failures are logged and retried
// on the next tick.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting direct4me bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)

	interval, err := cfg.Direct4me.Interval()
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"username", cfg.Direct4me.Username,
		"device_id", cfg.Direct4me.DeviceID,
		"interval", interval,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Persistent state ---
	state, err := openState(cfg.DataDir)
	if err != nil {
		return err
	}
	defer state.Close()

	client, err := newVendorClient(cfg, direct4me.NewStateTokenStore(state), logger)
	if err != nil {
		return err
	}

	// --- Connection watching ---
	connMgr := connwatch.NewManager(logger.With("component", "connwatch"))
	defer connMgr.Stop()

	vendorWatcher := connMgr.Watch(ctx, vendorWatch(client.Ping, interval))

	waitCtx, waitCancel := context.WithTimeout(ctx, vendorReadyTimeout)
	if err := vendorWatcher.WaitReady(waitCtx); err != nil {
		logger.Warn("Direct4.me API not reachable yet, trying to log in anyway", "error", err)
	}
	waitCancel()

	if err := client.EnsureLoggedIn(ctx); err != nil {
		if errors.Is(err, direct4me.ErrLoginFailed) {
			return fmt.Errorf("initial login rejected, check direct4me.username and direct4me.password: %w", err)
		}
		return fmt.Errorf("initial login: %w", err)
	}

	// --- Sinks ---
	var sinks []poller.Sink

	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		pub := mqtt.New(cfg.MQTT, instanceID, logger.With("component", "mqtt"))
		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: pub.AwaitConnection,
		})
		sinks = append(sinks, pub)
		logger.Info("mqtt sink enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	}

	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "homeassistant",
			Probe: ha.Ping,
		})
		ha.SetWatcher(haWatcher)
		sinks = append(sinks, homeassistant.NewStateSink(ha, logger.With("component", "homeassistant")))
		logger.Info("home assistant sink enabled", "url", cfg.HomeAssistant.URL)
	}

	if cfg.InfluxDB.Enabled {
		ix, err := influx.Connect(ctx, cfg.InfluxDB, cfg.Direct4me.DeviceID, logger.With("component", "influxdb"))
		if err != nil {
			logger.Error("influxdb unavailable, delivery history disabled", "error", err)
		} else {
			defer ix.Close()
			connMgr.Watch(ctx, connwatch.WatcherConfig{
				Name:  "influxdb",
				Probe: ix.Ping,
			})
			sinks = append(sinks, ix)
		}
	}

	if len(sinks) == 0 {
		logger.Warn("no sinks configured, deliveries will only be logged")
	}

	// --- Poll loop ---
	p := poller.New(client, sensors.NewBoard(), sinks, interval,
		logger.With("component", "poller"),
		poller.WithState(state),
		poller.WithHealth(connMgr.Status),
	)
	if last := p.Status().LastSuccess; !last.IsZero() {
		logger.Info("previous successful poll", "at", last.Format(time.RFC3339))
	}

	err = p.Run(ctx)
	logger.Info("shutting down", "uptime", buildinfo.Uptime())
	return err
}

// vendorWatch configures the Direct4.me reachability watcher. After
// startup the API is probed no more often than it is polled.
func vendorWatch(probe connwatch.ProbeFunc, interval time.Duration) connwatch.WatcherConfig {
	return connwatch.WatcherConfig{
		Name:    "direct4me",
		Probe:   probe,
		Backoff: connwatch.BackoffConfig{PollInterval: interval},
	}
}

// checkOutput is the JSON form of one sensor printed by check.
type checkOutput struct {
	Name       string         `json:"name"`
	EntityID   string         `json:"entity_id"`
	State      int            `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// runCheck logs in, fetches once, and prints the four sensors. Logs go
// to stderr so stdout holds only the result.
func runCheck(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	var store direct4me.TokenStore
	if opts.noStore {
		store = direct4me.NewMemoryTokenStore(direct4me.TokenRecord{}, false)
	} else {
		state, err := openState(cfg.DataDir)
		if err != nil {
			return err
		}
		defer state.Close()
		store = direct4me.NewStateTokenStore(state)
	}

	client, err := newVendorClient(cfg, store, logger)
	if err != nil {
		return err
	}

	interval, err := cfg.Direct4me.Interval()
	if err != nil {
		return err
	}

	board := sensors.NewBoard()
	p := poller.New(client, board, nil, interval, logger.With("component", "poller"))
	if err := p.Cycle(ctx); err != nil {
		return err
	}

	snaps := board.Snapshots()
	if opts.outputFmt == "json" {
		out := make([]checkOutput, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, checkOutput{
				Name:       s.Name,
				EntityID:   "sensor." + s.ObjectID,
				State:      s.State,
				Attributes: s.Attributes,
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for _, s := range snaps {
		fmt.Fprintf(stdout, "%-30s %d\n", s.Name, s.State)
		if s.Category == sensors.Logs {
			continue
		}
		if entries, ok := s.Attributes[sensors.AttrDeliveries].([]sensors.DeliveryAttributes); ok {
			for _, e := range entries {
				fmt.Fprintf(stdout, "    %s  %-12s %s (%s)\n", e.DeliveryDate, e.BoxName, e.Company, e.Location)
			}
		}
	}
	if exp, ok := client.TokenExpiry(); ok {
		fmt.Fprintf(stdout, "\nsession token expires %s\n", exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// runLogout removes the stored session token so the next start logs in
// with the configured credentials.
func runLogout(w io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	state, err := openState(cfg.DataDir)
	if err != nil {
		return err
	}
	defer state.Close()

	if err := direct4me.NewStateTokenStore(state).Clear(); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	fmt.Fprintln(w, "session token removed")
	return nil
}

// newVendorClient builds the API client from config.
func newVendorClient(cfg *config.Config, store direct4me.TokenStore, logger *slog.Logger) (*direct4me.Client, error) {
	client, err := direct4me.NewClient(direct4me.Config{
		Username: cfg.Direct4me.Username,
		Password: cfg.Direct4me.Password,
		DeviceID: cfg.Direct4me.DeviceID,
		APIURL:   cfg.Direct4me.APIURL,
		MainURL:  cfg.Direct4me.MainURL,
	}, store, nil, logger.With("component", "direct4me"))
	if err != nil {
		return nil, fmt.Errorf("create Direct4.me client: %w", err)
	}
	return client, nil
}

// openState creates the data directory if needed and opens the
// operational state database inside it.
func openState(dataDir string) (*opstate.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, stateFile)
	state, err := opstate.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	return state, nil
}

// newLogger creates a structured logger that writes to w at the given
// level in text or JSON format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// checked by Validate, so a parse error cannot happen here.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates, parses, and validates the YAML configuration. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
