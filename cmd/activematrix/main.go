package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/activematrix/agent"
	// Importing bots registers the built-in bot classes.
	_ "github.com/hrygo/activematrix/bots"
	"github.com/hrygo/activematrix/daemon"
	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/internal/version"
	"github.com/hrygo/activematrix/store"
	"github.com/hrygo/activematrix/store/db"
)

const (
	defaultPidfileName = "activematrix.pid"
	defaultLogfileName = "activematrix.log"
)

var rootCmd = &cobra.Command{
	Use:          "activematrix",
	Short:        "A multi-agent Matrix chatbot daemon. Host long-lived bots that sync, route events, and answer commands.",
	SilenceUsage: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution; a systemd unit
		// carries its own environment.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon: spawn workers, serve the probe, run agents.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runStart()
	},
}

func runStart() error {
	p, err := buildProfile()
	if err != nil {
		return err
	}
	if p.Pidfile == "" {
		p.Pidfile = filepath.Join(p.Data, defaultPidfileName)
	}
	cfg := agent.NewConfigFromViper()

	if p.Daemonize {
		if p.Logfile == "" {
			p.Logfile = filepath.Join(p.Data, defaultLogfileName)
		}
		out, err := os.OpenFile(p.Logfile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open logfile: %w", err)
		}
		defer out.Close()

		pid, err := daemon.Detach(detachArgs(p), out, out)
		if err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		fmt.Printf("activematrix daemon started, pid %d\n", pid)
		fmt.Printf("Logfile: %s\nPidfile: %s\n", p.Logfile, p.Pidfile)
		return nil
	}

	reopen, err := setupLogging(p, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, p)
	if err != nil {
		return err
	}
	defer st.Close()

	printGreetings(p)

	coord := daemon.NewCoordinator(p, st, cfg)
	coord.ReopenLog = reopen
	return coord.Run(ctx)
}

// detachArgs rebuilds a foreground start command line for the detached
// child. The profile is already validated, so paths are absolute.
func detachArgs(p *profile.Profile) []string {
	args := []string{
		"start",
		"--mode", p.Mode,
		"--data", p.Data,
		"--driver", p.Driver,
		"--probe-host", p.ProbeHost,
		"--probe-port", strconv.Itoa(p.ProbePort),
		"--pidfile", p.Pidfile,
		"--logfile", p.Logfile,
	}
	if p.DSN != "" {
		args = append(args, "--dsn", p.DSN)
	}
	if p.Workers > 0 {
		args = append(args, "--workers", strconv.Itoa(p.Workers))
	}
	if p.Agents != "" {
		args = append(args, "--agents", p.Agents)
	}
	return args
}

// buildProfile assembles the infra profile from flags and environment.
func buildProfile() (*profile.Profile, error) {
	p := &profile.Profile{
		Mode:      viper.GetString("mode"),
		Data:      viper.GetString("data"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
		ProbeHost: viper.GetString("probe-host"),
		ProbePort: viper.GetInt("probe-port"),
		Workers:   viper.GetInt("workers"),
		Agents:    viper.GetString("agents"),
		Daemonize: viper.GetBool("daemon"),
		Pidfile:   viper.GetString("pidfile"),
		Logfile:   viper.GetString("logfile"),
		Version:   version.String(),
	}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// setupLogging installs the global slog handler: JSON into the logfile
// when one is configured, tint on an interactive terminal, JSON on a
// plain pipe. Returns a reopen hook for SIGUSR1 when file-backed.
func setupLogging(p *profile.Profile, cfg *agent.Config) (func() error, error) {
	level := cfg.Level()
	if p.Logfile != "" {
		w, err := daemon.OpenLogfile(p.Logfile)
		if err != nil {
			return nil, fmt.Errorf("open logfile: %w", err)
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
		return w.Reopen, nil
	}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})))
		return nil, nil
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil, nil
}

func openStore(ctx context.Context, p *profile.Profile) (*store.Store, error) {
	driver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, fmt.Errorf("create db driver: %w", err)
	}
	st := store.New(driver, p)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("ActiveMatrix %s started\n", p.Version)
	if p.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Probe: http://%s/health\n", probeHostport(p))
}

func probeHostport(p *profile.Profile) string {
	host := p.ProbeHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, p.ProbePort)
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("probe-port", 28090)

	pf := rootCmd.PersistentFlags()
	pf.String("mode", "dev", `mode of daemon, can be "prod" or "dev" or "demo"`)
	pf.String("data", "", "data directory")
	pf.String("driver", "sqlite", "database driver (sqlite, postgres)")
	pf.String("dsn", "", "database source name (aka. DSN)")
	pf.String("probe-host", "", "host the probe server binds to")
	pf.Int("probe-port", 28090, "port of the probe server")
	pf.String("pidfile", "", "pidfile path, relative paths resolve under the data directory")
	pf.String("logfile", "", "logfile path, relative paths resolve under the data directory")
	pf.String("agents", "", "comma-separated agent names to run, empty runs all")

	startCmd.Flags().Int("workers", 0, "number of worker processes, 0 derives from the agent count")
	startCmd.Flags().Bool("daemon", false, "detach from the terminal and run in the background")

	for _, name := range []string{
		"mode", "data", "driver", "dsn", "probe-host", "probe-port",
		"pidfile", "logfile", "agents",
	} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}
	for _, name := range []string{"workers", "daemon"} {
		if err := viper.BindPFlag(name, startCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("activematrix")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, reloadCmd, versionCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
