package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/activematrix/daemon"
	"github.com/hrygo/activematrix/internal/version"
	"github.com/hrygo/activematrix/server"
)

const probeRequestTimeout = 5 * time.Second

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runStop()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon runs and what its agents are doing.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runStatus()
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the daemon to reload its agents from the database.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runReload()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of activematrix.",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.StringFull())
	},
}

// daemonPid locates the daemon through the pidfile. Commands addressing
// a running daemon fail with exit 1 when there is none.
func daemonPid() (int, error) {
	path := viper.GetString("pidfile")
	if path == "" {
		path = defaultPidfileName
	}
	if !filepath.IsAbs(path) {
		data := viper.GetString("data")
		if data == "" {
			data = filepath.Dir(os.Args[0])
		}
		path = filepath.Join(data, path)
	}
	pid, err := daemon.ReadPidfile(path)
	if err != nil || !daemon.ProcessAlive(pid) {
		return 0, fmt.Errorf("daemon is not running (pidfile %s)", path)
	}
	return pid, nil
}

func runStop() error {
	pid, err := daemonPid()
	if err != nil {
		return err
	}
	if err := daemon.TerminatePid(pid); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	timeout := viper.GetDuration("timeout")
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Printf("daemon stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop within %s", pid, timeout)
}

func runStatus() error {
	pid, err := daemonPid()
	if err != nil {
		return err
	}
	fmt.Printf("daemon running, pid %d\n", pid)

	p, err := buildProfile()
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: probeRequestTimeout}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", probeHostport(p)))
	if err != nil {
		fmt.Printf("probe unreachable at %s: %v\n", probeHostport(p), err)
		return nil
	}
	defer resp.Body.Close()

	var st server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode probe status: %w", err)
	}
	fmt.Printf("status: %s\n", st.Status)
	fmt.Printf("uptime: %s\n", st.Uptime)
	fmt.Printf("workers: %d\n", st.Workers)
	fmt.Printf("agents: %d total, %d online, %d connecting, %d paused, %d error, %d offline\n",
		st.Agents.Total, st.Agents.Online, st.Agents.Connecting,
		st.Agents.Paused, st.Agents.Error, st.Agents.Offline)
	return nil
}

func runReload() error {
	pid, err := daemonPid()
	if err != nil {
		return err
	}
	if err := daemon.ReloadPid(pid); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	fmt.Printf("reload signal sent to pid %d\n", pid)
	return nil
}

func init() {
	stopCmd.Flags().Duration("timeout", 35*time.Second, "how long to wait for the daemon to exit")
	if err := viper.BindPFlag("timeout", stopCmd.Flags().Lookup("timeout")); err != nil {
		panic(err)
	}
}
