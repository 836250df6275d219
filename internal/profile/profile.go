package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the infrastructure configuration the daemon starts with. Runtime
// tunables for the agent runtime live in agent.Config; this struct carries
// only what is needed before any component is constructed.
type Profile struct {
	// Mode is one of "prod", "dev", "demo".
	Mode string
	// Data is the directory holding the sqlite database and pid/log files
	// when relative paths are configured.
	Data string
	// Driver is the persistent store backend, "sqlite" or "postgres".
	Driver string
	// DSN is the driver-specific data source name.
	DSN string
	// ProbeHost and ProbePort locate the health probe HTTP server.
	ProbeHost string
	ProbePort int
	// Workers is the number of agent worker processes. Zero means derive
	// from the agent count and MaxAgentsPerProcess.
	Workers int
	// Agents optionally restricts the daemon to a comma-separated list of
	// agent names.
	Agents string
	// Daemonize detaches the coordinator from the controlling terminal.
	Daemonize bool
	// Pidfile and Logfile are optional; relative paths resolve under Data.
	Pidfile string
	Logfile string
	// SecretKey is the 32-byte AES key used to decrypt stored agent
	// passwords. Loaded from ACTIVEMATRIX_SECRET_KEY.
	SecretKey string
	Version   string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FromEnv loads the settings that never appear on the command line.
func (p *Profile) FromEnv() {
	p.SecretKey = getEnvOrDefault("ACTIVEMATRIX_SECRET_KEY", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and fails when the environment cannot
// support it.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "activematrix")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					return errors.Wrapf(err, "failed to create data directory %s", p.Data)
				}
			}
		} else {
			p.Data = "/var/opt/activematrix"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("activematrix_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	if p.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", p.Workers)
	}
	if p.ProbePort <= 0 || p.ProbePort > 65535 {
		return errors.Errorf("invalid probe port %d", p.ProbePort)
	}

	if p.Pidfile != "" && !filepath.IsAbs(p.Pidfile) {
		p.Pidfile = filepath.Join(p.Data, p.Pidfile)
	}
	if p.Logfile != "" && !filepath.IsAbs(p.Logfile) {
		p.Logfile = filepath.Join(p.Data, p.Logfile)
	}

	if p.SecretKey != "" && len(p.SecretKey) != 32 {
		return errors.Errorf("secret key must be exactly 32 bytes, got %d", len(p.SecretKey))
	}
	return nil
}

// AgentFilter returns the configured agent-name restriction, nil when the
// daemon should run every agent.
func (p *Profile) AgentFilter() []string {
	if strings.TrimSpace(p.Agents) == "" {
		return nil
	}
	parts := strings.Split(p.Agents, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
