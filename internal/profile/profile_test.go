package profile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateDefaults(t *testing.T) {
	dir := t.TempDir()

	p := &Profile{
		Mode:      "unexpected",
		Data:      dir,
		Driver:    "sqlite",
		ProbeHost: "127.0.0.1",
		ProbePort: 7358,
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}

	if p.Mode != "demo" {
		t.Errorf("unknown mode should normalize to demo, got %q", p.Mode)
	}
	want := filepath.Join(dir, "activematrix_demo.db")
	if p.DSN != want {
		t.Errorf("sqlite DSN: expected %q, got %q", want, p.DSN)
	}
}

func TestValidateRejects(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		setup func(*Profile)
	}{
		{"negative workers", func(p *Profile) { p.Workers = -1 }},
		{"zero probe port", func(p *Profile) { p.ProbePort = 0 }},
		{"probe port out of range", func(p *Profile) { p.ProbePort = 70000 }},
		{"short secret key", func(p *Profile) { p.SecretKey = "too-short" }},
		{"missing data dir", func(p *Profile) { p.Data = filepath.Join(dir, "does-not-exist") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Profile{Mode: "dev", Data: dir, Driver: "sqlite", ProbeHost: "127.0.0.1", ProbePort: 7358}
			tt.setup(p)
			if err := p.Validate(); err == nil {
				t.Errorf("expected Validate() to fail")
			}
		})
	}
}

func TestValidateResolvesRelativeFiles(t *testing.T) {
	dir := t.TempDir()

	p := &Profile{
		Mode:      "dev",
		Data:      dir,
		Driver:    "sqlite",
		ProbeHost: "127.0.0.1",
		ProbePort: 7358,
		Pidfile:   "activematrix.pid",
		Logfile:   "activematrix.log",
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}

	if p.Pidfile != filepath.Join(dir, "activematrix.pid") {
		t.Errorf("pidfile not resolved under data dir: %q", p.Pidfile)
	}
	if p.Logfile != filepath.Join(dir, "activematrix.log") {
		t.Errorf("logfile not resolved under data dir: %q", p.Logfile)
	}
}

func TestFromEnv(t *testing.T) {
	os.Unsetenv("ACTIVEMATRIX_SECRET_KEY")
	p := &Profile{}
	p.FromEnv()
	if p.SecretKey != "" {
		t.Errorf("expected empty secret key, got %q", p.SecretKey)
	}

	t.Setenv("ACTIVEMATRIX_SECRET_KEY", "0123456789abcdef0123456789abcdef")
	p.FromEnv()
	if p.SecretKey != "0123456789abcdef0123456789abcdef" {
		t.Errorf("secret key not loaded from env, got %q", p.SecretKey)
	}
}

func TestAgentFilter(t *testing.T) {
	tests := []struct {
		name   string
		agents string
		want   []string
	}{
		{"empty", "", nil},
		{"whitespace only", "  ", nil},
		{"single", "smith", []string{"smith"}},
		{"multiple with spaces", "smith, neo ,trinity", []string{"smith", "neo", "trinity"}},
		{"trailing comma", "smith,", []string{"smith"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Profile{Agents: tt.agents}
			got := p.AgentFilter()
			if len(got) != len(tt.want) {
				t.Fatalf("AgentFilter() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("AgentFilter()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
