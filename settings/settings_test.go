package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const mainConfig = `
[studio]
workflowDir = "workflows"
outputDir = "output"

[comfyui]
url = "http://127.0.0.1"
defaultPort = "main"
ports = [
	{ name = "main", port = 8188 },
	{ name = "small", port = 8189 },
]
badWords = ["Forbidden"]
`

func write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "config.toml"), mainConfig)
	write(t, filepath.Join(dir, "settings", "logging.toml"), "level = \"debug\"\nformat = \"json\"\n")

	cfg, err := LoadConfig(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("service config not applied: %#v", cfg.Logging)
	}
	if cfg.Studio.FilenamePrefix != "genstudio" || cfg.Server.Listen != ":8189" {
		t.Errorf("defaults not applied: %#v %#v", cfg.Studio, cfg.Server)
	}
	if cfg.ComfyUi.Timeout() != 10*time.Minute {
		t.Errorf("Timeout() = %v", cfg.ComfyUi.Timeout())
	}
	if cfg.ComfyUi.Host() != "127.0.0.1" {
		t.Errorf("Host() = %q", cfg.ComfyUi.Host())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.toml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("got %v, wanted not found error", err)
	}

	write(t, filepath.Join(dir, "config.toml"), "[studio]\nworkflowDir = \"w\"\n")
	if _, err := LoadConfig(filepath.Join(dir, "config.toml")); err == nil || !strings.Contains(err.Error(), "validation") {
		t.Fatalf("got %v, wanted validation error", err)
	}

	write(t, filepath.Join(dir, "broken.toml"), "[studio\n")
	if _, err := LoadConfig(filepath.Join(dir, "broken.toml")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPort(t *testing.T) {
	c := ComfyUiConfig{
		DefaultPort: "small",
		Ports:       []ComfyUiPort{{Name: "main", Port: 8188}, {Name: "small", Port: 8189}},
	}
	tests := []struct {
		name string
		want int
	}{
		{"main", 8188},
		{"small", 8189},
		{"", 8189},
		{"unknown", 8189},
	}
	for _, tt := range tests {
		if got, ok := c.Port(tt.name); !ok || got != tt.want {
			t.Errorf("Port(%q) = %d, %v; wanted %d", tt.name, got, ok, tt.want)
		}
	}

	c.DefaultPort = ""
	if got, _ := c.Port("unknown"); got != 8188 {
		t.Errorf("fallback to first port gave %d", got)
	}
	if _, ok := (ComfyUiConfig{}).Port("x"); ok {
		t.Error("empty config should report no port")
	}
}

func TestIsBad(t *testing.T) {
	c := ComfyUiConfig{BadWords: []string{"Forbidden", ""}}
	if !c.IsBad("a forbidden fruit") {
		t.Error("case-insensitive match failed")
	}
	if c.IsBad("an apple") {
		t.Error("unexpected match")
	}
}

func TestHost(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://127.0.0.1", "127.0.0.1"},
		{"https://gpu.local/", "gpu.local"},
		{"http://gpu.local:8188", "gpu.local"},
		{"https://gpu.local:443/comfy/", "gpu.local"},
		{"gpu.local:8188", "gpu.local"},
		{"http://[::1]:8188", "::1"},
	}
	for _, tt := range tests {
		if got := (ComfyUiConfig{Url: tt.url}).Host(); got != tt.want {
			t.Errorf("Host(%q) = %q, wanted %q", tt.url, got, tt.want)
		}
	}
}
