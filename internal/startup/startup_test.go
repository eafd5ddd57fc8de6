package startup

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()

	if info.Version == "" {
		t.Error("Expected Version to be set")
	}
	if info.GoVersion != GoVersion {
		t.Errorf("Expected GoVersion=%s, got %s", GoVersion, info.GoVersion)
	}
	if info.OS == "" || info.Arch == "" {
		t.Error("Expected OS and Arch to be set")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("UNICLON_TEST_SET", "custom")
	os.Unsetenv("UNICLON_TEST_UNSET")

	if got := getEnv("UNICLON_TEST_SET", "default"); got != "custom" {
		t.Errorf("getEnv(set) = %q, want custom", got)
	}
	if got := getEnv("UNICLON_TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv(unset) = %q, want default", got)
	}
}

func TestGetEnvTyped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		check func(t *testing.T)
	}{
		{"bool true", "true", func(t *testing.T) {
			if !getEnvBool("UNICLON_TEST_VAL", false) {
				t.Error("want true")
			}
		}},
		{"bool invalid", "maybe", func(t *testing.T) {
			if !getEnvBool("UNICLON_TEST_VAL", true) {
				t.Error("want default true")
			}
		}},
		{"int", " 7 ", func(t *testing.T) {
			if got := getEnvInt("UNICLON_TEST_VAL", 1); got != 7 {
				t.Errorf("got %d, want 7", got)
			}
		}},
		{"int invalid", "x", func(t *testing.T) {
			if got := getEnvInt("UNICLON_TEST_VAL", 4); got != 4 {
				t.Errorf("got %d, want 4", got)
			}
		}},
		{"float", "72.5", func(t *testing.T) {
			if got := getEnvFloat("UNICLON_TEST_VAL", 85); got != 72.5 {
				t.Errorf("got %v, want 72.5", got)
			}
		}},
		{"duration seconds", "300", func(t *testing.T) {
			if got := getEnvDuration("UNICLON_TEST_VAL", time.Second); got != 300*time.Second {
				t.Errorf("got %v, want 5m", got)
			}
		}},
		{"duration go syntax", "90s", func(t *testing.T) {
			if got := getEnvDuration("UNICLON_TEST_VAL", time.Second); got != 90*time.Second {
				t.Errorf("got %v, want 90s", got)
			}
		}},
		{"duration negative", "-5", func(t *testing.T) {
			if got := getEnvDuration("UNICLON_TEST_VAL", time.Second); got != time.Second {
				t.Errorf("got %v, want default", got)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNICLON_TEST_VAL", tt.value)
			tt.check(t)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	t.Setenv("OUTPUT_DIR", filepath.Join(root, "out"))
	t.Setenv("CHECKS_DIR", filepath.Join(root, "checks"))
	t.Setenv("DATABASE_DIR", filepath.Join(root, "db"))
	t.Setenv("HISTORY_FILE", "")
	t.Setenv("RENDER_SLOTS", "auto")
	t.Setenv("MAX_COPIES", "0")
	t.Setenv("COPY_TIMEOUT", "120")
	t.Setenv("UNICLON_PROFILE", "Reels")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	for _, dir := range []string{cfg.OutputDir, cfg.ChecksDir, cfg.DatabaseDir, cfg.PreviewDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
	if cfg.DatabasePath != filepath.Join(root, "db", "uniclon.db") {
		t.Errorf("DatabasePath = %s", cfg.DatabasePath)
	}
	if cfg.HistoryPath != filepath.Join(root, "db", "adaptive_history.json") {
		t.Errorf("HistoryPath = %s", cfg.HistoryPath)
	}
	if cfg.ReportPath != filepath.Join(root, "out", "report.json") {
		t.Errorf("ReportPath = %s", cfg.ReportPath)
	}
	if cfg.MaxCopies != 20 {
		t.Errorf("MaxCopies = %d, want fallback 20", cfg.MaxCopies)
	}
	if cfg.CopyTimeout != 120*time.Second {
		t.Errorf("CopyTimeout = %v", cfg.CopyTimeout)
	}
	if cfg.RenderSlots < 1 || cfg.RenderSlots > 2 {
		t.Errorf("RenderSlots = %d, want 1..2", cfg.RenderSlots)
	}
	if cfg.Profile != "reels" {
		t.Errorf("Profile = %q, want lowercased", cfg.Profile)
	}
	if cfg.Salt != "uniclon_v1.7" {
		t.Errorf("Salt = %q", cfg.Salt)
	}
}

func TestLoadConfigRejectsFileAsDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "taken")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OUTPUT_DIR", filepath.Join(root, "out"))
	t.Setenv("CHECKS_DIR", filepath.Join(root, "checks"))
	t.Setenv("DATABASE_DIR", file)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error when DATABASE_DIR is a file")
	}
}

func TestConfigureMemoryLimit(t *testing.T) {
	prev := debug.SetMemoryLimit(-1)
	t.Cleanup(func() { debug.SetMemoryLimit(prev) })

	t.Setenv("GOMEMLIMIT", "")
	t.Setenv("MEMORY_LIMIT", "")
	if res := ConfigureMemoryLimit(); res.Configured || res.Source != "none" {
		t.Errorf("unset: %+v", res)
	}

	t.Setenv("MEMORY_LIMIT", "1073741824")
	t.Setenv("MEMORY_RATIO", "0.25")
	res := ConfigureMemoryLimit()
	if !res.Configured || res.Source != "MEMORY_LIMIT" {
		t.Fatalf("MEMORY_LIMIT: %+v", res)
	}
	if res.GoMemLimit != 268435456 {
		t.Errorf("GoMemLimit = %d, want 268435456", res.GoMemLimit)
	}

	t.Setenv("MEMORY_RATIO", "2")
	if res := ConfigureMemoryLimit(); res.Ratio != DefaultMemoryRatio {
		t.Errorf("out of range ratio: got %v", res.Ratio)
	}

	t.Setenv("MEMORY_LIMIT", "lots")
	if res := ConfigureMemoryLimit(); res.Configured {
		t.Errorf("invalid limit should not configure: %+v", res)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1073741824, "1.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetRoutes(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(_ http.ResponseWriter, _ *http.Request) {}).Methods("GET", "HEAD")
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/renders", func(_ http.ResponseWriter, _ *http.Request) {}).Methods("POST")
	api.HandleFunc("/queue", func(_ http.ResponseWriter, _ *http.Request) {}).Methods("GET")

	routes, err := GetRoutes(r)
	if err != nil {
		t.Fatalf("GetRoutes: %v", err)
	}
	// Sorted by path, then method. The /api prefix itself has no methods.
	want := []RouteInfo{
		{Method: "GET", Path: "/api/queue"},
		{Method: "POST", Path: "/api/renders"},
		{Method: "GET", Path: "/health"},
		{Method: "HEAD", Path: "/health"},
	}
	if len(routes) != len(want) {
		t.Fatalf("routes = %+v, want %+v", routes, want)
	}
	for i := range want {
		if routes[i] != want[i] {
			t.Errorf("routes[%d] = %+v, want %+v", i, routes[i], want[i])
		}
	}
}
