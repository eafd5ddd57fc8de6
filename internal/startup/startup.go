package startup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"uniclon/internal/logging"
	"uniclon/internal/variant"
	"uniclon/internal/workers"

	"github.com/gorilla/mux"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo is one method and path template on the router.
type RouteInfo struct {
	Method string
	Path   string
}

// Config holds all application configuration
type Config struct {
	ScriptPath  string
	OutputDir   string
	ChecksDir   string
	DatabaseDir string
	Port        string
	MetricsPort string

	MetricsEnabled  bool
	LogHealthChecks bool

	// Scheduler
	EcoMode          bool
	EcoCopyThreshold int
	RenderSlots      int
	CPUThreshold     float64
	CPUPollInterval  time.Duration

	// Rendering
	CopyTimeout     time.Duration
	Salt            string
	Profile         string
	Quality         string
	NoDeviceInfo    bool
	MusicVariant    bool
	DefaultPriority int
	MaxCopies       int
	OutputTTL       time.Duration

	// Derived paths
	PreviewDir   string
	DatabasePath string
	HistoryPath  string
	ReportPath   string

	// FFmpegPath is empty when ffmpeg is not on PATH; pHash fallback
	// comparisons are disabled then.
	FFmpegPath string
}

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	logging.Info("uniclon %s (commit %s, built %s) %s %s/%s cpus=%d gomaxprocs=%d",
		Version, Commit, BuildTime, GoVersion, runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.GOMAXPROCS(0))
	section("config")

	cfg := &Config{
		ScriptPath:       getEnv("SCRIPT_PATH", "./process_protective_v1.6.sh"),
		OutputDir:        getEnv("OUTPUT_DIR", "./output"),
		ChecksDir:        getEnv("CHECKS_DIR", "./checks"),
		DatabaseDir:      getEnv("DATABASE_DIR", "./database"),
		Port:             getEnv("PORT", "8080"),
		MetricsPort:      getEnv("METRICS_PORT", "9090"),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
		LogHealthChecks:  getEnvBool("LOG_HEALTH_CHECKS", false),
		EcoMode:          getEnvBool("ECO_MODE", false),
		EcoCopyThreshold: getEnvInt("ECO_COPY_THRESHOLD", 4),
		RenderSlots:      workers.RenderSlots(0),
		CPUThreshold:     getEnvFloat("CPU_LOAD_THRESHOLD", 85),
		CPUPollInterval:  getEnvDuration("CPU_POLL_INTERVAL", 5*time.Second),
		CopyTimeout:      getEnvDuration("COPY_TIMEOUT", 300*time.Second),
		Salt:             getEnv("RENDER_SALT", "uniclon_v1.7"),
		Profile:          strings.ToLower(getEnv("UNICLON_PROFILE", variant.DefaultProfile)),
		Quality:          strings.ToLower(getEnv("UNICLON_QUALITY", "std")),
		NoDeviceInfo:     getEnvBool("UNICLON_NO_DEVICE_INFO", false),
		MusicVariant:     getEnvBool("UNICLON_ENABLE_MUSIC_VARIANT", false),
		DefaultPriority:  getEnvInt("UNICLON_RENDER_PRIORITY", 1),
		MaxCopies:        getEnvInt("MAX_COPIES", 20),
		OutputTTL:        getEnvDuration("OUTPUT_TTL", time.Hour),
	}

	logging.Info("  script=%s profile=%s quality=%s max_copies=%d copy_timeout=%v",
		cfg.ScriptPath, cfg.Profile, cfg.Quality, cfg.MaxCopies, cfg.CopyTimeout)
	logging.Info("  port=%s metrics=%v metrics_port=%s log_level=%s",
		cfg.Port, cfg.MetricsEnabled, cfg.MetricsPort, logging.GetLevel())

	if _, ok := variant.Profile(cfg.Profile); !ok && cfg.Profile != "default" {
		logging.Warn("  Unknown UNICLON_PROFILE %q, renders fall back to %s", cfg.Profile, variant.DefaultProfile)
	}
	if cfg.MaxCopies < 1 {
		logging.Warn("  Invalid MAX_COPIES, using default: 20")
		cfg.MaxCopies = 20
	}

	section("directories")
	var err error
	for _, dir := range []struct {
		path *string
		name string
	}{
		{&cfg.OutputDir, "output"},
		{&cfg.ChecksDir, "checks"},
		{&cfg.DatabaseDir, "database"},
	} {
		*dir.path, err = filepath.Abs(*dir.path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s directory path: %w", dir.name, err)
		}
		if err := ensureDirectory(*dir.path, dir.name); err != nil {
			return nil, fmt.Errorf("%s directory error: %w", dir.name, err)
		}
		logging.Info("  %-9s %s", dir.name+":", *dir.path)
	}

	cfg.PreviewDir = filepath.Join(cfg.OutputDir, "previews")
	cfg.DatabasePath = filepath.Join(cfg.DatabaseDir, "uniclon.db")
	cfg.HistoryPath = getEnv("HISTORY_FILE", filepath.Join(cfg.DatabaseDir, "adaptive_history.json"))
	cfg.ReportPath = filepath.Join(cfg.OutputDir, "report.json")

	if err := ensureDirectory(cfg.PreviewDir, "previews"); err != nil {
		logging.Warn("  Preview directory issue: %v", err)
	}

	for _, dir := range []string{cfg.DatabaseDir, cfg.OutputDir} {
		if err := testWriteAccess(dir); err != nil {
			return nil, fmt.Errorf("%s is not writable: %w", dir, err)
		}
	}

	return cfg, nil
}

// LogDatabaseInit logs how long opening the run ledger took.
func LogDatabaseInit(duration time.Duration) {
	logging.Info("Run ledger ready in %v", duration)
}

// LogRendererInit checks the transcode script and FFmpeg and records the
// FFmpeg path in cfg.
func LogRendererInit(cfg *Config) {
	section("renderer")
	if info, err := os.Stat(cfg.ScriptPath); err != nil {
		logging.Warn("  Transcode script not found: %s; renders will fail until it is installed", cfg.ScriptPath)
	} else if info.Mode()&0o111 == 0 {
		logging.Warn("  Transcode script %s is not executable", cfg.ScriptPath)
	} else {
		logging.Info("  [OK] %s", cfg.ScriptPath)
	}

	path, err := checkFFmpeg()
	if err != nil {
		logging.Warn("  %v; pHash fallback comparisons disabled", err)
		return
	}
	cfg.FFmpegPath = path
	logging.Info("  [OK] %s", path)
}

// LogSchedulerInit logs the admission scheduler setup.
func LogSchedulerInit(cfg *Config, mode string) {
	slots := cfg.RenderSlots
	if cfg.EcoMode {
		slots = 1
	}
	logging.Info("Scheduler: slots=%d eco=%v (from %d copies) cpu_gate=%.0f%%/%v adaptive=%s",
		slots, cfg.EcoMode, cfg.EcoCopyThreshold, cfg.CPUThreshold, cfg.CPUPollInterval, mode)
}

// GetRoutes lists the routes registered on router, one entry per method.
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo
	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := route.GetPathTemplate()
		if err != nil {
			return err
		}
		methods, err := route.GetMethods()
		if err != nil {
			// Prefix routes carry no methods.
			return nil
		}
		for _, m := range methods {
			routes = append(routes, RouteInfo{Method: m, Path: path})
		}
		return nil
	})
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	return routes, err
}

// LogHTTPRoutes logs the route table at debug level.
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	routes, err := GetRoutes(router)
	if err != nil {
		logging.Warn("error walking routes: %v", err)
	}
	logging.Info("HTTP: %d routes, health check logging=%v", len(routes), logHealthChecks)
	for _, r := range routes {
		logging.Debug("  %-6s %s", r.Method, r.Path)
	}
}

// ServerConfig holds what the startup line reports.
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs the listening addresses.
func LogServerStarted(config ServerConfig) {
	metricsAddr := "disabled"
	if config.MetricsEnabled {
		metricsAddr = ":" + config.MetricsPort + "/metrics"
	}
	logging.Info("Listening on :%s (metrics %s), started in %v", config.Port, metricsAddr, config.StartupDuration)
}

// LogShutdownInitiated logs the signal that started shutdown.
func LogShutdownInitiated(signal string) {
	section("shutdown (" + signal + ")")
}

// LogShutdownStep logs a shutdown step before it runs.
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a finished shutdown step.
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs the end of shutdown.
func LogShutdownComplete() {
	logging.Info("Shutdown complete")
}

// LogFatal logs a fatal error and exits.
func LogFatal(format string, args ...any) {
	logging.Fatal(format, args...)
}

func section(name string) {
	logging.Info("== %s", name)
}

func ensureDirectory(path, name string) error {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s directory: %w", name, err)
		}
		logging.Debug("  created %s", path)
		return nil
	case err != nil:
		return fmt.Errorf("stat %s directory: %w", name, err)
	case !info.IsDir():
		return fmt.Errorf("%s exists but is not a directory", path)
	}
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func checkFFmpeg() (string, error) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found in PATH")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	if first, _, _ := strings.Cut(string(output), "\n"); first != "" {
		logging.Debug("  %s", strings.TrimSpace(first))
	}
	return path, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		logging.Warn("Invalid number for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s", "5m") and bare seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
