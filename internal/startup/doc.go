// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// All configuration is loaded from environment variables via [LoadConfig]:
//
//   - SCRIPT_PATH: transcode script (default: ./process_protective_v1.6.sh)
//   - OUTPUT_DIR: rendered copies, report.json and previews (default: ./output)
//   - CHECKS_DIR: QC report written by the script (default: ./checks)
//   - DATABASE_DIR: run ledger and adaptive history (default: ./database)
//   - HISTORY_FILE: adaptive history file (default: DATABASE_DIR/adaptive_history.json)
//   - PORT, METRICS_PORT, METRICS_ENABLED: HTTP listeners (8080, 9090, true)
//   - ECO_MODE, ECO_COPY_THRESHOLD: single-slot mode for large batches (false, 4)
//   - RENDER_SLOTS: concurrent renders, a number or "auto" (default: 1)
//   - CPU_LOAD_THRESHOLD, CPU_POLL_INTERVAL: admission CPU gate (85, 5s)
//   - COPY_TIMEOUT: per-copy wall clock limit (default: 300s)
//   - RENDER_SALT: seed salt (default: uniclon_v1.7)
//   - UNICLON_PROFILE, UNICLON_QUALITY: default render profile and quality
//   - UNICLON_RENDER_PRIORITY: default ticket priority (default: 1)
//   - MAX_COPIES: per-request copy limit (default: 20)
//   - OUTPUT_TTL: age after which a user's previous outputs are removed (default: 1h)
//   - LOG_LEVEL, LOG_HEALTH_CHECKS
//   - MEMORY_LIMIT, MEMORY_RATIO, GOMEMLIMIT: see [ConfigureMemoryLimit]
//
// Durations accept Go syntax ("90s") or bare seconds ("300").
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
package startup
