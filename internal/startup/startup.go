package startup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"maps"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"video-overlay/internal/logging"
	"video-overlay/internal/memory"
	"video-overlay/internal/workers"
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

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// Config holds all application configuration
type Config struct {
	CacheDir         string
	DatabaseDir      string
	Port             string
	MetricsPort      string
	MetricsEnabled   bool
	LogHealthChecks  bool
	LogOutputFetches bool
	FFmpegPath       string

	BatchSize        int
	KeyFrameInterval int
	PipelineWorkers  int
	MaxUploadSize    int64
	FetchTimeout     time.Duration
	JobRetention     time.Duration

	// Derived paths
	DatabasePath string
	UploadDir    string
	OutputDir    string
}

const (
	defaultBatchSize        = 5
	defaultKeyFrameInterval = 150
	defaultMaxUploadSize    = 2 << 30
	defaultFetchTimeout     = 2 * time.Minute
	defaultJobRetention     = 24 * time.Hour
)

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	logSection("CONFIGURATION")

	cacheDir := getEnv("CACHE_DIR", "/cache")
	databaseDir := getEnv("DATABASE_DIR", "/database")

	config := &Config{
		Port:             getEnv("PORT", "8080"),
		MetricsPort:      getEnv("METRICS_PORT", "9090"),
		MetricsEnabled:   getEnvBool("METRICS_ENABLED", true),
		LogHealthChecks:  getEnvBool("LOG_HEALTH_CHECKS", true),
		LogOutputFetches: getEnvBool("LOG_OUTPUT_FETCHES", false),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		BatchSize:        getEnvInt("BATCH_SIZE", defaultBatchSize),
		KeyFrameInterval: getEnvInt("KEYFRAME_INTERVAL", defaultKeyFrameInterval),
		PipelineWorkers:  workers.ForCPU(0),
		MaxUploadSize:    int64(getEnvInt("MAX_UPLOAD_SIZE", defaultMaxUploadSize)),
		FetchTimeout:     getEnvDuration("FETCH_TIMEOUT", defaultFetchTimeout),
		JobRetention:     getEnvDuration("JOB_RETENTION", defaultJobRetention),
	}

	if config.BatchSize < 1 {
		logging.Warn("  BATCH_SIZE must be at least 1, using default: %d", defaultBatchSize)
		config.BatchSize = defaultBatchSize
	}
	if config.KeyFrameInterval < 1 {
		logging.Warn("  KEYFRAME_INTERVAL must be at least 1, using default: %d", defaultKeyFrameInterval)
		config.KeyFrameInterval = defaultKeyFrameInterval
	}
	if config.MaxUploadSize < 1 {
		logging.Warn("  MAX_UPLOAD_SIZE must be positive, using default: %s", formatBytes(defaultMaxUploadSize))
		config.MaxUploadSize = defaultMaxUploadSize
	}

	logFields([]field{
		{"CACHE_DIR", cacheDir},
		{"DATABASE_DIR", databaseDir},
		{"PORT", config.Port},
		{"METRICS_PORT", config.MetricsPort},
		{"METRICS_ENABLED", config.MetricsEnabled},
		{"FFMPEG_PATH", config.FFmpegPath},
		{"BATCH_SIZE", config.BatchSize},
		{"KEYFRAME_INTERVAL", config.KeyFrameInterval},
		{"PIPELINE_WORKERS", config.PipelineWorkers},
		{"MAX_UPLOAD_SIZE", formatBytes(config.MaxUploadSize)},
		{"FETCH_TIMEOUT", config.FetchTimeout},
		{"JOB_RETENTION", config.JobRetention},
		{"LOG_HEALTH_CHECKS", config.LogHealthChecks},
		{"LOG_LEVEL", logging.GetLevel()},
	})

	logSection("DIRECTORY SETUP")

	for _, dir := range []*string{&cacheDir, &databaseDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", *dir, err)
		}
		*dir = abs
	}

	config.CacheDir = cacheDir
	config.DatabaseDir = databaseDir
	config.DatabasePath = filepath.Join(databaseDir, "jobs.db")
	config.UploadDir = getEnv("UPLOAD_DIR", filepath.Join(cacheDir, "uploads"))
	config.OutputDir = getEnv("OUTPUT_DIR", filepath.Join(cacheDir, "outputs"))

	for _, dir := range []struct{ path, name string }{
		{databaseDir, "database"},
		{config.UploadDir, "upload"},
		{config.OutputDir, "output"},
	} {
		if err := ensureDirectory(dir.path, dir.name); err != nil {
			return nil, fmt.Errorf("%s directory error: %w", dir.name, err)
		}
		if err := testWriteAccess(dir.path); err != nil {
			return nil, fmt.Errorf("%s directory is not writable: %w", dir.name, err)
		}
		logging.Info("  [OK] %s directory is writable: %s", dir.name, dir.path)
	}

	return config, nil
}

const rule = "============================================================"

// logSection opens a titled block of startup output.
func logSection(title string) {
	logging.Info("")
	logging.Info("== %s", title)
}

type field struct {
	name  string
	value any
}

// logFields prints name/value pairs with the values aligned.
func logFields(fields []field) {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.name))
	}
	for _, f := range fields {
		logging.Info("  %-*s  %v", width+1, f.name+":", f.value)
	}
}

// LogMemoryConfig logs how GOMEMLIMIT was derived
func LogMemoryConfig(result memory.ConfigResult) {
	logSection("MEMORY CONFIGURATION")
	switch result.Source {
	case "MEMORY_LIMIT":
		logFields([]field{
			{"Container limit", formatBytes(result.ContainerLimit)},
			{"GOMEMLIMIT", fmt.Sprintf("%s (%.0f%% of the container)", formatBytes(result.GoMemLimit), result.Ratio*100)},
		})
	case "GOMEMLIMIT":
		logFields([]field{{"GOMEMLIMIT", formatBytes(result.GoMemLimit) + " (set directly)"}})
	default:
		logging.Info("  Unlimited; job starts are never held back")
	}
}

// LogDatabaseInit logs database initialization
func LogDatabaseInit(duration time.Duration) {
	logSection("JOB HISTORY")
	logging.Info("  [OK] SQLite store ready after %v", duration)
}

// LogCodecInit checks that ffmpeg can be executed. The server still starts
// without it so history and previews of uploaded images keep working, but
// readiness reports the failure.
func LogCodecInit(ffmpegPath string) error {
	logSection("CODECS")

	if err := checkFFmpeg(ffmpegPath); err != nil {
		logging.Warn("  [!!] %v", err)
		logging.Warn("  [!!] jobs and video previews fail until %s can run", ffmpegPath)
		return err
	}
	logging.Info("  [OK] %s runs", ffmpegPath)
	return nil
}

// LogJobManagerInit logs job manager configuration
func LogJobManagerInit(workers int, retention time.Duration) {
	logSection("JOBS")
	logFields([]field{
		{"Concurrent runs", workers},
		{"Retention", retention},
	})
}

// LogPreviewInit logs which image backend renders previews
func LogPreviewInit(backend string) {
	logging.Info("  Preview backend: %s", backend)
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}
		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes dynamically
func LogHTTPRoutes(router *mux.Router, logOutputFetches, logHealthChecks bool) {
	logSection("HTTP")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("  route walk stopped early: %v", err)
		}

		byGroup := make(map[string][]RouteInfo)
		for _, route := range routes {
			group := getRouteGroup(route.Path)
			if group == "" {
				group = "root"
			}
			byGroup[group] = append(byGroup[group], route)
		}
		groups := slices.Sorted(maps.Keys(byGroup))

		logging.Debug("  %d routes in %d groups", len(routes), len(groups))
		for _, group := range groups {
			for _, route := range byGroup[group] {
				logging.Debug("  %-12s %-6s %s", group, route.Method, route.Path)
			}
		}
	}

	logFields([]field{
		{"Access log", "on"},
		{"Output fetches", onOff(logOutputFetches, "LOG_OUTPUT_FETCHES")},
		{"Health checks", onOff(logHealthChecks, "LOG_HEALTH_CHECKS")},
	})
}

func onOff(enabled bool, env string) string {
	if enabled {
		return "logged"
	}
	return "not logged (" + env + "=true logs them)"
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		sub, _, _ := strings.Cut(parts[1], "/")
		return "api/" + sub
	}
	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	metricsURL := "disabled"
	if config.MetricsEnabled {
		metricsURL = fmt.Sprintf("http://0.0.0.0:%s/metrics", config.MetricsPort)
	}

	logSection("READY")
	logFields([]field{
		{"Started in", config.StartupDuration.Round(time.Millisecond)},
		{"Jobs API", fmt.Sprintf("http://0.0.0.0:%s/api/jobs", config.Port)},
		{"Preview API", fmt.Sprintf("http://0.0.0.0:%s/api/preview", config.Port)},
		{"Metrics", metricsURL},
	})
	logging.Info(rule)
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logSection("SHUTDOWN on " + signal)
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  [..] %s", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] stopped cleanly")
	logging.Info(rule)
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

func printBanner() {
	banner := `
 _   _ _     _                                  _
| | | (_) __| | ___  ___     _____   _____ _ __| | __ _ _   _
| | | | |/ _' |/ _ \/ _ \   / _ \ \ / / _ \ '__| |/ _' | | | |
 \ V /| | (_| |  __/ (_) | | (_) \ V /  __/ |  | | (_| | |_| |
  \_/ |_|\__,_|\___|\___/   \___/ \_/ \___|_|  |_|\__,_|\__, |
                                                        |___/`
	fmt.Println(banner)
	logging.Info(rule)
	logging.Info("  video-overlay %s (%s, built %s)", Version, Commit, BuildTime)
}

func logSystemInfo() {
	logSection("SYSTEM")

	procs := fmt.Sprint(runtime.GOMAXPROCS(0))
	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		procs += " (CPU quota applied)"
	}
	fields := []field{
		{"Runtime", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)},
		{"CPUs", runtime.NumCPU()},
		{"GOMAXPROCS", procs},
	}
	if n, ok := workers.Override(); ok {
		fields = append(fields, field{workers.OverrideEnv, n})
	}
	if logging.IsDebugEnabled() {
		host, _ := os.Hostname()
		wd, _ := os.Getwd()
		fields = append(fields, field{"Host", host}, field{"Directory", wd})
	}
	logFields(fields)
}

func ensureDirectory(path, name string) error {
	logging.Debug("  Checking %s directory: %s", name, path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		logging.Debug("    [OK] Created directory: %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory")
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

func checkFFmpeg(ffmpegPath string) error {
	path, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return fmt.Errorf("%s not found in PATH", ffmpegPath)
	}
	logging.Debug("  FFmpeg path: %s", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	first, _, _ := strings.Cut(string(output), "\n")
	logging.Debug("  FFmpeg version: %s", strings.TrimSpace(first))
	return nil
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
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
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed < 0 {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
