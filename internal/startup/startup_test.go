package startup

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"video-overlay/internal/memory"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()

	if info.Version == "" {
		t.Error("Expected Version to be set")
	}
	if info.OS == "" || info.Arch == "" {
		t.Errorf("Expected OS/Arch to be set, got %q/%q", info.OS, info.Arch)
	}
	if info.GoVersion != GoVersion {
		t.Errorf("Expected GoVersion=%s, got %s", GoVersion, info.GoVersion)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("OVERLAY_TEST_SET", "custom")
	t.Setenv("OVERLAY_TEST_EMPTY", "")

	if got := getEnv("OVERLAY_TEST_SET", "default"); got != "custom" {
		t.Errorf("getEnv(set) = %q, want custom", got)
	}
	if got := getEnv("OVERLAY_TEST_EMPTY", "default"); got != "default" {
		t.Errorf("getEnv(empty) = %q, want default", got)
	}
	if got := getEnv("OVERLAY_TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv(unset) = %q, want default", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value    string
		fallback bool
		want     bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{"false", true, false},
		{"0", true, false},
		{"yes", true, true},
		{"yes", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("OVERLAY_TEST_BOOL", tt.value)
			if got := getEnvBool("OVERLAY_TEST_BOOL", tt.fallback); got != tt.want {
				t.Errorf("getEnvBool(%q, %v) = %v, want %v", tt.value, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("OVERLAY_TEST_INT", "42")
	if got := getEnvInt("OVERLAY_TEST_INT", 7); got != 42 {
		t.Errorf("getEnvInt = %d, want 42", got)
	}

	t.Setenv("OVERLAY_TEST_INT", "forty-two")
	if got := getEnvInt("OVERLAY_TEST_INT", 7); got != 7 {
		t.Errorf("getEnvInt(invalid) = %d, want 7", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"90s", 90 * time.Second},
		{"2h", 2 * time.Hour},
		{"soon", time.Minute},
		{"-5s", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("OVERLAY_TEST_DURATION", tt.value)
			if got := getEnvDuration("OVERLAY_TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getEnvDuration(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CACHE_DIR", filepath.Join(root, "cache"))
	t.Setenv("DATABASE_DIR", filepath.Join(root, "db"))
	t.Setenv("UPLOAD_DIR", "")
	t.Setenv("OUTPUT_DIR", "")
	t.Setenv("PORT", "9000")
	t.Setenv("BATCH_SIZE", "8")
	t.Setenv("KEYFRAME_INTERVAL", "30")
	t.Setenv("JOB_RETENTION", "1h")

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if config.Port != "9000" {
		t.Errorf("Port = %q, want 9000", config.Port)
	}
	if config.BatchSize != 8 || config.KeyFrameInterval != 30 {
		t.Errorf("BatchSize/KeyFrameInterval = %d/%d, want 8/30", config.BatchSize, config.KeyFrameInterval)
	}
	if config.JobRetention != time.Hour {
		t.Errorf("JobRetention = %v, want 1h", config.JobRetention)
	}
	if want := filepath.Join(root, "db", "jobs.db"); config.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q", config.DatabasePath, want)
	}
	if want := filepath.Join(root, "cache", "outputs"); config.OutputDir != want {
		t.Errorf("OutputDir = %q, want %q", config.OutputDir, want)
	}
	for _, dir := range []string{config.DatabaseDir, config.UploadDir, config.OutputDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s was not created", dir)
		}
	}
	if config.PipelineWorkers < 1 {
		t.Errorf("PipelineWorkers = %d, want >= 1", config.PipelineWorkers)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CACHE_DIR", filepath.Join(root, "cache"))
	t.Setenv("DATABASE_DIR", filepath.Join(root, "db"))
	t.Setenv("UPLOAD_DIR", "")
	t.Setenv("OUTPUT_DIR", "")
	t.Setenv("BATCH_SIZE", "0")
	t.Setenv("KEYFRAME_INTERVAL", "-1")
	t.Setenv("MAX_UPLOAD_SIZE", "-10")

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if config.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want default %d", config.BatchSize, defaultBatchSize)
	}
	if config.KeyFrameInterval != defaultKeyFrameInterval {
		t.Errorf("KeyFrameInterval = %d, want default %d", config.KeyFrameInterval, defaultKeyFrameInterval)
	}
	if config.MaxUploadSize != defaultMaxUploadSize {
		t.Errorf("MaxUploadSize = %d, want default", config.MaxUploadSize)
	}
}

func TestLoadConfigDatabasePathIsFile(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "db")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CACHE_DIR", filepath.Join(root, "cache"))
	t.Setenv("DATABASE_DIR", blocker)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() succeeded with a file as the database directory")
	}
}

func TestGetRoutes(t *testing.T) {
	noop := func(http.ResponseWriter, *http.Request) {}
	router := mux.NewRouter()
	router.HandleFunc("/api/jobs", noop).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/api/jobs/{id}", noop).Methods(http.MethodGet).Name("job")
	router.HandleFunc("/healthz", noop)

	routes, err := GetRoutes(router)
	if err != nil {
		t.Fatalf("GetRoutes() error: %v", err)
	}
	if len(routes) != 4 {
		t.Fatalf("got %d routes, want 4: %+v", len(routes), routes)
	}

	var named, wildcard bool
	for _, r := range routes {
		if r.Name == "job" && r.Path == "/api/jobs/{id}" {
			named = true
		}
		if r.Path == "/healthz" && r.Method == "*" {
			wildcard = true
		}
	}
	if !named {
		t.Error("named route not reported")
	}
	if !wildcard {
		t.Error("route without methods should report *")
	}
}

func TestGetRouteGroup(t *testing.T) {
	tests := map[string]string{
		"/api/jobs":             "api/jobs",
		"/api/jobs/{id}/output": "api/jobs",
		"/api/preview":          "api/preview",
		"/healthz":              "healthz",
		"/":                     "",
	}
	for path, want := range tests {
		if got := getRouteGroup(path); got != want {
			t.Errorf("getRouteGroup(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:     "512 B",
		1024:    "1.0 KiB",
		1536:    "1.5 KiB",
		1 << 20: "1.0 MiB",
		2 << 30: "2.0 GiB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckFFmpegMissingBinary(t *testing.T) {
	if err := checkFFmpeg("definitely-not-an-ffmpeg-binary"); err == nil {
		t.Error("checkFFmpeg() succeeded for a missing binary")
	}
	if err := LogCodecInit("definitely-not-an-ffmpeg-binary"); err == nil {
		t.Error("LogCodecInit() succeeded for a missing binary")
	}
}

func TestLifecycleLogging(_ *testing.T) {
	LogMemoryConfig(memory.ConfigResult{Source: "none"})
	LogMemoryConfig(memory.ConfigResult{Configured: true, Source: "GOMEMLIMIT", GoMemLimit: 1 << 30})
	LogMemoryConfig(memory.ConfigResult{Configured: true, Source: "MEMORY_LIMIT", ContainerLimit: 1 << 30, GoMemLimit: 3 << 28, Ratio: 0.75})
	LogDatabaseInit(time.Millisecond)
	LogJobManagerInit(2, time.Hour)
	LogPreviewInit("vips")
	LogHTTPRoutes(mux.NewRouter(), false, true)
	LogServerStarted(ServerConfig{Port: "8080", MetricsPort: "9090", MetricsEnabled: true})
	LogShutdownInitiated("SIGTERM")
	LogShutdownStep("Stopping jobs")
	LogShutdownStepComplete("Jobs stopped")
	LogShutdownComplete()
}
