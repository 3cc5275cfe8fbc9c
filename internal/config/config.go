package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime knob. It is read once at boot; nothing in here
// is mutated afterwards.
type Config struct {
	// Server
	Port        string
	DatabasePath string
	ServerURL   string // reachable URL handed to provisioned pods

	// Store
	PoolMinSize int
	PoolMaxSize int

	// Storage layout
	StoragePath      string
	TempDownloadPath string

	// Queue / workers
	MaxConcurrentDownloads       int
	MaxTranscriptDownloadWorkers int
	StuckThreshold               time.Duration // running jobs older than this are reclaimed
	RemoteJobTimeout             time.Duration
	ShutdownGrace                time.Duration
	WorkerIdleSleep              time.Duration

	// Transcript policy
	TranscriptUnavailableAgeDays int
	TranscriptRetryDays          int

	// Transcription
	WhisperChunkThresholdMinutes int
	WhisperModel                 string
	ASRServerURL                 string
	ASRBackend                   string

	// Node coordination
	NodeHeartbeatTimeout time.Duration
	HeartbeatFlushEvery  time.Duration
	StaleSweepEvery      time.Duration
	ReclaimSweepEvery    time.Duration
	RetrySchedulerEvery  time.Duration

	// Node worker self-termination
	NodeRequiredEmptyChecks    int
	NodeEmptyQueueWait         time.Duration
	NodeIdleTimeout            time.Duration
	NodeServerUnreachableAfter time.Duration
	NodeMaxConsecutiveFailures int

	// Node worker process
	NodeName       string
	NodeWorkDir    string
	NodePersistent bool
	InstanceID     string

	// Provisioner
	RunpodAPIKey        string
	RunpodImage         string
	RunpodGPUType       string
	RunpodGPUBlocklist  []string
	RunpodStartupScript string
	RunpodNetworkSecret string
	AutoScaleEnabled    bool
	AutoScaleThreshold  int
	AutoScaleMaxPods    int

	// Lookup cache (optional; empty addr disables it)
	RedisAddr      string
	LookupCacheTTL time.Duration

	// External endpoints
	PocketCastsBaseURL string
	ITunesLookupURL    string
	HTTPRequestTimeout time.Duration
}

// Load reads the configuration from the environment, applying defaults for
// anything unset.
func Load() *Config {
	return &Config{
		Port:         getEnvWithDefault("PORT", "8080"),
		DatabasePath: getEnvWithDefault("DATABASE_PATH", "podscribe.db"),
		ServerURL:    os.Getenv("SERVER_URL"),

		PoolMinSize: getEnvInt("POOL_MIN_SIZE", 2),
		PoolMaxSize: getEnvInt("POOL_MAX_SIZE", 10),

		StoragePath:      getEnvWithDefault("STORAGE_PATH", "storage"),
		TempDownloadPath: getEnvWithDefault("TEMP_DOWNLOAD_PATH", os.TempDir()),

		MaxConcurrentDownloads:       getEnvInt("MAX_CONCURRENT_DOWNLOADS", 2),
		MaxTranscriptDownloadWorkers: getEnvInt("MAX_TRANSCRIPT_DOWNLOAD_WORKERS", 2),
		StuckThreshold:               getEnvMinutes("STUCK_THRESHOLD_MINUTES", 30),
		RemoteJobTimeout:             getEnvMinutes("REMOTE_JOB_TIMEOUT_MINUTES", 30),
		ShutdownGrace:                getEnvSeconds("SHUTDOWN_GRACE_SECONDS", 30),
		WorkerIdleSleep:              getEnvSeconds("WORKER_IDLE_SLEEP_SECONDS", 5),

		TranscriptUnavailableAgeDays: getEnvInt("TRANSCRIPT_UNAVAILABLE_AGE_DAYS", 14),
		TranscriptRetryDays:          getEnvInt("TRANSCRIPT_RETRY_DAYS", 14),

		WhisperChunkThresholdMinutes: getEnvInt("WHISPER_CHUNK_THRESHOLD_MINUTES", 30),
		WhisperModel:                 getEnvWithDefault("WHISPER_MODEL", "large-v3"),
		ASRServerURL:                 getEnvWithDefault("ASR_SERVER_URL", "http://localhost:9000"),
		ASRBackend:                   getEnvWithDefault("ASR_BACKEND", "whisper"),

		NodeHeartbeatTimeout: getEnvSeconds("NODE_HEARTBEAT_TIMEOUT_SECONDS", 60),
		HeartbeatFlushEvery:  getEnvMinutes("HEARTBEAT_FLUSH_MINUTES", 5),
		StaleSweepEvery:      getEnvSeconds("STALE_SWEEP_SECONDS", 30),
		ReclaimSweepEvery:    getEnvSeconds("RECLAIM_SWEEP_SECONDS", 30),
		RetrySchedulerEvery:  getEnvMinutes("RETRY_SCHEDULER_MINUTES", 60),

		NodeRequiredEmptyChecks:    getEnvInt("NODE_REQUIRED_EMPTY_CHECKS", 2),
		NodeEmptyQueueWait:         getEnvSeconds("NODE_EMPTY_QUEUE_WAIT_SECONDS", 60),
		NodeIdleTimeout:            getEnvMinutes("NODE_IDLE_TIMEOUT_MINUTES", 10),
		NodeServerUnreachableAfter: getEnvMinutes("NODE_SERVER_UNREACHABLE_MINUTES", 5),
		NodeMaxConsecutiveFailures: getEnvInt("NODE_MAX_CONSECUTIVE_FAILURES", 3),

		NodeName:       getEnvWithDefault("NODE_NAME", defaultNodeName()),
		NodeWorkDir:    getEnvWithDefault("NODE_WORK_DIR", os.TempDir()),
		NodePersistent: getEnvBool("NODE_PERSISTENT", false),
		InstanceID:     os.Getenv("INSTANCE_ID"),

		RunpodAPIKey:        os.Getenv("RUNPOD_API_KEY"),
		RunpodImage:         getEnvWithDefault("RUNPOD_IMAGE", "podscribe/transcriber:latest"),
		RunpodGPUType:       getEnvWithDefault("RUNPOD_GPU_TYPE", "NVIDIA RTX A5000"),
		RunpodGPUBlocklist:  getEnvList("RUNPOD_GPU_BLOCKLIST", []string{"NVIDIA GeForce RTX 4090", "NVIDIA GeForce RTX 4080"}),
		RunpodStartupScript: os.Getenv("RUNPOD_STARTUP_SCRIPT"),
		RunpodNetworkSecret: os.Getenv("RUNPOD_NETWORK_SECRET"),
		AutoScaleEnabled:    getEnvBool("RUNPOD_AUTOSCALE", false),
		AutoScaleThreshold:  getEnvInt("RUNPOD_SCALE_THRESHOLD", 5),
		AutoScaleMaxPods:    getEnvInt("RUNPOD_MAX_PODS", 2),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		LookupCacheTTL: getEnvMinutes("LOOKUP_CACHE_TTL_MINUTES", 24*60),

		PocketCastsBaseURL: getEnvWithDefault("POCKETCASTS_BASE_URL", "https://podcast-api.pocketcasts.com"),
		ITunesLookupURL:    getEnvWithDefault("ITUNES_LOOKUP_URL", "https://itunes.apple.com/lookup"),
		HTTPRequestTimeout: getEnvSeconds("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
	}
}

func defaultNodeName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "transcriber"
	}
	return host
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvMinutes(key string, defaultMinutes int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMinutes)) * time.Minute
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
