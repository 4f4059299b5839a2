package config

import "time"

// HarnessConfig holds runtime configuration for the e2e harness.
type HarnessConfig struct {
	Environment    string
	DockerHost     string
	TestName       string
	ManifestPath   string
	RunnerService  string
	HistoryPath    string
	StatusAddr     string
	PullTimeout    time.Duration
	ReadyTimeout   time.Duration
	RunTimeout     time.Duration
	StopGrace      time.Duration
	KeepContainers bool
	LogBuffer      int
}

// LoadHarnessConfig constructs a HarnessConfig from environment variables.
func LoadHarnessConfig() HarnessConfig {
	return HarnessConfig{
		Environment:    GetString("APP_ENV", "development"),
		DockerHost:     GetString("DOCKER_HOST", ""),
		TestName:       GetString("TEST_NAME", "example"),
		ManifestPath:   GetString("HARNESS_MANIFEST", ""),
		RunnerService:  GetString("HARNESS_RUNNER_SERVICE", "tester"),
		HistoryPath:    GetString("HARNESS_HISTORY_PATH", ".witnet-harness/history.db"),
		StatusAddr:     GetString("HARNESS_STATUS_ADDR", ""),
		PullTimeout:    GetDuration("HARNESS_PULL_TIMEOUT", 5*time.Minute),
		ReadyTimeout:   GetDuration("HARNESS_READY_TIMEOUT", 60*time.Second),
		RunTimeout:     GetDuration("HARNESS_RUN_TIMEOUT", 30*time.Minute),
		StopGrace:      GetDuration("HARNESS_STOP_GRACE", 10*time.Second),
		KeepContainers: GetBool("HARNESS_KEEP_CONTAINERS", false),
		LogBuffer:      GetInt("HARNESS_LOG_BUFFER", 100),
	}
}
