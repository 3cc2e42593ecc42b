package config

import (
	"testing"
	"time"

	"github.com/milvasoft/milvaion/internal/logger"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Dispatcher.PollingInterval != time.Second {
		t.Errorf("polling interval = %v, want 1s", cfg.Dispatcher.PollingInterval)
	}
	if cfg.Dispatcher.BatchSize != 100 {
		t.Errorf("batch size = %d, want 100", cfg.Dispatcher.BatchSize)
	}
	if cfg.Dispatcher.LockTTL != 600*time.Second {
		t.Errorf("lock TTL = %v, want 600s", cfg.Dispatcher.LockTTL)
	}
	if !cfg.Dispatcher.EnableStartupRecovery {
		t.Error("startup recovery must default to enabled")
	}
	if cfg.Dispatcher.MaxRetryAttempts != 5 {
		t.Errorf("max retry attempts = %d, want 5", cfg.Dispatcher.MaxRetryAttempts)
	}
	if cfg.Dispatcher.InstanceID == "" {
		t.Error("instance id must get a generated default")
	}

	if cfg.Tracker.BatchSize != 50 || cfg.Tracker.BatchInterval != 100*time.Millisecond {
		t.Errorf("tracker config = %+v", cfg.Tracker)
	}
	if cfg.LogCollector.BatchSize != 100 || cfg.LogCollector.BatchInterval != time.Second {
		t.Errorf("log collector config = %+v", cfg.LogCollector)
	}
	if cfg.Zombie.CheckInterval != 300*time.Second || cfg.Zombie.ZombieTimeoutMinutes != 10 {
		t.Errorf("zombie config = %+v", cfg.Zombie)
	}
	if cfg.WorkerHealth.HeartbeatTimeout != 120*time.Second {
		t.Errorf("heartbeat timeout = %v, want 120s", cfg.WorkerHealth.HeartbeatTimeout)
	}
	if cfg.WorkerHealth.JobHeartbeatTimeout != 300*time.Second {
		t.Errorf("job heartbeat timeout = %v, want 300s", cfg.WorkerHealth.JobHeartbeatTimeout)
	}
	if cfg.AutoDisable.ConsecutiveFailureThreshold != 5 {
		t.Errorf("auto-disable threshold = %d, want 5", cfg.AutoDisable.ConsecutiveFailureThreshold)
	}
	if cfg.AutoDisable.FailureWindow != 60*time.Minute {
		t.Errorf("failure window = %v, want 60m", cfg.AutoDisable.FailureWindow)
	}
	if cfg.KeyPrefix != "JobScheduler:" {
		t.Errorf("key prefix = %q", cfg.KeyPrefix)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DISPATCHER_BATCH_SIZE", "25")
	t.Setenv("DISPATCHER_POLLING_INTERVAL", "2s")
	t.Setenv("TRACKER_BATCH_INTERVAL", "250ms")
	t.Setenv("AUTO_DISABLE_THRESHOLD", "3")
	t.Setenv("REDIS_KEY_PREFIX", "Test:")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Dispatcher.BatchSize != 25 {
		t.Errorf("batch size = %d, want 25", cfg.Dispatcher.BatchSize)
	}
	if cfg.Dispatcher.PollingInterval != 2*time.Second {
		t.Errorf("polling interval = %v, want 2s", cfg.Dispatcher.PollingInterval)
	}
	if cfg.Tracker.BatchInterval != 250*time.Millisecond {
		t.Errorf("tracker interval = %v, want 250ms", cfg.Tracker.BatchInterval)
	}
	if cfg.AutoDisable.ConsecutiveFailureThreshold != 3 {
		t.Errorf("threshold = %d, want 3", cfg.AutoDisable.ConsecutiveFailureThreshold)
	}
	if cfg.KeyPrefix != "Test:" {
		t.Errorf("key prefix = %q, want Test:", cfg.KeyPrefix)
	}
}

func TestLoadConfig_SubSecondPollingFloored(t *testing.T) {
	t.Setenv("DISPATCHER_POLLING_INTERVAL", "100ms")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Dispatcher.PollingInterval != time.Second {
		t.Errorf("polling interval = %v, want floor at 1s", cfg.Dispatcher.PollingInterval)
	}
}

func TestLoadConfig_InvalidValuesRejected(t *testing.T) {
	t.Setenv("DISPATCHER_BATCH_SIZE", "0")

	if _, err := LoadConfig(); err == nil {
		t.Error("zero batch size must be rejected")
	}
}

func TestLoadConfig_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("ZOMBIE_CHECK_INTERVAL", "not-a-duration")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Zombie.CheckInterval != 300*time.Second {
		t.Errorf("check interval = %v, want the default", cfg.Zombie.CheckInterval)
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Logging.Level != logger.LevelDebug {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != logger.FormatText {
		t.Errorf("log format = %s, want text", cfg.Logging.Format)
	}
}
