package containercodes

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// TierWeights controls how scheduling rounds are partitioned across the
// three priority tiers. A weight of zero starves the tier entirely, so
// every weight must be at least one.
type TierWeights struct {
	High   int
	Normal int
	Low    int
}

// Config holds configuration for the job-execution core.
type Config struct {
	// Workers is the number of concurrent worker goroutines in the pool.
	Workers int

	// MaxConcurrentJobs bounds how many jobs may be in their executing
	// phase at once, independent of pool size.
	MaxConcurrentJobs int

	// MaxQueueDepth bounds the number of non-terminal jobs the queue will
	// accept; submissions beyond it fail with ErrNoCapacity.
	MaxQueueDepth int

	// PollInterval is how often idle workers poll for leasable jobs when
	// no enqueue signal arrives.
	PollInterval time.Duration

	// VisibilityTimeout is the lease duration. A worker must renew before
	// it elapses or the job becomes leasable again.
	VisibilityTimeout time.Duration

	// MonitorInterval is how often sandbox resource usage is sampled
	// while a job executes.
	MonitorInterval time.Duration

	// ReconcileInterval is how often the sandbox reconciler sweeps for
	// orphaned containers whose owning lease no longer exists.
	ReconcileInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// AttemptTimeout is an operator ceiling on a whole attempt, staging
	// and collection included. Zero disables it. Per-job execution limits
	// come from the job's own Resources.Timeout.
	AttemptTimeout time.Duration

	// Weights partitions scheduling rounds across priority tiers.
	Weights TierWeights

	// StagingDir is the root directory for staged inputs, collected
	// artifacts, and job logs.
	StagingDir string

	// WorkDir is the root directory for per-job sandbox work areas.
	WorkDir string

	// MaxInputSize is the cumulative size quota for a job's staged inputs.
	MaxInputSize int64

	// MaxOutputSize is the cumulative size quota for a job's collected
	// output artifacts.
	MaxOutputSize int64

	// RetentionPeriod is how long staged files of terminal jobs are kept
	// before the retention sweep removes them.
	RetentionPeriod time.Duration

	// RetryKeepsAttempts makes a manual Retry continue the attempt counter
	// instead of resetting it to zero.
	RetryKeepsAttempts bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           runtime.NumCPU(),
		MaxConcurrentJobs: 10,
		MaxQueueDepth:     1000,
		PollInterval:      1 * time.Second,
		VisibilityTimeout: 60 * time.Second,
		MonitorInterval:   2 * time.Second,
		ReconcileInterval: 60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		Weights:           TierWeights{High: 2, Normal: 2, Low: 1},
		StagingDir:        "/var/lib/container-codes/staging",
		WorkDir:           "/var/lib/container-codes/work",
		MaxInputSize:      100 * units.MiB,
		MaxOutputSize:     100 * units.MiB,
		RetentionPeriod:   24 * time.Hour,
	}
}

// RenewInterval returns how often lease heartbeats should fire: a third of
// the visibility timeout, so two renewals can be missed before expiry.
func (c Config) RenewInterval() time.Duration {
	return c.VisibilityTimeout / 3
}

// fileConfig mirrors the on-disk YAML layout. Durations and sizes are
// strings ("30s", "512m") and parsed during conversion.
type fileConfig struct {
	Jobs struct {
		MaxConcurrent int `yaml:"max_concurrent_jobs"`
		QueueDepth    int `yaml:"queue_depth"`
		Workers       struct {
			Count          int    `yaml:"count"`
			PollInterval   string `yaml:"poll_interval"`
			AttemptTimeout string `yaml:"attempt_timeout"`
		} `yaml:"workers"`
		Lease struct {
			VisibilityTimeout string `yaml:"visibility_timeout"`
		} `yaml:"lease"`
		Scheduler struct {
			High   int `yaml:"high"`
			Normal int `yaml:"normal"`
			Low    int `yaml:"low"`
		} `yaml:"scheduler"`
		Files struct {
			StagingDir      string `yaml:"staging_dir"`
			WorkDir         string `yaml:"work_dir"`
			MaxInputSize    string `yaml:"max_input_size"`
			MaxOutputSize   string `yaml:"max_output_size"`
			RetentionPeriod string `yaml:"retention_period"`
		} `yaml:"files"`
		Retry struct {
			KeepAttempts bool `yaml:"keep_attempts"`
		} `yaml:"retry"`
		Monitoring struct {
			Interval          string `yaml:"interval"`
			ReconcileInterval string `yaml:"reconcile_interval"`
		} `yaml:"monitoring"`
	} `yaml:"jobs"`
}

// LoadConfig reads a YAML configuration file, applies CONTAINER_CODES_*
// environment overrides, and returns the resulting Config. Missing keys
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("containercodes: read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("containercodes: parse config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := fc.apply(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	j := fc.Jobs
	if j.MaxConcurrent > 0 {
		cfg.MaxConcurrentJobs = j.MaxConcurrent
	}
	if j.QueueDepth > 0 {
		cfg.MaxQueueDepth = j.QueueDepth
	}
	if j.Workers.Count > 0 {
		cfg.Workers = j.Workers.Count
	}
	if j.Scheduler.High > 0 || j.Scheduler.Normal > 0 || j.Scheduler.Low > 0 {
		cfg.Weights = TierWeights{High: j.Scheduler.High, Normal: j.Scheduler.Normal, Low: j.Scheduler.Low}
	}
	if j.Files.StagingDir != "" {
		cfg.StagingDir = j.Files.StagingDir
	}
	if j.Files.WorkDir != "" {
		cfg.WorkDir = j.Files.WorkDir
	}
	cfg.RetryKeepsAttempts = j.Retry.KeepAttempts

	durations := []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{j.Workers.PollInterval, &cfg.PollInterval, "jobs.workers.poll_interval"},
		{j.Workers.AttemptTimeout, &cfg.AttemptTimeout, "jobs.workers.attempt_timeout"},
		{j.Lease.VisibilityTimeout, &cfg.VisibilityTimeout, "jobs.lease.visibility_timeout"},
		{j.Files.RetentionPeriod, &cfg.RetentionPeriod, "jobs.files.retention_period"},
		{j.Monitoring.Interval, &cfg.MonitorInterval, "jobs.monitoring.interval"},
		{j.Monitoring.ReconcileInterval, &cfg.ReconcileInterval, "jobs.monitoring.reconcile_interval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("containercodes: invalid duration for %s: %q", d.key, d.raw)
		}
		*d.dst = parsed
	}

	sizes := []struct {
		raw string
		dst *int64
		key string
	}{
		{j.Files.MaxInputSize, &cfg.MaxInputSize, "jobs.files.max_input_size"},
		{j.Files.MaxOutputSize, &cfg.MaxOutputSize, "jobs.files.max_output_size"},
	}
	for _, s := range sizes {
		if s.raw == "" {
			continue
		}
		parsed, err := units.RAMInBytes(s.raw)
		if err != nil {
			return fmt.Errorf("containercodes: invalid size for %s: %q", s.key, s.raw)
		}
		*s.dst = parsed
	}

	return nil
}

// applyEnvOverrides applies CONTAINER_CODES_* environment variables on top
// of file values. Unparseable values are ignored in favour of the file value.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONTAINER_CODES_JOBS_MAX_CONCURRENT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("CONTAINER_CODES_JOBS_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Workers = n
		}
	}
	if v := os.Getenv("CONTAINER_CODES_JOBS_STAGING_DIR"); v != "" {
		c.StagingDir = v
	}
	if v := os.Getenv("CONTAINER_CODES_JOBS_WORK_DIR"); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv("CONTAINER_CODES_JOBS_VISIBILITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.VisibilityTimeout = d
		}
	}
}

// Validate checks the configuration for values the core cannot run with.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("containercodes: workers must be >= 1, got %d", c.Workers)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("containercodes: max_concurrent_jobs must be >= 1, got %d", c.MaxConcurrentJobs)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("containercodes: visibility_timeout must be positive, got %s", c.VisibilityTimeout)
	}
	if c.Weights.High < 1 || c.Weights.Normal < 1 || c.Weights.Low < 1 {
		return fmt.Errorf("containercodes: tier weights must all be >= 1, got %+v", c.Weights)
	}
	return nil
}
