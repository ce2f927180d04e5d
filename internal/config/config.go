// Package config handles runtime configuration loading using viper.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// RuntimeConfig is the top-level static configuration for one CnC process.
type RuntimeConfig struct {
	Node      NodeConfig      `mapstructure:"node"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Item      ItemConfig      `mapstructure:"item"`
	Reduction ReductionConfig `mapstructure:"reduction"`
	Log       LogConfig       `mapstructure:"log"`
}

// NodeConfig identifies this process within the distributed cluster.
type NodeConfig struct {
	// Pid is this process's rank, 0..N-1.
	Pid int `mapstructure:"pid"`
	// RootPid is the rank that drives the global quiescence protocol.
	RootPid int `mapstructure:"root_pid"`
	// Peers lists every process's transport address, indexed by pid.
	Peers []string `mapstructure:"peers"`
}

// SchedulerConfig tunes the ready-queue worker pool and the wait protocol.
type SchedulerConfig struct {
	// Bypass enables bypass dispatch: a worker that completes a step and
	// frees exactly one successor runs that successor inline instead of
	// requeuing it. Bound from CNC_SCHEDULER_BYPASS.
	Bypass bool `mapstructure:"bypass"`
	// PinThreads directs the worker pool to pin goroutines by the
	// tuner-supplied affinity hint. Bound from CNC_PIN_THREADS.
	PinThreads bool `mapstructure:"pin_threads"`
	// Workers is the ready-queue worker pool size; 0 means runtime.NumCPU().
	Workers int `mapstructure:"workers"`
	// WaitMaxRounds bounds the global quiescence PING/PONG/DONE loop.
	WaitMaxRounds int `mapstructure:"wait_max_rounds"`
}

// ItemConfig tunes item-collection garbage collection and environment get.
type ItemConfig struct {
	// GCThreshold is the negative get-count magnitude that triggers a
	// get-count collection round on a non-owner (CNC_ENABLE_GC in the
	// original runtime).
	GCThreshold int `mapstructure:"gc_threshold"`
	// EnvGetPollTrials bounds the environment-side get polling loop.
	EnvGetPollTrials int `mapstructure:"env_get_poll_trials"`
	// EnvGetPollInterval is the sleep between environment-get polls.
	EnvGetPollInterval string `mapstructure:"env_get_poll_interval"`
}

// ReductionConfig tunes the asynchronous reduction tree.
type ReductionConfig struct {
	// Fanout is the branching factor of the broadcast/gather tree.
	Fanout int `mapstructure:"fanout"`
}

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Pattern  string `mapstructure:"pattern"`
	Time     string `mapstructure:"time"`
	Level    string `mapstructure:"level"`
	Appender string `mapstructure:"appender"`
	File     string `mapstructure:"file"`
}

// Load reads configuration from path (if non-empty) layered under defaults
// and environment overrides, then validates the result.
func Load(path string) (*RuntimeConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("cnc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("scheduler.bypass", "CNC_SCHEDULER_BYPASS")
	_ = v.BindEnv("scheduler.pin_threads", "CNC_PIN_THREADS")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg RuntimeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.pid", 0)
	v.SetDefault("node.root_pid", 0)
	v.SetDefault("node.peers", []string{})

	v.SetDefault("scheduler.bypass", false)
	v.SetDefault("scheduler.pin_threads", false)
	v.SetDefault("scheduler.workers", 0)
	v.SetDefault("scheduler.wait_max_rounds", 99999)

	v.SetDefault("item.gc_threshold", 100)
	v.SetDefault("item.env_get_poll_trials", 1000)
	v.SetDefault("item.env_get_poll_interval", "5ms")

	v.SetDefault("reduction.fanout", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pattern", "%time [%level] %field %msg")
	v.SetDefault("log.time", "2006-01-02T15:04:05.000Z07:00")
	v.SetDefault("log.appender", "stdout")
}

// ValidateAndApplyDefaults validates configuration and fills in derived
// fields (worker count, single-process peer list).
func (cfg *RuntimeConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", cfg.Log.Level)
	}

	if len(cfg.Node.Peers) == 0 {
		cfg.Node.Peers = []string{"local"}
	}
	if cfg.Node.Pid < 0 || cfg.Node.Pid >= len(cfg.Node.Peers) {
		return fmt.Errorf("node.pid %d out of range for %d peers", cfg.Node.Pid, len(cfg.Node.Peers))
	}
	if cfg.Node.RootPid < 0 || cfg.Node.RootPid >= len(cfg.Node.Peers) {
		return fmt.Errorf("node.root_pid %d out of range for %d peers", cfg.Node.RootPid, len(cfg.Node.Peers))
	}

	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = runtime.NumCPU()
	}
	if cfg.Scheduler.WaitMaxRounds <= 0 {
		cfg.Scheduler.WaitMaxRounds = 99999
	}
	if cfg.Item.GCThreshold <= 0 {
		cfg.Item.GCThreshold = 100
	}
	if cfg.Item.EnvGetPollTrials <= 0 {
		cfg.Item.EnvGetPollTrials = 1000
	}
	if cfg.Reduction.Fanout <= 1 {
		cfg.Reduction.Fanout = 2
	}

	return nil
}

// Default returns a single-process configuration suitable for tests and the
// bundled sample graphs.
func Default() *RuntimeConfig {
	cfg := &RuntimeConfig{}
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(cfg)
	_ = cfg.ValidateAndApplyDefaults()
	return cfg
}
