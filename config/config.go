package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/sprout/utils"
)

// Store backends.
const (
	StoreJSON   = "json"
	StoreBadger = "badger"
)

// Config holds global Sprout configuration.
type Config struct {
	// RootDir is the base directory for the metadata store and lock files.
	// Env: SPROUT_ROOT_DIR. Default: /var/lib/sprout.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// StoreBackend selects the metadata store: "json" (flock-guarded file)
	// or "badger" (embedded KV). Default: json.
	StoreBackend string `json:"store_backend" mapstructure:"store_backend"`
	// PortRangeStart and PortRangeEnd bound host ports handed to databases
	// (inclusive). Default: 5432-5500.
	PortRangeStart int `json:"port_range_start" mapstructure:"port_range_start"`
	PortRangeEnd   int `json:"port_range_end" mapstructure:"port_range_end"`
	// DefaultPGVersion is used when a create request names no version.
	// Default: "15".
	DefaultPGVersion string `json:"default_pg_version" mapstructure:"default_pg_version"`
	// PGVersions lists the accepted engine major versions.
	// Default: 11..16.
	PGVersions []string `json:"pg_versions" mapstructure:"pg_versions"`
	// ImageTemplate formats the container image from a version.
	// Default: "postgres:%s-alpine".
	ImageTemplate string `json:"image_template" mapstructure:"image_template"`
	// HealthTimeoutSeconds bounds the wait for a new container to accept
	// authenticated connections. Default: 60.
	HealthTimeoutSeconds int `json:"health_timeout_seconds" mapstructure:"health_timeout_seconds"`
	// HealthIntervalSeconds is the poll interval of the health wait. Default: 2.
	HealthIntervalSeconds int `json:"health_interval_seconds" mapstructure:"health_interval_seconds"`
	// ProbeTimeoutSeconds bounds a single connectivity probe. Default: 5.
	ProbeTimeoutSeconds int `json:"probe_timeout_seconds" mapstructure:"probe_timeout_seconds"`
	// ExecTimeoutSeconds is the default deadline for a host command. Default: 30.
	ExecTimeoutSeconds int `json:"exec_timeout_seconds" mapstructure:"exec_timeout_seconds"`
	// StopTimeoutSeconds is how long the runtime waits for a graceful
	// container stop before killing it. Default: 30.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	// CompensationTimeoutSeconds bounds the rollback of a failed provision,
	// which runs even after the caller's context is cancelled. Default: 120.
	CompensationTimeoutSeconds int `json:"compensation_timeout_seconds" mapstructure:"compensation_timeout_seconds"`
	// NSEnter wraps local host commands in nsenter so they run in the host's
	// namespaces when sprout itself is containerized. Default: true.
	NSEnter bool `json:"nsenter" mapstructure:"nsenter"`
	// NSEnterTargetPID is the process whose namespaces are entered. Default: 1.
	NSEnterTargetPID int `json:"nsenter_target_pid" mapstructure:"nsenter_target_pid"`
	// DockerHost overrides the runtime endpoint for local hosts. Empty uses
	// the environment (DOCKER_HOST) or the default socket.
	DockerHost string `json:"docker_host" mapstructure:"docker_host"`
	// DockerSocket is the default runtime socket on remote hosts.
	// Default: /var/run/docker.sock.
	DockerSocket string `json:"docker_socket" mapstructure:"docker_socket"`
	// SSHKnownHosts is a known_hosts file used to verify remote host keys.
	SSHKnownHosts string `json:"ssh_known_hosts" mapstructure:"ssh_known_hosts"`
	// SSHInsecure skips host key verification. Default: false.
	SSHInsecure bool `json:"ssh_insecure" mapstructure:"ssh_insecure"`
	// LocalAddress is the client-facing address of local-mode hosts.
	// Default: 127.0.0.1.
	LocalAddress string `json:"local_address" mapstructure:"local_address"`
	// NATSURL enables lifecycle event publishing when non-empty.
	NATSURL string `json:"nats_url" mapstructure:"nats_url"`
	// MetricsAddr is the listen address of the Prometheus endpoint served by
	// "sprout sync". Empty disables it.
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
	// PoolSize is the goroutine pool size for per-host fan-out.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// SyncIntervalSeconds is the reconcile period of "sprout sync". Default: 30.
	SyncIntervalSeconds int `json:"sync_interval_seconds" mapstructure:"sync_interval_seconds"`
	// StaleProvisionSeconds is how long a record may sit in an in-flight
	// phase before recovery treats it as abandoned. Default: 600.
	StaleProvisionSeconds int `json:"stale_provision_seconds" mapstructure:"stale_provision_seconds"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:                    "/var/lib/sprout",
		StoreBackend:               StoreJSON,
		PortRangeStart:             5432, //nolint:mnd
		PortRangeEnd:               5500, //nolint:mnd
		DefaultPGVersion:           "15",
		PGVersions:                 []string{"11", "12", "13", "14", "15", "16"},
		ImageTemplate:              "postgres:%s-alpine",
		HealthTimeoutSeconds:       60,  //nolint:mnd
		HealthIntervalSeconds:      2,   //nolint:mnd
		ProbeTimeoutSeconds:        5,   //nolint:mnd
		ExecTimeoutSeconds:         30,  //nolint:mnd
		StopTimeoutSeconds:         30,  //nolint:mnd
		CompensationTimeoutSeconds: 120, //nolint:mnd
		NSEnter:                    true,
		NSEnterTargetPID:           1,
		DockerSocket:               "/var/run/docker.sock",
		LocalAddress:               "127.0.0.1",
		PoolSize:                   runtime.NumCPU(),
		SyncIntervalSeconds:        30,  //nolint:mnd
		StaleProvisionSeconds:      600, //nolint:mnd
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

// Validate checks cross-field constraints after unmarshalling.
func (c *Config) Validate() error {
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("invalid port range %d-%d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.StoreBackend != StoreJSON && c.StoreBackend != StoreBadger {
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if !slices.Contains(c.PGVersions, c.DefaultPGVersion) {
		return fmt.Errorf("default version %q not in supported versions %v", c.DefaultPGVersion, c.PGVersions)
	}
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	return nil
}

// Image returns the container image for a version.
func (c *Config) Image(version string) string { return fmt.Sprintf(c.ImageTemplate, version) }

// EnsureDirs creates the static directories the metadata store needs.
func (c *Config) EnsureDirs() error { return utils.EnsureDirs(c.DBDir()) }

// Derived path helpers. All persistent state lives under {RootDir}/db/.

func (c *Config) DBDir() string     { return filepath.Join(c.RootDir, "db") }
func (c *Config) IndexFile() string { return filepath.Join(c.DBDir(), "sprout.json") }
func (c *Config) IndexLock() string { return filepath.Join(c.DBDir(), "sprout.lock") }
func (c *Config) BadgerDir() string { return filepath.Join(c.DBDir(), "badger") }

// Durations.

func (c *Config) HealthTimeout() time.Duration  { return seconds(c.HealthTimeoutSeconds) }
func (c *Config) HealthInterval() time.Duration { return seconds(c.HealthIntervalSeconds) }
func (c *Config) ProbeTimeout() time.Duration   { return seconds(c.ProbeTimeoutSeconds) }
func (c *Config) ExecTimeout() time.Duration    { return seconds(c.ExecTimeoutSeconds) }
func (c *Config) StopTimeout() time.Duration    { return seconds(c.StopTimeoutSeconds) }
func (c *Config) CompensationTimeout() time.Duration {
	return seconds(c.CompensationTimeoutSeconds)
}
func (c *Config) SyncInterval() time.Duration   { return seconds(c.SyncIntervalSeconds) }
func (c *Config) StaleProvision() time.Duration { return seconds(c.StaleProvisionSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
