package types

import "time"

// ConnectionMode selects how commands reach a host.
type ConnectionMode string

const (
	ModeLocal  ConnectionMode = "local"  // nsenter into the host's root namespaces
	ModeRemote ConnectionMode = "remote" // authenticated SSH session
)

// StorageRoot is the branching namespace on a host. Every managed dataset is
// a direct child of Dataset and is mounted under MountBase.
type StorageRoot struct {
	Pool      string `json:"pool"`
	Dataset   string `json:"dataset"`    // e.g. tank/sprout/databases
	MountBase string `json:"mount_base"` // e.g. /sprout/data
}

// DatasetPath returns the full dataset name for a database.
func (r StorageRoot) DatasetPath(name string) string { return r.Dataset + "/" + name }

// Mountpoint returns the mountpoint for a database dataset.
func (r StorageRoot) Mountpoint(name string) string { return r.MountBase + "/" + name }

// HostValidation is the cached result of the pre-flight host check.
// Workflows trust it without re-checking per call.
type HostValidation struct {
	ToolsPresent   bool      `json:"tools_present"`
	StorageMounted bool      `json:"storage_mounted"`
	RuntimeReady   bool      `json:"runtime_ready"`
	ZFSVersion     string    `json:"zfs_version,omitempty"`
	RuntimeVersion string    `json:"runtime_version,omitempty"`
	Message        string    `json:"message,omitempty"`
	ValidatedAt    time.Time `json:"validated_at"`
}

// Ready reports whether databases may be provisioned on the host.
func (v HostValidation) Ready() bool {
	return v.ToolsPresent && v.StorageMounted && v.RuntimeReady
}

// SSHConfig holds remote connection parameters.
type SSHConfig struct {
	Address    string `json:"address"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"` // PEM
	// DockerSocket is the runtime socket path on the remote machine.
	DockerSocket string `json:"docker_socket,omitempty"`
}

// Host is a managed machine.
type Host struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Mode       ConnectionMode `json:"mode"`
	SSH        *SSHConfig     `json:"ssh,omitempty"`
	Root       StorageRoot    `json:"root"`
	Validation HostValidation `json:"validation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Address returns the address clients use to reach databases on the host.
// Local hosts return fallback.
func (h *Host) Address(fallback string) string {
	if h.Mode == ModeRemote && h.SSH != nil && h.SSH.Address != "" {
		return h.SSH.Address
	}
	return fallback
}
