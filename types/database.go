package types

import "time"

// DatabaseStatus is the user-visible lifecycle state of a database.
type DatabaseStatus string

const (
	StatusProvisioning DatabaseStatus = "provisioning"
	StatusRunning      DatabaseStatus = "running"
	StatusStopped      DatabaseStatus = "stopped"
	StatusError        DatabaseStatus = "error"
	StatusDeleting     DatabaseStatus = "deleting"
	StatusDeleted      DatabaseStatus = "deleted"
)

// CreationType is how a database's storage was initialized.
type CreationType string

const (
	CreationEmpty           CreationType = "empty"
	CreationClone           CreationType = "clone"
	CreationSnapshotRestore CreationType = "snapshot_restore"
)

// Phase is the workflow state machine position, persisted after every
// forward step so an interrupted attempt can be resumed or compensated.
type Phase string

const (
	PhaseRequested         Phase = "requested"
	PhasePortAllocated     Phase = "port_allocated"
	PhaseStorageReady      Phase = "storage_ready"
	PhaseContainerLaunched Phase = "container_launched"
	PhaseHealthVerified    Phase = "health_verified"
	PhaseFailed            Phase = "failed"

	PhaseDependencyChecked Phase = "dependency_checked"
	PhaseContainerRemoved  Phase = "container_removed"
	PhaseStorageDestroyed  Phase = "storage_destroyed"
	PhaseDeleted           Phase = "deleted"
)

// Credential is the engine superuser credential of a database.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Database is the central record. It owns exactly one dataset and one container.
type Database struct {
	ID           string         `json:"id"`
	HostID       string         `json:"host_id"`
	Name         string         `json:"name"`
	DBName       string         `json:"db_name"` // database name inside the engine
	Version      string         `json:"version"`
	Image        string         `json:"image"`
	Port         int            `json:"port"`
	Status       DatabaseStatus `json:"status"`
	Phase        Phase          `json:"phase"`
	CreationType CreationType   `json:"creation_type"`
	QuotaBytes   int64          `json:"quota_bytes,omitempty"`

	// Lineage edge. Written once, at creation.
	SourceDatabase string `json:"source_database,omitempty"`
	SourceSnapshot string `json:"source_snapshot,omitempty"`

	Credential Credential `json:"credential"`

	Dataset       string `json:"dataset,omitempty"`
	Mountpoint    string `json:"mountpoint,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
	ContainerID   string `json:"container_id,omitempty"`

	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Live reports whether the database still holds its port and lineage slot.
func (d *Database) Live() bool { return d.Status != StatusDeleted }

// Cloneable reports whether the database's dataset is settled enough to be
// used as a clone or snapshot source.
func (d *Database) Cloneable() bool {
	return d.Status == StatusRunning || d.Status == StatusStopped
}

// SnapshotOrigin distinguishes user snapshots from system-generated ones.
type SnapshotOrigin string

const (
	OriginManual SnapshotOrigin = "manual"
	OriginClone  SnapshotOrigin = "clone" // synthesized to support a clone
	OriginRoot   SnapshotOrigin = "root"  // taken right after a database first runs
)

// Snapshot is a point-in-time marker on a database's dataset.
type Snapshot struct {
	ID         string         `json:"id"`
	HostID     string         `json:"host_id"`
	DatabaseID string         `json:"database_id"` // owning database
	Dataset    string         `json:"dataset"`
	Label      string         `json:"label"`
	Origin     SnapshotOrigin `json:"origin"`
	// RemovalRequested marks a system snapshot whose only consumer is gone.
	RemovalRequested bool      `json:"removal_requested,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// FullName returns dataset@label.
func (s *Snapshot) FullName() string { return s.Dataset + "@" + s.Label }
