package types

import "fmt"

// PodRef identifies the pod whose claims are migrated.
type PodRef struct {
	Namespace string
	Name      string
}

func (p PodRef) String() string {
	return p.Namespace + "/" + p.Name
}

// Controller kinds that can be quiesced.
const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
)

// ControllerRef describes a Deployment or StatefulSet that mounts a target claim.
type ControllerRef struct {
	Kind             string // "Deployment" or "StatefulSet"
	Name             string
	Namespace        string
	OriginalReplicas int32
}

func (c ControllerRef) String() string {
	return c.Kind + "/" + c.Name
}

// Controllers is the set of controllers captured before any mutation.
// It is built once by discovery and only read afterwards.
type Controllers struct {
	refs []ControllerRef
}

// NewControllers copies refs into an immutable set.
func NewControllers(refs []ControllerRef) Controllers {
	return Controllers{refs: append([]ControllerRef(nil), refs...)}
}

// Len returns the number of captured controllers.
func (c Controllers) Len() int {
	return len(c.refs)
}

// All returns a copy of the captured controllers.
func (c Controllers) All() []ControllerRef {
	return append([]ControllerRef(nil), c.refs...)
}

// Driver path that produced a volume.
const (
	DriverCSI    = "csi"
	DriverInTree = "in-tree"
)

// VolumeRecord describes an EBS volume backing a PersistentVolume.
type VolumeRecord struct {
	ID         string
	Type       string
	Zone       string
	SizeGiB    int32
	IOPS       *int32
	Throughput *int32
	Encrypted  bool
	KMSKeyID   string
	FSType     string
	Driver     string // DriverCSI or DriverInTree
}

// SnapshotRecord is a point-in-time copy of a VolumeRecord.
type SnapshotRecord struct {
	ID          string
	Description string
	VolumeID    string
}

// MigrationState is the per-claim state machine position.
type MigrationState int

const (
	StateDiscovered MigrationState = iota
	StateSkippedIneligible
	StateSnapshotPending
	StateSnapshotReady
	StateVolumeCreating
	StateVolumeReady
	StateManifestApplied
	StateBound
	StateFailed
)

var stateNames = map[MigrationState]string{
	StateDiscovered:        "Discovered",
	StateSkippedIneligible: "SkippedIneligible",
	StateSnapshotPending:   "SnapshotPending",
	StateSnapshotReady:     "SnapshotReady",
	StateVolumeCreating:    "VolumeCreating",
	StateVolumeReady:       "VolumeReady",
	StateManifestApplied:   "ManifestApplied",
	StateBound:             "Bound",
	StateFailed:            "Failed",
}

func (s MigrationState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MigrationState(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s MigrationState) Terminal() bool {
	return s == StateSkippedIneligible || s == StateBound || s == StateFailed
}

// ClaimResult holds the outcome of migrating a single claim.
type ClaimResult struct {
	Claim       string
	State       MigrationState
	Reason      string
	SnapshotID  string
	VolumeID    string
	PVName      string
	ArchivePath string
	Err         error
}
