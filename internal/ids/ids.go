// Package ids generates the opaque identifiers and memorable names used
// throughout the fleet manager: HostId, AgentId, SnapshotId, VolumeId are
// globally unique and prefixed by kind; HostName/AgentName are
// human-readable labels that only need to be unique within a provider.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Kind identifies which entity an id belongs to, used as its string prefix.
type Kind string

const (
	KindHost     Kind = "host"
	KindAgent    Kind = "agent"
	KindSnapshot Kind = "snap"
	KindVolume   Kind = "vol"
)

// New generates a new opaque identifier of the form "<kind>-<32 hex>".
func New(kind Kind) string {
	return string(kind) + "-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// HostId returns a new host identifier.
func HostId() string { return New(KindHost) }

// AgentId returns a new agent identifier.
func AgentId() string { return New(KindAgent) }

// SnapshotId returns a new snapshot identifier.
func SnapshotId() string { return New(KindSnapshot) }

// VolumeId returns a new volume identifier.
func VolumeId() string { return New(KindVolume) }

// KindOf extracts the Kind prefix from an id, or "" if it is malformed.
func KindOf(id string) Kind {
	idx := strings.IndexByte(id, '-')
	if idx <= 0 {
		return ""
	}
	return Kind(id[:idx])
}
