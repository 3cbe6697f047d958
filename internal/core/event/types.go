package event

import (
	"time"

	"github.com/visus/twinsync/internal/protocol"
)

// UnknownID is raised when a target references an id missing from the
// object index. The target is kept.
type UnknownID struct {
	ID string
}

// MalformedField is raised when one field of a target cannot be applied.
type MalformedField struct {
	ID     string
	Field  string
	Reason string
}

// Resolved is raised the first tick an id that previously warned is applied
// cleanly again.
type Resolved struct {
	ID string
}

// MaterialCloned marks a node taking exclusive ownership of its material.
type MaterialCloned struct {
	ID       string
	Material string
}

// PayloadMerged is raised after a payload has been merged into the target
// store. Raw is the payload as it arrived, when the transport had bytes.
// SceneDigest identifies the scene current at merge time.
type PayloadMerged struct {
	Source      string
	SceneDigest string
	Payload  protocol.Payload
	Raw      []byte
	Merged   int
	Received time.Time
}

// TargetsReset is raised after the target store was cleared.
type TargetsReset struct {
	Source      string
	SceneDigest string
	At          time.Time
}

// SceneSwapped is raised when the session starts using a new scene graph.
type SceneSwapped struct {
	Digest  string
	Objects int
}
