package binary

import (
	"fmt"
	"strings"
)

// Action is the outcome of a three-way checksum comparison.
type Action string

const (
	// ActionNone means local and server content agree (or both are absent).
	ActionNone Action = "none"
	// ActionDownload replaces the local copy with the server's.
	ActionDownload Action = "download"
	// ActionUpload replaces the server copy with the local one.
	ActionUpload Action = "upload"
	// ActionConflict means both sides diverged from the last synced state
	// and the resolver must pick a side.
	ActionConflict Action = "conflict"
)

// FileState carries the three checksums of one blob: the local copy, the
// server copy, and the state at the last successful sync. An empty string
// means absent.
type FileState struct {
	Local    string
	Server   string
	LastSync string
}

// Resolver picks a side for a conflicted blob. The returned label must
// start with "upload-" or "download-"; the suffix is free-form and ends up
// in the audit trail.
type Resolver func(state FileState, server *Meta) string

// Decide classifies one blob's state.
func Decide(st FileState) Action {
	switch {
	case st.Local == st.Server:
		return ActionNone
	case st.Local == "":
		return ActionDownload
	case st.Server == "":
		return ActionUpload
	case st.Server == st.LastSync && st.Local != st.LastSync:
		return ActionUpload
	case st.Local == st.LastSync && st.Server != st.LastSync:
		return ActionDownload
	default:
		return ActionConflict
	}
}

// ResolveConflict maps a resolver label to the transfer direction. For a
// download resolution the caller must first upload the losing local copy as
// an audit trace, then download the server copy.
func ResolveConflict(label string) (Action, error) {
	switch {
	case strings.HasPrefix(label, "upload-"):
		return ActionUpload, nil
	case strings.HasPrefix(label, "download-"):
		return ActionDownload, nil
	default:
		return "", fmt.Errorf("conflict resolver returned unknown action %q", label)
	}
}
