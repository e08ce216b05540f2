package types

import "time"

// WorkerInfo contains worker registration information.
type WorkerInfo struct {
	ID        string            `json:"id"`
	Address   string            `json:"address"`
	Transport string            `json:"transport"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// WorkerState is the mutable, periodically refreshed state of a worker.
type WorkerState struct {
	Load             float64           `json:"load"`     // 0-100
	Capacity         int               `json:"capacity"` // pool size
	ActiveTasks      int               `json:"active_tasks"`
	FilesFingerprint string            `json:"files_fingerprint"`
	Health           map[string]string `json:"health,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// WorkerStates maps worker ids to a snapshot of their state.
type WorkerStates map[string]WorkerState

// FileKind selects a file partition on a node.
type FileKind string

const (
	// FileKindCore files take effect after a restart.
	FileKindCore FileKind = "core"
	// FileKindUser files are hot-swapped into the running code image.
	FileKindUser FileKind = "user"
)

// Valid reports whether k names a known partition.
func (k FileKind) Valid() bool {
	return k == FileKindCore || k == FileKindUser
}

// FileOp is the mutation carried by a file-update task.
type FileOp string

const (
	// FileOpPut adds or replaces a file.
	FileOpPut FileOp = "put"
	// FileOpRemove deletes a file.
	FileOpRemove FileOp = "remove"
)
