// Package progress defines the events the sync engine reports while it scans,
// diffs and executes, and the sinks that deliver them to a listener.
package progress

import "time"

// Event is implemented by every progress event. The set is closed.
type Event interface {
	// Kind returns the wire tag of the event, e.g. "sync-progress".
	Kind() string
	isEvent()
}

// ScanStarted is emitted when a root starts being scanned.
type ScanStarted struct {
	Path string `json:"path"`
}

// ScanProgress is emitted per file while scanning.
type ScanProgress struct {
	FilesFound     int    `json:"files_found"`
	FilesProcessed int    `json:"files_processed"`
	CurrentFile    string `json:"current_file"`
}

// ScanComplete is emitted when a root has been fully scanned.
type ScanComplete struct {
	TotalFiles int           `json:"total_files"`
	Duration   time.Duration `json:"duration"`
}

// DiffProgress is emitted per path while two snapshots are compared.
type DiffProgress struct {
	FilesCompared int    `json:"files_compared"`
	TotalFiles    int    `json:"total_files"`
	CurrentFile   string `json:"current_file"`
}

// DiffComplete is emitted once the diff result is available.
type DiffComplete struct {
	TotalEntries int `json:"total_entries"`
}

// SyncStarted is emitted before the first file operation.
type SyncStarted struct {
	TotalFiles int   `json:"total_files"`
	TotalBytes int64 `json:"total_bytes"`
}

// SyncProgress is emitted after every file operation, successful or not.
// FilesCompleted counts the operations processed so far, failed ones
// included, so it reaches TotalFiles when execution was not cut short.
// SyncComplete.FilesSynced counts only the successful ones.
type SyncProgress struct {
	FilesCompleted int    `json:"files_completed"`
	TotalFiles     int    `json:"total_files"`
	BytesCompleted int64  `json:"bytes_completed"`
	TotalBytes     int64  `json:"total_bytes"`
	CurrentFile    string `json:"current_file"`
}

// SyncComplete is emitted when execution ends, including after cancellation.
type SyncComplete struct {
	FilesSynced int           `json:"files_synced"`
	Duration    time.Duration `json:"duration"`
}

// SyncError reports a failed file operation. Execution continues.
type SyncError struct {
	File    string `json:"file"`
	Message string `json:"error_message"`
}

func (ScanStarted) Kind() string  { return "scan-started" }
func (ScanProgress) Kind() string { return "scan-progress" }
func (ScanComplete) Kind() string { return "scan-complete" }
func (DiffProgress) Kind() string { return "diff-progress" }
func (DiffComplete) Kind() string { return "diff-complete" }
func (SyncStarted) Kind() string  { return "sync-started" }
func (SyncProgress) Kind() string { return "sync-progress" }
func (SyncComplete) Kind() string { return "sync-complete" }
func (SyncError) Kind() string    { return "sync-error" }

func (ScanStarted) isEvent()  {}
func (ScanProgress) isEvent() {}
func (ScanComplete) isEvent() {}
func (DiffProgress) isEvent() {}
func (DiffComplete) isEvent() {}
func (SyncStarted) isEvent()  {}
func (SyncProgress) isEvent() {}
func (SyncComplete) isEvent() {}
func (SyncError) isEvent()    {}

// IsIntermediate reports whether e is a high-frequency event that a listener
// can afford to miss because a later event supersedes it.
func IsIntermediate(e Event) bool {
	switch e.(type) {
	case ScanProgress, DiffProgress, SyncProgress:
		return true
	}
	return false
}

// Envelope is the JSON wire form of an event.
type Envelope struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

// Wrap builds the wire envelope for e.
func Wrap(e Event) Envelope {
	return Envelope{Type: e.Kind(), Event: e}
}
