package migration

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vmhive/vmhive/vmhive"
)

// Mode selects the migration pipeline. It is fixed at job creation:
// a running job never switches between pipelines.
type Mode int

const (
	// ModeLive transfers memory and disks while the guest keeps running,
	// with a short stop-and-copy pause at the end.
	ModeLive Mode = iota

	// ModeOffline stops the guest first and then moves its disks
	// and configuration.
	ModeOffline

	// ModeOnline transfers memory of a running guest whose disks
	// are on shared storage.
	ModeOnline
)

var modeNames = map[Mode]string{
	ModeLive:    "live",
	ModeOffline: "offline",
	ModeOnline:  "online",
}

func (m Mode) String() string {
	if v, ok := modeNames[m]; ok {
		return v
	}

	return "live"
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == strings.ToLower(s) {
			return m, nil
		}
	}

	return ModeLive, fmt.Errorf("unknown migration mode: %q", s)
}

type State int32

const (
	StatePending State = iota
	StatePreparing
	StateTransferring
	StateSyncing
	StateFinalizing
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StatePending:      "pending",
	StatePreparing:    "preparing",
	StateTransferring: "transferring",
	StateSyncing:      "syncing",
	StateFinalizing:   "finalizing",
	StateCompleted:    "completed",
	StateFailed:       "failed",
	StateCancelled:    "cancelled",
}

func (s State) String() string {
	if v, ok := stateNames[s]; ok {
		return v
	}

	return "pending"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether the state is final. A terminal job
// never changes again, only DeleteJob can remove it.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}

	return false
}

// Job is a single migration of one machine to another node.
type Job struct {
	ID         string `json:"id"`
	Machine    string `json:"machine"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	Mode       Mode   `json:"mode"`

	State    State `json:"state"`
	Progress int   `json:"progress"`

	// BandwidthLimit is the effective transfer cap in bytes/s,
	// 0 means unlimited.
	BandwidthLimit uint64 `json:"bandwidth_limit"`

	TransferredBytes uint64 `json:"transferred_bytes"`
	TotalBytes       uint64 `json:"total_bytes"`

	Err string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j

	return &c
}

// Config describes a migration request.
type Config struct {
	Machine    string
	TargetNode string
	Mode       Mode

	// BandwidthLimit overrides the manager default when non-zero.
	BandwidthLimit uint64

	// Disks lists the local (non-shared) images that must be copied
	// to the target. Empty means all machine storage is shared.
	Disks []vmhive.BlockDevice

	// Force skips the pre-flight checks.
	Force bool
}

func (c *Config) Validate() error {
	if len(strings.TrimSpace(c.Machine)) == 0 {
		return &vmhive.ValidationError{Field: "machine", Reason: "empty machine name"}
	}

	if len(strings.TrimSpace(c.TargetNode)) == 0 {
		return &vmhive.ValidationError{Field: "target_node", Reason: "empty target node"}
	}

	if _, ok := modeNames[c.Mode]; !ok {
		return &vmhive.ValidationError{Field: "mode", Reason: "unknown migration mode"}
	}

	for _, d := range c.Disks {
		if len(d.SourcePath) == 0 || len(d.TargetPath) == 0 {
			return &vmhive.ValidationError{Field: "disks", Reason: fmt.Sprintf("device %s has an empty path", d.ID)}
		}
	}

	return nil
}
