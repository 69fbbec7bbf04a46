package block

import (
	"encoding/json"
	"time"

	"github.com/vmhive/vmhive/vmhive"
)

type State int32

const (
	StateIdle State = iota
	StatePreparing
	StateTransferring
	StateSyncing
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StatePreparing:    "preparing",
	StateTransferring: "transferring",
	StateSyncing:      "syncing",
	StateCompleted:    "completed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if v, ok := stateNames[s]; ok {
		return v
	}

	return "idle"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job represents a per-machine disk migration.
//
// Device copy is all-or-nothing: a single failed device fails
// the whole job, phase progress is informative only.
type Job struct {
	ID         string `json:"id"`
	Machine    string `json:"machine"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`

	Devices []vmhive.BlockDevice `json:"devices"`

	State    State `json:"state"`
	Progress int   `json:"progress"`

	// DeviceProgress maps a device ID to its percent done.
	DeviceProgress map[string]int `json:"device_progress"`

	// TotalBytes is the sum of the virtual device sizes,
	// AllocatedBytes is the actually allocated on-disk total
	// (smaller for sparse images).
	TotalBytes     uint64 `json:"total_bytes"`
	AllocatedBytes uint64 `json:"allocated_bytes"`

	Err string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j

	c.Devices = append([]vmhive.BlockDevice(nil), j.Devices...)

	c.DeviceProgress = make(map[string]int, len(j.DeviceProgress))
	for k, v := range j.DeviceProgress {
		c.DeviceProgress[k] = v
	}

	return &c
}
