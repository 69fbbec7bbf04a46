package migration

import (
	"time"

	"github.com/vmhive/vmhive/vmhive"
)

// Statistics is a point-in-time view of a migration job
// for operators and tooling.
type Statistics struct {
	JobID   string `json:"job_id"`
	Machine string `json:"machine"`
	Mode    Mode   `json:"mode"`
	State   State  `json:"state"`

	Progress int `json:"progress"`

	Elapsed time.Duration `json:"elapsed_ns"`

	// EstimatedDowntime is how long the guest is (or was)
	// unavailable during the switchover.
	EstimatedDowntime time.Duration `json:"estimated_downtime_ns"`

	TransferredBytes uint64 `json:"transferred_bytes"`
	TotalBytes       uint64 `json:"total_bytes"`

	// AvgThroughputBps is the average transfer rate in bytes/s
	// over the elapsed time.
	AvgThroughputBps float64 `json:"avg_throughput_bps"`
}

// GetStatistics computes the statistics of the job with the given ID.
// For a running job the elapsed time keeps growing, for a terminal
// one it is frozen at completion.
func (m *Manager) GetStatistics(jobID string) (*Statistics, error) {
	job, err := m.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	end := job.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}

	elapsed := end.Sub(job.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	st := Statistics{
		JobID:            job.ID,
		Machine:          job.Machine,
		Mode:             job.Mode,
		State:            job.State,
		Progress:         job.Progress,
		Elapsed:          elapsed,
		TransferredBytes: job.TransferredBytes,
		TotalBytes:       job.TotalBytes,
	}

	switch job.Mode {
	case ModeLive:
		st.EstimatedDowntime = time.Duration(liveDowntime * float64(time.Second))
	case ModeOnline:
		st.EstimatedDowntime = time.Duration(onlineDowntime * float64(time.Second))
	case ModeOffline:
		// The guest is down for the whole transfer.
		st.EstimatedDowntime = elapsed
	}

	if sec := elapsed.Seconds(); sec > 0 {
		st.AvgThroughputBps = float64(job.TransferredBytes) / sec
	}

	return &st, nil
}

// MachineUnitRunning reports whether the machine unit is active
// and running on the local node.
func (m *Manager) MachineUnitRunning(vmname string) (bool, error) {
	unit, err := m.units.GetUnit(vmhive.MachineUnitName(vmname))
	if err != nil {
		return false, err
	}

	return unit.IsRunning(), nil
}
