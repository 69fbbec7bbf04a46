// Package block implements disk image migration between cluster nodes
// for machines whose storage is not shared. A block job copies each
// device in bulk with sparse regions preserved and then resyncs the
// blocks dirtied during the bulk phase.
package block

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vmhive/vmhive/internal/remote"
	"github.com/vmhive/vmhive/vmhive"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	exec remote.Executor

	logger *log.Entry
}

func NewManager(exec remote.Executor) *Manager {
	return &Manager{
		jobs:   make(map[string]*Job),
		exec:   exec,
		logger: log.WithField("component", "block"),
	}
}

// StartBlockMigration registers a new disk migration job and starts
// the transfer in the background. The job ID is assigned by the caller
// so that a disk transfer can share its ID with the migration job
// it belongs to.
func (m *Manager) StartBlockMigration(jobID, vmname string, devices []vmhive.BlockDevice, sourceNode, targetNode string) error {
	switch {
	case len(jobID) == 0:
		return &vmhive.ValidationError{Field: "id", Reason: "empty job ID"}
	case len(vmname) == 0:
		return &vmhive.ValidationError{Field: "machine", Reason: "empty machine name"}
	case len(targetNode) == 0:
		return &vmhive.ValidationError{Field: "target_node", Reason: "empty target node"}
	case len(devices) == 0:
		return &vmhive.ValidationError{Field: "devices", Reason: "nothing to migrate"}
	}

	for _, d := range devices {
		if len(d.SourcePath) == 0 || len(d.TargetPath) == 0 {
			return &vmhive.ValidationError{Field: "devices", Reason: fmt.Sprintf("device %s has an empty path", d.ID)}
		}
	}

	job := &Job{
		ID:             jobID,
		Machine:        vmname,
		SourceNode:     sourceNode,
		TargetNode:     targetNode,
		Devices:        append([]vmhive.BlockDevice(nil), devices...),
		State:          StatePreparing,
		DeviceProgress: make(map[string]int, len(devices)),
		TotalBytes:     vmhive.CalculateTotalSize(devices),
		StartedAt:      time.Now(),
	}

	for _, d := range devices {
		job.DeviceProgress[d.ID] = 0
	}

	m.mu.Lock()

	if prev, found := m.jobs[jobID]; found && !prev.State.Terminal() {
		m.mu.Unlock()

		return fmt.Errorf("block job %s: %w", jobID, vmhive.ErrAlreadyExists)
	}

	m.jobs[jobID] = job

	m.mu.Unlock()

	go m.run(job.clone())

	return nil
}

// Get returns a copy of the job with the given ID.
func (m *Manager) Get(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, found := m.jobs[jobID]
	if !found {
		return nil, &vmhive.JobNotFoundError{ID: jobID}
	}

	return job.clone(), nil
}

// List returns copies of all known jobs.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))

	for _, j := range m.jobs {
		jobs = append(jobs, j.clone())
	}

	return jobs
}

func (m *Manager) run(job *Job) {
	logger := m.logger.WithFields(log.Fields{
		"job-id":  job.ID,
		"machine": job.Machine,
	})

	ctx := context.Background()

	if err := m.migrate(ctx, logger, job); err != nil {
		m.fail(job.ID, err)

		logger.Errorf("Disk migration failed: %s", err)

		return
	}

	m.complete(job.ID)

	logger.Info("Disk migration completed")
}

func (m *Manager) migrate(ctx context.Context, logger *log.Entry, job *Job) error {
	m.setPhase(job.ID, StatePreparing, 5)

	if err := m.preChecks(ctx, job); err != nil {
		return err
	}

	m.setPhase(job.ID, StateTransferring, 10)

	for idx, d := range job.Devices {
		logger.Infof("Copying %s to %s:%s", d.SourcePath, job.TargetNode, d.TargetPath)

		if err := m.exec.CopyFile(ctx, job.TargetNode, d.SourcePath, d.TargetPath); err != nil {
			return fmt.Errorf("bulk copy of %s: %w", d.ID, err)
		}

		m.setDeviceProgress(job.ID, d.ID, 100)
		m.setProgress(job.ID, 10+70*(idx+1)/len(job.Devices))
	}

	m.setPhase(job.ID, StateSyncing, 85)

	// Resync the blocks that changed while the bulk copy was running.
	// The delta transfer only moves dirty blocks, so this pass is short
	// compared to the bulk one.
	for _, d := range job.Devices {
		logger.Debugf("Syncing dirty blocks of %s", d.ID)

		if err := m.exec.SyncFile(ctx, job.TargetNode, d.SourcePath, d.TargetPath); err != nil {
			return fmt.Errorf("dirty block resync of %s: %w", d.ID, err)
		}
	}

	return nil
}

// preChecks verifies the transfer can succeed before any data is moved:
// every source image must exist locally and the target filesystem must
// have room for the total of the virtual device sizes.
func (m *Manager) preChecks(ctx context.Context, job *Job) error {
	var allocated uint64

	for _, d := range job.Devices {
		var st unix.Stat_t

		if err := unix.Stat(d.SourcePath, &st); err != nil {
			return fmt.Errorf("source device %s is not available: %s: %s", d.ID, d.SourcePath, err)
		}

		// st.Blocks is in 512-byte units regardless of the filesystem
		// block size. For sparse images this is well below d.Size.
		allocated += uint64(st.Blocks) * 512
	}

	m.setAllocated(job.ID, allocated)

	for _, d := range job.Devices {
		if err := m.exec.Run(ctx, job.TargetNode, "mkdir", "-p", filepath.Dir(d.TargetPath)); err != nil {
			return fmt.Errorf("failed to prepare target directory for %s: %w", d.ID, err)
		}
	}

	avail, err := m.targetFreeSpace(ctx, job.TargetNode, filepath.Dir(job.Devices[0].TargetPath))
	if err != nil {
		return err
	}

	if need := vmhive.CalculateTotalSize(job.Devices); avail < need {
		return fmt.Errorf("not enough free space on %s: %d bytes available, %d bytes required", job.TargetNode, avail, need)
	}

	return nil
}

func (m *Manager) targetFreeSpace(ctx context.Context, node, dir string) (uint64, error) {
	out, err := m.exec.Output(ctx, node, "df", "--output=avail", "--block-size=1", dir)
	if err != nil {
		return 0, fmt.Errorf("failed to query free space on %s: %w", node, err)
	}

	return parseAvailBytes(out)
}

// parseAvailBytes extracts the available byte count from
// "df --output=avail" output (a header line followed by the value).
func parseAvailBytes(out []byte) (uint64, error) {
	fields := bytes.Fields(out)

	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected df output: %q", string(out))
	}

	v, err := strconv.ParseUint(string(fields[len(fields)-1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected df output: %q", string(out))
	}

	return v, nil
}

func (m *Manager) setPhase(jobID string, state State, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found && !job.State.Terminal() {
		job.State = state

		if progress > job.Progress {
			job.Progress = progress
		}
	}
}

func (m *Manager) setProgress(jobID string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found && progress > job.Progress {
		job.Progress = progress
	}
}

func (m *Manager) setDeviceProgress(jobID, devID string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found {
		job.DeviceProgress[devID] = progress
	}
}

func (m *Manager) setAllocated(jobID string, allocated uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found {
		job.AllocatedBytes = allocated
	}
}

func (m *Manager) complete(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found && !job.State.Terminal() {
		job.State = StateCompleted
		job.Progress = 100
		job.CompletedAt = time.Now()
	}
}

func (m *Manager) fail(jobID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found && !job.State.Terminal() {
		job.State = StateFailed
		job.Err = err.Error()
		job.CompletedAt = time.Now()
	}
}
