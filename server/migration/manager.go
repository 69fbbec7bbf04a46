// Package migration implements the cluster migration manager:
// job lifecycle, admission control, pre-flight checks and the
// per-mode transfer pipelines.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmhive/vmhive/internal/qmp"
	"github.com/vmhive/vmhive/internal/remote"
	"github.com/vmhive/vmhive/internal/systemd"
	"github.com/vmhive/vmhive/internal/version"
	"github.com/vmhive/vmhive/server/block"
	"github.com/vmhive/vmhive/vmhive"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MonitorAPI is the subset of the machine monitor pool
// used by the migration pipelines.
type MonitorAPI interface {
	QueryMigrate(vmname string) (*qmp.MigrationStats, error)
	QueryStatus(vmname string) (*qmp.StatusInfo, error)
	QueryVersion(vmname string) (version.Version, error)
	Migrate(vmname, uri string, inc, blk, detach bool) error
	MigrateCancel(vmname string) error
	MigrateSetDowntime(vmname string, seconds float64) error
	MigrateSetSpeed(vmname string, bytesPerSec uint64) error
	Forget(vmname string)
}

// UnitManager controls the per-machine supervisor units
// on the local node.
type UnitManager interface {
	Start(unitname string) error
	StartAndTest(unitname string, interval time.Duration) error
	Stop(unitname string) error
	StopAndWait(unitname string, interval time.Duration) error
	GetUnit(unitname string) (*systemd.UnitStatus, error)
}

// BlockMigrator moves local disk images to another node.
type BlockMigrator interface {
	StartBlockMigration(jobID, vmname string, devices []vmhive.BlockDevice, sourceNode, targetNode string) error
	Get(jobID string) (*block.Job, error)
}

type Params struct {
	Monitor  MonitorAPI
	Units    UnitManager
	Executor remote.Executor
	Blocks   BlockMigrator

	SourceNode string
	MachineDir string

	IncomingPort     int
	MaxConcurrent    int
	DefaultBandwidth uint64

	PollInterval time.Duration
	Deadline     time.Duration
}

type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	maxConcurrent    int
	defaultBandwidth uint64

	mon    MonitorAPI
	units  UnitManager
	exec   remote.Executor
	blocks BlockMigrator

	sourceNode string
	machineDir string

	incomingPort int
	pollInterval time.Duration
	deadline     time.Duration

	logger *log.Entry
}

func NewManager(p Params) *Manager {
	if p.MaxConcurrent < 1 {
		p.MaxConcurrent = 1
	}

	if p.IncomingPort == 0 {
		p.IncomingPort = vmhive.FIRST_INCOMING_PORT
	}

	if p.PollInterval == 0 {
		p.PollInterval = time.Second
	}

	if p.Deadline == 0 {
		p.Deadline = 30 * time.Minute
	}

	if len(p.MachineDir) == 0 {
		p.MachineDir = vmhive.CONFDIR
	}

	return &Manager{
		jobs:             make(map[string]*Job),
		maxConcurrent:    p.MaxConcurrent,
		defaultBandwidth: p.DefaultBandwidth,
		mon:              p.Monitor,
		units:            p.Units,
		exec:             p.Executor,
		blocks:           p.Blocks,
		sourceNode:       p.SourceNode,
		machineDir:       p.MachineDir,
		incomingPort:     p.IncomingPort,
		pollInterval:     p.PollInterval,
		deadline:         p.Deadline,
		logger:           log.WithField("component", "migration"),
	}
}

// StartMigration validates the request, runs the pre-flight checks,
// admits the job and starts the pipeline in the background.
// It returns the job ID immediately, progress is observed
// through GetJob / GetStatistics.
func (m *Manager) StartMigration(cfg *Config) (string, error) {
	if cfg == nil {
		return "", &vmhive.ValidationError{Field: "config", Reason: "empty migration request"}
	}

	if err := cfg.Validate(); err != nil {
		return "", err
	}

	if cfg.TargetNode == m.sourceNode {
		return "", &vmhive.ValidationError{Field: "target_node", Reason: "machine is already on this node"}
	}

	if !cfg.Force {
		if failed := m.preflight(cfg); len(failed) > 0 {
			return "", &PreflightError{Failed: failed}
		}
	}

	// Checking the limit and inserting the job must happen in one
	// critical section. Two separate lock acquisitions would let
	// concurrent requests over-admit past the limit.
	m.mu.Lock()

	limit := cfg.BandwidthLimit
	if limit == 0 {
		limit = m.defaultBandwidth
	}

	var active int

	for _, j := range m.jobs {
		if j.State.Terminal() {
			continue
		}

		if j.Machine == cfg.Machine {
			m.mu.Unlock()

			return "", fmt.Errorf("migration of machine %s %w", cfg.Machine, vmhive.ErrAlreadyExists)
		}

		active++
	}

	if active >= m.maxConcurrent {
		limitval := m.maxConcurrent

		m.mu.Unlock()

		return "", &ConcurrencyLimitError{Limit: limitval}
	}

	job := &Job{
		ID:             uuid.New().String(),
		Machine:        cfg.Machine,
		SourceNode:     m.sourceNode,
		TargetNode:     cfg.TargetNode,
		Mode:           cfg.Mode,
		State:          StatePending,
		BandwidthLimit: limit,
		StartedAt:      time.Now(),
	}

	m.jobs[job.ID] = job

	m.mu.Unlock()

	go m.run(job.ID, cfg)

	return job.ID, nil
}

func (m *Manager) run(jobID string, cfg *Config) {
	logger := m.logger.WithFields(log.Fields{
		"job-id":  jobID,
		"machine": cfg.Machine,
		"mode":    cfg.Mode.String(),
	})

	logger.Infof("Starting migration to %s", cfg.TargetNode)

	ctx, cancel := context.WithTimeout(context.Background(), m.deadline)
	defer cancel()

	var err error

	switch cfg.Mode {
	case ModeLive:
		err = m.runLive(ctx, logger, jobID, cfg)
	case ModeOffline:
		err = m.runOffline(ctx, logger, jobID, cfg)
	case ModeOnline:
		err = m.runOnline(ctx, logger, jobID, cfg)
	}

	switch {
	case err == nil:
		m.complete(jobID)

		logger.Info("Migration completed")
	case errors.Is(err, errJobCancelled):
		// Partial data on the target is cleaned up by an explicit
		// rollback, not here.
		logger.Info("Migration cancelled")
	default:
		m.fail(jobID, err)

		logger.Errorf("Migration failed: %s", err)
	}
}

// CancelMigration marks the job as cancelled. Cancellation is
// cooperative: the pipeline observes the state at the next phase
// boundary and stops there. An in-flight disk copy or memory
// iteration is not interrupted.
func (m *Manager) CancelMigration(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, found := m.jobs[jobID]
	if !found {
		return &vmhive.JobNotFoundError{ID: jobID}
	}

	if job.State.Terminal() {
		return &vmhive.InvalidStateError{ID: jobID, State: job.State.String(), Op: "cancel"}
	}

	job.State = StateCancelled
	job.CompletedAt = time.Now()

	return nil
}

// GetJob returns a copy of the job with the given ID.
func (m *Manager) GetJob(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, found := m.jobs[jobID]
	if !found {
		return nil, &vmhive.JobNotFoundError{ID: jobID}
	}

	return job.clone(), nil
}

// ListJobs returns copies of all known jobs ordered by start time.
func (m *Manager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))

	for _, j := range m.jobs {
		jobs = append(jobs, j.clone())
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })

	return jobs
}

// DeleteJob removes a terminal job from the table.
func (m *Manager) DeleteJob(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, found := m.jobs[jobID]
	if !found {
		return &vmhive.JobNotFoundError{ID: jobID}
	}

	if !job.State.Terminal() {
		return &vmhive.InvalidStateError{ID: jobID, State: job.State.String(), Op: "delete"}
	}

	delete(m.jobs, jobID)

	return nil
}

// SetMaxConcurrent changes the admission limit at runtime.
// Already running jobs are not affected.
func (m *Manager) SetMaxConcurrent(n int) error {
	if n < 1 {
		return &vmhive.ValidationError{Field: "max_concurrent", Reason: "must be positive"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.maxConcurrent = n

	return nil
}

// SetDefaultBandwidth changes the default transfer cap
// for jobs created after this call.
func (m *Manager) SetDefaultBandwidth(bytesPerSec uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.defaultBandwidth = bytesPerSec
}

// setPhase moves the job into the given state and raises its progress.
// It returns false when the job has been cancelled in the meantime:
// the pipeline must stop at that point.
func (m *Manager) setPhase(jobID string, state State, progress int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, found := m.jobs[jobID]
	if !found || job.State.Terminal() {
		return false
	}

	job.State = state

	if progress > job.Progress {
		job.Progress = progress
	}

	return true
}

// setProgress raises the job progress. Progress never goes
// backwards even when the underlying counters fluctuate.
func (m *Manager) setProgress(jobID string, progress int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found && !job.State.Terminal() && progress > job.Progress {
		job.Progress = progress
	}
}

func (m *Manager) setTransfer(jobID string, transferred, total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, found := m.jobs[jobID]; found && !job.State.Terminal() {
		job.TransferredBytes = transferred
		job.TotalBytes = total
	}
}

func (m *Manager) isCancelled(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, found := m.jobs[jobID]

	return found && job.State == StateCancelled
}

func (m *Manager) jobBandwidth(jobID string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, found := m.jobs[jobID]; found {
		return job.BandwidthLimit
	}

	return 0
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
