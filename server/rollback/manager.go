// Package rollback restores a consistent cluster state after
// a failed migration: partial data on the target is removed
// and the machine is brought back up on the source node.
package rollback

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmhive/vmhive/internal/remote"
	"github.com/vmhive/vmhive/internal/systemd"
	"github.com/vmhive/vmhive/vmhive"

	log "github.com/sirupsen/logrus"
)

// UnitManager is the subset of the local unit manager
// used by the recovery steps.
type UnitManager interface {
	StartAndTest(unitname string, interval time.Duration) error
	GetUnit(unitname string) (*systemd.UnitStatus, error)
}

// Request describes a failed migration to recover from.
type Request struct {
	JobID      string
	Machine    string
	SourceNode string
	TargetNode string

	// TargetDisks lists the image paths that may have been
	// partially written on the target node.
	TargetDisks []string
}

func (r *Request) validate() error {
	switch {
	case len(strings.TrimSpace(r.JobID)) == 0:
		return &vmhive.ValidationError{Field: "job_id", Reason: "empty job ID"}
	case len(strings.TrimSpace(r.Machine)) == 0:
		return &vmhive.ValidationError{Field: "machine", Reason: "empty machine name"}
	case len(strings.TrimSpace(r.TargetNode)) == 0:
		return &vmhive.ValidationError{Field: "target_node", Reason: "empty target node"}
	}

	return nil
}

type Manager struct {
	mu    sync.RWMutex
	plans map[string]*Plan

	exec  remote.Executor
	units UnitManager

	machineDir string

	// startTestInterval bounds the wait for the restarted
	// machine to settle.
	startTestInterval time.Duration

	logger *log.Entry
}

func NewManager(exec remote.Executor, units UnitManager, machineDir string) *Manager {
	if len(machineDir) == 0 {
		machineDir = vmhive.CONFDIR
	}

	return &Manager{
		plans:             make(map[string]*Plan),
		exec:              exec,
		units:             units,
		machineDir:        machineDir,
		startTestInterval: 30 * time.Second,
		logger:            log.WithField("component", "rollback"),
	}
}

// ExecuteRollback runs the fixed recovery sequence for a failed
// migration and returns the resulting plan. Every step executes
// even when an earlier one failed: stopping early could leave
// the machine down on both nodes at once. Each step records its
// own outcome instead.
func (m *Manager) ExecuteRollback(ctx context.Context, req *Request) (*Plan, error) {
	if req == nil {
		return nil, &vmhive.ValidationError{Field: "request", Reason: "empty rollback request"}
	}

	if err := req.validate(); err != nil {
		return nil, err
	}

	logger := m.logger.WithFields(log.Fields{
		"job-id":  req.JobID,
		"machine": req.Machine,
	})

	logger.Info("Starting rollback")

	plan := newPlan(req.JobID, req.Machine, req.SourceNode, req.TargetNode)

	steps := []func(ctx context.Context, req *Request) error{
		m.removeTargetDisks,
		m.unregisterTargetMachine,
		m.releaseTargetResources,
		m.verifySourceConfig,
		m.verifyNetworkConfig,
		m.restartSourceMachine,
	}

	plan.Success = true

	for idx, run := range steps {
		st := plan.Steps[idx]

		st.Executed = true
		st.Timestamp = time.Now()

		if err := run(ctx, req); err != nil {
			st.Err = err.Error()
			plan.Success = false

			logger.Warnf("Recovery step failed: %s: %s", st.Description, err)

			continue
		}

		st.Success = true
	}

	plan.CompletedAt = time.Now()

	if plan.Success {
		logger.Info("Rollback completed")
	} else {
		logger.Error("Rollback finished with failed steps")
	}

	m.mu.Lock()
	m.plans[req.JobID] = plan
	m.mu.Unlock()

	return plan.clone(), nil
}

// GetPlan returns a copy of the recovery plan for the given job.
func (m *Manager) GetPlan(jobID string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, found := m.plans[jobID]
	if !found {
		return nil, &vmhive.JobNotFoundError{ID: jobID}
	}

	return plan.clone(), nil
}

// GetSummary returns the aggregated view of the recovery plan
// for the given job.
func (m *Manager) GetSummary(jobID string) (*Summary, error) {
	plan, err := m.GetPlan(jobID)
	if err != nil {
		return nil, err
	}

	return plan.Summary(), nil
}

func (m *Manager) removeTargetDisks(ctx context.Context, req *Request) error {
	var failed []string

	for _, p := range req.TargetDisks {
		if err := m.exec.Run(ctx, req.TargetNode, "rm", "-f", p); err != nil {
			failed = append(failed, p)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to remove %s from %s", strings.Join(failed, ", "), req.TargetNode)
	}

	return nil
}

func (m *Manager) unregisterTargetMachine(ctx context.Context, req *Request) error {
	return m.exec.Run(ctx, req.TargetNode, "rm", "-rf", filepath.Join(m.machineDir, req.Machine))
}

// releaseTargetResources forcibly stops a half-started instance
// on the target so its memory and the incoming port are freed.
func (m *Manager) releaseTargetResources(ctx context.Context, req *Request) error {
	return m.exec.Run(ctx, req.TargetNode, "systemctl", "stop", vmhive.MachineUnitName(req.Machine))
}

func (m *Manager) verifySourceConfig(ctx context.Context, req *Request) error {
	if !vmhive.ConfigExists(m.machineDir, req.Machine) {
		return fmt.Errorf("machine config is missing on the source node")
	}

	if _, err := vmhive.LoadMachine(m.machineDir, req.Machine); err != nil {
		return err
	}

	return nil
}

// verifyNetworkConfig checks that the machine network definition
// survived intact. The definition never leaves the source during
// a migration, so a parseable config with named interfaces is
// all a recovery needs.
func (m *Manager) verifyNetworkConfig(ctx context.Context, req *Request) error {
	machine, err := vmhive.LoadMachine(m.machineDir, req.Machine)
	if err != nil {
		return err
	}

	for idx, iface := range machine.NetIfaces {
		if len(strings.TrimSpace(iface.Ifname)) == 0 {
			return fmt.Errorf("network interface #%d has an empty name", idx)
		}
	}

	return nil
}

// restartSourceMachine brings the machine back up on the source
// node. A successful start command alone is not enough: the unit
// must actually reach the running state.
func (m *Manager) restartSourceMachine(ctx context.Context, req *Request) error {
	unitname := vmhive.MachineUnitName(req.Machine)

	unit, err := m.units.GetUnit(unitname)
	if err == nil && unit.IsRunning() {
		// The machine survived, nothing to restart.
		return nil
	}

	if err := m.units.StartAndTest(unitname, m.startTestInterval); err != nil {
		return err
	}

	unit, err = m.units.GetUnit(unitname)
	if err != nil {
		return err
	}

	if !unit.IsRunning() {
		return fmt.Errorf("start command succeeded but %s is not running", unitname)
	}

	return nil
}
