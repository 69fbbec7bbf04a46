package migration

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vmhive/vmhive/internal/qmp"
	"github.com/vmhive/vmhive/server/block"
	"github.com/vmhive/vmhive/vmhive"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// liveDowntime is the stop-and-copy pause requested from the
	// hypervisor for a live migration, in seconds.
	liveDowntime = 0.1

	// onlineDowntime allows a longer switchover pause when disks
	// do not have to be mirrored, in seconds.
	onlineDowntime = 0.5

	remoteStartTimeout = 30 * time.Second
)

func (m *Manager) migrationURI(targetNode string) string {
	return fmt.Sprintf("tcp:%s:%d", targetNode, m.incomingPort)
}

// runLive moves a running machine with its local disks: memory
// iterates over the wire while the disk images are mirrored
// in parallel, then the guest pauses briefly for the final
// switchover.
func (m *Manager) runLive(ctx context.Context, logger *log.Entry, jobID string, cfg *Config) error {
	if !m.setPhase(jobID, StatePreparing, 5) {
		return errJobCancelled
	}

	if err := m.prepareTransfer(ctx, cfg, liveDowntime); err != nil {
		return err
	}

	if limit := m.jobBandwidth(jobID); limit > 0 {
		if err := m.mon.MigrateSetSpeed(cfg.Machine, limit); err != nil {
			return fmt.Errorf("failed to set transfer cap: %w", err)
		}
	}

	if !m.setPhase(jobID, StateTransferring, 10) {
		return errJobCancelled
	}

	group, gctx := errgroup.WithContext(ctx)

	if len(cfg.Disks) > 0 {
		if err := m.blocks.StartBlockMigration(jobID, cfg.Machine, cfg.Disks, m.sourceNode, cfg.TargetNode); err != nil {
			return err
		}

		group.Go(func() error {
			return m.waitBlockMigration(gctx, jobID, 0, 0)
		})
	}

	group.Go(func() error {
		if err := m.mon.Migrate(cfg.Machine, m.migrationURI(cfg.TargetNode), false, false, true); err != nil {
			return fmt.Errorf("failed to start state transfer: %w", err)
		}

		return m.pollMigration(gctx, jobID, cfg.Machine, 10, 90)
	})

	if err := group.Wait(); err != nil {
		return err
	}

	if !m.setPhase(jobID, StateSyncing, 92) {
		return errJobCancelled
	}

	// The final dirty page pass is driven by the hypervisor during
	// its stop-and-copy window. At this point it must have reported
	// completion already.
	st, err := m.mon.QueryMigrate(cfg.Machine)
	if err != nil {
		return err
	}

	if !qmp.IsMigrationComplete(st) {
		return fmt.Errorf("unexpected hypervisor status after transfer: %s", st.Status)
	}

	if !m.setPhase(jobID, StateFinalizing, 95) {
		return errJobCancelled
	}

	return m.finalize(ctx, logger, cfg)
}

// runOffline stops the machine, copies its disks and configuration
// and starts it on the target.
func (m *Manager) runOffline(ctx context.Context, logger *log.Entry, jobID string, cfg *Config) error {
	unit := vmhive.MachineUnitName(cfg.Machine)

	if !m.setPhase(jobID, StatePreparing, 10) {
		return errJobCancelled
	}

	if err := m.exec.Run(ctx, cfg.TargetNode, "mkdir", "-p", filepath.Join(m.machineDir, cfg.Machine)); err != nil {
		return fmt.Errorf("failed to prepare target machine directory: %w", err)
	}

	if err := m.units.StopAndWait(unit, time.Minute); err != nil {
		return fmt.Errorf("failed to stop machine: %w", err)
	}

	if !m.setPhase(jobID, StateTransferring, 20) {
		return errJobCancelled
	}

	if len(cfg.Disks) > 0 {
		if err := m.blocks.StartBlockMigration(jobID, cfg.Machine, cfg.Disks, m.sourceNode, cfg.TargetNode); err != nil {
			return err
		}

		if err := m.waitBlockMigration(ctx, jobID, 20, 80); err != nil {
			return err
		}
	}

	if !m.setPhase(jobID, StateSyncing, 85) {
		return errJobCancelled
	}

	confpath := vmhive.MachineConfigFile(m.machineDir, cfg.Machine)

	if err := m.exec.CopyFile(ctx, cfg.TargetNode, confpath, confpath); err != nil {
		return fmt.Errorf("failed to transfer machine config: %w", err)
	}

	if !m.setPhase(jobID, StateFinalizing, 90) {
		return errJobCancelled
	}

	if err := m.startRemoteMachine(ctx, cfg); err != nil {
		return err
	}

	logger.Infof("Machine is running on %s", cfg.TargetNode)

	m.mon.Forget(cfg.Machine)

	return nil
}

// runOnline moves a running machine whose disks are on shared
// storage: only the memory state crosses the wire.
func (m *Manager) runOnline(ctx context.Context, logger *log.Entry, jobID string, cfg *Config) error {
	if !m.setPhase(jobID, StateTransferring, 20) {
		return errJobCancelled
	}

	if err := m.prepareTransfer(ctx, cfg, onlineDowntime); err != nil {
		return err
	}

	if limit := m.jobBandwidth(jobID); limit > 0 {
		if err := m.mon.MigrateSetSpeed(cfg.Machine, limit); err != nil {
			return fmt.Errorf("failed to set transfer cap: %w", err)
		}
	}

	if err := m.mon.Migrate(cfg.Machine, m.migrationURI(cfg.TargetNode), false, false, true); err != nil {
		return fmt.Errorf("failed to start state transfer: %w", err)
	}

	if err := m.pollMigration(ctx, jobID, cfg.Machine, 20, 85); err != nil {
		return err
	}

	if !m.setPhase(jobID, StateSyncing, 90) {
		return errJobCancelled
	}

	st, err := m.mon.QueryMigrate(cfg.Machine)
	if err != nil {
		return err
	}

	if !qmp.IsMigrationComplete(st) {
		return fmt.Errorf("unexpected hypervisor status after transfer: %s", st.Status)
	}

	if !m.setPhase(jobID, StateFinalizing, 95) {
		return errJobCancelled
	}

	return m.finalize(ctx, logger, cfg)
}

// prepareTransfer pushes the transfer tunables to the hypervisor
// and makes sure the machine directory exists on the target.
func (m *Manager) prepareTransfer(ctx context.Context, cfg *Config, downtime float64) error {
	if err := m.mon.MigrateSetDowntime(cfg.Machine, downtime); err != nil {
		return fmt.Errorf("failed to set downtime limit: %w", err)
	}

	if err := m.exec.Run(ctx, cfg.TargetNode, "mkdir", "-p", filepath.Join(m.machineDir, cfg.Machine)); err != nil {
		return fmt.Errorf("failed to prepare target machine directory: %w", err)
	}

	return nil
}

// pollMigration polls the hypervisor until it reports a terminal
// migration status, mapping the RAM progress into the [lo, hi] band.
// The loop is bounded by the job deadline through ctx.
func (m *Manager) pollMigration(ctx context.Context, jobID, vmname string, lo, hi int) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("migration deadline exceeded: %w", ctx.Err())
		case <-ticker.C:
		}

		if m.isCancelled(jobID) {
			if err := m.mon.MigrateCancel(vmname); err != nil {
				m.logger.WithField("machine", vmname).Warnf("Failed to cancel hypervisor migration: %s", err)
			}

			return errJobCancelled
		}

		st, err := m.mon.QueryMigrate(vmname)
		if err != nil {
			return err
		}

		switch st.Status {
		case qmp.MigrationCompleted:
			m.setProgress(jobID, hi)
			m.setTransfer(jobID, st.TransferredBytes, st.TotalBytes)

			return nil
		case qmp.MigrationFailed:
			if len(st.ErrDesc) > 0 {
				return fmt.Errorf("hypervisor migration failed: %s", st.ErrDesc)
			}

			return fmt.Errorf("hypervisor migration failed")
		case qmp.MigrationCancelling, qmp.MigrationCancelled:
			return fmt.Errorf("hypervisor migration was cancelled")
		case qmp.MigrationNone:
			// Not started yet. Keep polling, the deadline bounds it.
		default:
			pct := qmp.CalculateProgress(st)

			m.setProgress(jobID, lo+int(float64(hi-lo)*pct/100))
			m.setTransfer(jobID, st.TransferredBytes, st.TotalBytes)
		}
	}
}

// waitBlockMigration waits for the disk transfer that shares this
// job ID. With hi > lo the block progress is mapped into [lo, hi],
// otherwise overall progress is left to the memory transfer.
func (m *Manager) waitBlockMigration(ctx context.Context, jobID string, lo, hi int) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("migration deadline exceeded: %w", ctx.Err())
		case <-ticker.C:
		}

		if m.isCancelled(jobID) {
			return errJobCancelled
		}

		bj, err := m.blocks.Get(jobID)
		if err != nil {
			return err
		}

		switch bj.State {
		case block.StateCompleted:
			if hi > lo {
				m.setProgress(jobID, hi)
			}

			return nil
		case block.StateFailed:
			return fmt.Errorf("disk migration failed: %s", bj.Err)
		default:
			if hi > lo {
				m.setProgress(jobID, lo+(hi-lo)*bj.Progress/100)
			}
		}
	}
}

// finalize verifies the machine is running on the target and
// releases the local instance.
func (m *Manager) finalize(ctx context.Context, logger *log.Entry, cfg *Config) error {
	unit := vmhive.MachineUnitName(cfg.Machine)

	if err := m.exec.Run(ctx, cfg.TargetNode, "systemctl", "--quiet", "is-active", unit); err != nil {
		return fmt.Errorf("machine is not running on %s: %w", cfg.TargetNode, err)
	}

	logger.Infof("Machine is running on %s", cfg.TargetNode)

	// The source instance has handed its state over and sits paused.
	// Stop its unit so the supervisor does not restart it.
	if err := m.units.Stop(unit); err != nil {
		logger.Warnf("Failed to stop the source instance: %s", err)
	}

	m.mon.Forget(cfg.Machine)

	return nil
}

// startRemoteMachine starts the machine unit on the target node
// and waits until it settles into the running state.
func (m *Manager) startRemoteMachine(ctx context.Context, cfg *Config) error {
	unit := vmhive.MachineUnitName(cfg.Machine)

	if err := m.exec.Run(ctx, cfg.TargetNode, "systemctl", "start", unit); err != nil {
		return fmt.Errorf("failed to start machine on %s: %w", cfg.TargetNode, err)
	}

	deadline := time.Now().Add(remoteStartTimeout)

	for {
		if err := m.exec.Run(ctx, cfg.TargetNode, "systemctl", "--quiet", "is-active", unit); err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("machine did not reach the running state on %s", cfg.TargetNode)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("migration deadline exceeded: %w", ctx.Err())
		case <-time.After(m.pollInterval):
		}
	}
}
