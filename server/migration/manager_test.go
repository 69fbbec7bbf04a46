package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmhive/vmhive/internal/qmp"
	"github.com/vmhive/vmhive/internal/systemd"
	"github.com/vmhive/vmhive/internal/version"
	"github.com/vmhive/vmhive/server/block"
	"github.com/vmhive/vmhive/vmhive"
)

// fakeMonitor plays back a scripted sequence of query-migrate
// responses. The last element repeats forever.
type fakeMonitor struct {
	mu sync.Mutex

	script []*qmp.MigrationStats
	idx    int

	// ver overrides the reported hypervisor version when non-zero.
	ver version.Version

	migrateURI    string
	migrateDetach bool
	cancelCalls   int
	speed         uint64
	downtime      float64
}

func activeStats(transferredMB, totalMB float64) *qmp.MigrationStats {
	return &qmp.MigrationStats{
		Status:           qmp.MigrationActive,
		RamTransferredMB: transferredMB,
		RamTotalMB:       totalMB,
		TransferredBytes: uint64(transferredMB) << 20,
		TotalBytes:       uint64(totalMB) << 20,
	}
}

func completedStats(totalMB float64) *qmp.MigrationStats {
	st := activeStats(totalMB, totalMB)
	st.Status = qmp.MigrationCompleted

	return st
}

func (f *fakeMonitor) QueryMigrate(vmname string) (*qmp.MigrationStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.script) == 0 {
		return &qmp.MigrationStats{Status: qmp.MigrationNone}, nil
	}

	st := f.script[f.idx]

	if f.idx < len(f.script)-1 {
		f.idx++
	}

	return st, nil
}

func (f *fakeMonitor) QueryStatus(vmname string) (*qmp.StatusInfo, error) {
	return &qmp.StatusInfo{Running: true, Status: "running"}, nil
}

func (f *fakeMonitor) QueryVersion(vmname string) (version.Version, error) {
	if f.ver != (version.Version{}) {
		return f.ver, nil
	}

	return version.New(4, 2, 0), nil
}

func (f *fakeMonitor) Migrate(vmname, uri string, inc, blk, detach bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.migrateURI = uri
	f.migrateDetach = detach

	return nil
}

func (f *fakeMonitor) MigrateCancel(vmname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelCalls++

	return nil
}

func (f *fakeMonitor) MigrateSetDowntime(vmname string, seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downtime = seconds

	return nil
}

func (f *fakeMonitor) MigrateSetSpeed(vmname string, bytesPerSec uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.speed = bytesPerSec

	return nil
}

func (f *fakeMonitor) Forget(vmname string) {}

type fakeUnits struct {
	mu sync.Mutex

	started []string
	stopped []string
}

func (f *fakeUnits) Start(unitname string) error {
	return f.StartAndTest(unitname, 0)
}

func (f *fakeUnits) StartAndTest(unitname string, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started = append(f.started, unitname)

	return nil
}

func (f *fakeUnits) Stop(unitname string) error {
	return f.StopAndWait(unitname, 0)
}

func (f *fakeUnits) StopAndWait(unitname string, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = append(f.stopped, unitname)

	return nil
}

func (f *fakeUnits) GetUnit(unitname string) (*systemd.UnitStatus, error) {
	return &systemd.UnitStatus{Name: unitname, ActiveState: "active", SubState: "running"}, nil
}

// fakeNodeExec records commands instead of reaching real nodes.
type fakeNodeExec struct {
	mu sync.Mutex

	runs    [][]string
	copies  []string
	runErr  error
	outputs map[string][]byte
}

func (e *fakeNodeExec) Run(ctx context.Context, node string, args ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.runs = append(e.runs, append([]string{node}, args...))

	return e.runErr
}

func (e *fakeNodeExec) Output(ctx context.Context, node string, args ...string) ([]byte, error) {
	if e.runErr != nil {
		return nil, e.runErr
	}

	if out, ok := e.outputs[strings.Join(args, " ")]; ok {
		return out, nil
	}

	return nil, nil
}

func (e *fakeNodeExec) CopyFile(ctx context.Context, node, src, dst string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.copies = append(e.copies, src)

	return e.runErr
}

func (e *fakeNodeExec) SyncFile(ctx context.Context, node, src, dst string) error {
	return e.runErr
}

func (e *fakeNodeExec) ranCommand(sub string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.runs {
		if strings.Contains(strings.Join(r, " "), sub) {
			return true
		}
	}

	return false
}

type fakeBlocks struct {
	mu sync.Mutex

	startedFor []string
	failWith   string
}

func (f *fakeBlocks) StartBlockMigration(jobID, vmname string, devices []vmhive.BlockDevice, sourceNode, targetNode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startedFor = append(f.startedFor, jobID)

	return nil
}

func (f *fakeBlocks) Get(jobID string) (*block.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.failWith) > 0 {
		return &block.Job{ID: jobID, State: block.StateFailed, Err: f.failWith}, nil
	}

	return &block.Job{ID: jobID, State: block.StateCompleted, Progress: 100}, nil
}

func testManager(mon MonitorAPI, units UnitManager, exec *fakeNodeExec, blocks BlockMigrator) *Manager {
	return NewManager(Params{
		Monitor:       mon,
		Units:         units,
		Executor:      exec,
		Blocks:        blocks,
		SourceNode:    "n1",
		MachineDir:    "/nonexistent/machines",
		IncomingPort:  30000,
		MaxConcurrent: 4,
		PollInterval:  5 * time.Millisecond,
		Deadline:      5 * time.Second,
	})
}

func waitJob(t *testing.T, m *Manager, jobID string) *Job {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for {
		job, err := m.GetJob(jobID)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if job.State.Terminal() {
			return job
		}

		if time.Now().After(deadline) {
			t.Fatalf("job %s did not finish: state = %s", jobID, job.State)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func testDisks() []vmhive.BlockDevice {
	return []vmhive.BlockDevice{
		{
			ID:         "disk0",
			SourcePath: "/images/alice/disk0.qcow2",
			TargetPath: "/images/alice/disk0.qcow2",
			Size:       1 << 30,
			Format:     vmhive.DiskFormatQcow2,
		},
	}
}

func TestLiveMigration(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{
			activeStats(512, 2048),
			activeStats(1536, 2048),
			completedStats(2048),
		},
	}

	units := &fakeUnits{}
	exec := &fakeNodeExec{}
	blocks := &fakeBlocks{}

	m := testManager(mon, units, exec, blocks)

	jobID, err := m.StartMigration(&Config{
		Machine:        "alice",
		TargetNode:     "n2",
		Mode:           ModeLive,
		BandwidthLimit: 100 << 20,
		Disks:          testDisks(),
		Force:          true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitJob(t, m, jobID)

	if job.State != StateCompleted {
		t.Fatalf("unexpected state: %s (%s)", job.State, job.Err)
	}

	if job.Progress != 100 {
		t.Errorf("unexpected progress: %d", job.Progress)
	}

	if job.TransferredBytes != 2048<<20 {
		t.Errorf("unexpected transferred bytes: %d", job.TransferredBytes)
	}

	if mon.migrateURI != "tcp:n2:30000" {
		t.Errorf("unexpected migration URI: %s", mon.migrateURI)
	}

	if !mon.migrateDetach {
		t.Error("migrate was started without detach")
	}

	if mon.speed != 100<<20 {
		t.Errorf("transfer cap was not applied: %d", mon.speed)
	}

	if mon.downtime != liveDowntime {
		t.Errorf("unexpected downtime limit: %v", mon.downtime)
	}

	if len(blocks.startedFor) != 1 || blocks.startedFor[0] != jobID {
		t.Errorf("disk migration was not started for the job")
	}

	if !exec.ranCommand("is-active vmhive@alice.service") {
		t.Error("target instance was not verified")
	}

	if len(units.stopped) != 1 || units.stopped[0] != "vmhive@alice.service" {
		t.Errorf("source instance was not released: %v", units.stopped)
	}
}

func TestLiveMigrationHypervisorFailure(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{
			activeStats(512, 2048),
			{Status: qmp.MigrationFailed, ErrDesc: "connection reset by peer"},
		},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeLive,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitJob(t, m, jobID)

	if job.State != StateFailed {
		t.Fatalf("unexpected state: %s", job.State)
	}

	if !strings.Contains(job.Err, "connection reset by peer") {
		t.Errorf("hypervisor error was lost: %s", job.Err)
	}
}

func TestLiveMigrationBlockFailure(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{activeStats(512, 2048)},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{failWith: "no space left on device"})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeLive,
		Disks:      testDisks(),
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitJob(t, m, jobID)

	if job.State != StateFailed {
		t.Fatalf("unexpected state: %s", job.State)
	}

	if !strings.Contains(job.Err, "no space left on device") {
		t.Errorf("disk error was lost: %s", job.Err)
	}
}

func TestOfflineMigration(t *testing.T) {
	units := &fakeUnits{}
	exec := &fakeNodeExec{}
	blocks := &fakeBlocks{}

	m := testManager(&fakeMonitor{}, units, exec, blocks)

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeOffline,
		Disks:      testDisks(),
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitJob(t, m, jobID)

	if job.State != StateCompleted {
		t.Fatalf("unexpected state: %s (%s)", job.State, job.Err)
	}

	// The guest stops before any data moves.
	if len(units.stopped) != 1 || units.stopped[0] != "vmhive@alice.service" {
		t.Errorf("machine was not stopped: %v", units.stopped)
	}

	if len(blocks.startedFor) != 1 {
		t.Error("disk migration was not started")
	}

	if len(exec.copies) != 1 || !strings.Contains(exec.copies[0], "alice") {
		t.Errorf("machine config was not transferred: %v", exec.copies)
	}

	if !exec.ranCommand("systemctl start vmhive@alice.service") {
		t.Error("machine was not started on the target")
	}
}

func TestOnlineMigration(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{
			activeStats(1024, 4096),
			completedStats(4096),
		},
	}

	units := &fakeUnits{}

	m := testManager(mon, units, &fakeNodeExec{}, &fakeBlocks{})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeOnline,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitJob(t, m, jobID)

	if job.State != StateCompleted {
		t.Fatalf("unexpected state: %s (%s)", job.State, job.Err)
	}

	if mon.downtime != onlineDowntime {
		t.Errorf("unexpected downtime limit: %v", mon.downtime)
	}

	if len(units.stopped) != 1 {
		t.Errorf("source instance was not released: %v", units.stopped)
	}
}

func TestCancelMigration(t *testing.T) {
	// The hypervisor never completes, the job can only end
	// through cancellation.
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{activeStats(512, 2048)},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeLive,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// Let the pipeline reach the polling loop.
	time.Sleep(50 * time.Millisecond)

	if err := m.CancelMigration(jobID); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitJob(t, m, jobID)

	if job.State != StateCancelled {
		t.Fatalf("unexpected state: %s", job.State)
	}

	// Give the pipeline time to observe the cancellation.
	deadline := time.Now().Add(2 * time.Second)

	for {
		mon.mu.Lock()
		cancels := mon.cancelCalls
		mon.mu.Unlock()

		if cancels > 0 {
			break
		}

		if time.Now().After(deadline) {
			t.Fatal("hypervisor migration was not cancelled")
		}

		time.Sleep(5 * time.Millisecond)
	}

	// A cancelled job stays cancelled.
	if err := m.CancelMigration(jobID); !vmhive.IsInvalidStateError(err) {
		t.Errorf("unexpected error for a terminal job: %v", err)
	}
}

func TestMigrationDeadline(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{activeStats(512, 2048)},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})
	m.deadline = 50 * time.Millisecond

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeOnline,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitJob(t, m, jobID)

	if job.State != StateFailed {
		t.Fatalf("unexpected state: %s", job.State)
	}

	if !strings.Contains(job.Err, "deadline") {
		t.Errorf("unexpected error: %s", job.Err)
	}
}

func TestConcurrentAdmission(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{activeStats(512, 2048)},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	if err := m.SetMaxConcurrent(2); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	const requests = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
		rejected int
	)

	for idx := 0; idx < requests; idx++ {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			jobID, err := m.StartMigration(&Config{
				Machine:    fmt.Sprintf("vm%d", idx),
				TargetNode: "n2",
				Mode:       ModeOnline,
				Force:      true,
			})

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				accepted = append(accepted, jobID)

				return
			}

			if !IsConcurrencyLimitError(err) {
				t.Errorf("unexpected error: %s", err)
			}

			rejected++
		}(idx)
	}

	wg.Wait()

	// The check and the insert share one critical section,
	// concurrent requests can never over-admit.
	if len(accepted) != 2 || rejected != requests-2 {
		t.Fatalf("accepted %d, rejected %d, want 2/%d", len(accepted), rejected, requests-2)
	}

	for _, jobID := range accepted {
		if err := m.CancelMigration(jobID); err != nil {
			t.Errorf("unexpected error: %s", err)
		}

		waitJob(t, m, jobID)
	}
}

func TestDuplicateMachineRejected(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{activeStats(512, 2048)},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeOnline,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if _, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n3",
		Mode:       ModeOnline,
		Force:      true,
	}); !errors.Is(err, vmhive.ErrAlreadyExists) {
		t.Errorf("second migration of the same machine was accepted: %v", err)
	}

	if err := m.CancelMigration(jobID); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	waitJob(t, m, jobID)

	// With the first job terminal the machine may migrate again.
	if _, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n3",
		Mode:       ModeOnline,
		Force:      true,
	}); err != nil {
		t.Errorf("unexpected error: %s", err)
	}
}

func TestStartMigrationValidation(t *testing.T) {
	m := testManager(&fakeMonitor{}, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	if _, err := m.StartMigration(nil); !vmhive.IsValidationError(err) {
		t.Errorf("unexpected error for nil config: %v", err)
	}

	if _, err := m.StartMigration(&Config{TargetNode: "n2"}); !vmhive.IsValidationError(err) {
		t.Errorf("unexpected error for empty machine: %v", err)
	}

	if _, err := m.StartMigration(&Config{Machine: "alice"}); !vmhive.IsValidationError(err) {
		t.Errorf("unexpected error for empty target: %v", err)
	}

	// Migrating to the node the machine is already on is senseless.
	if _, err := m.StartMigration(&Config{Machine: "alice", TargetNode: "n1"}); !vmhive.IsValidationError(err) {
		t.Errorf("unexpected error for the local node as target: %v", err)
	}
}

func TestPreflightFailureList(t *testing.T) {
	confdir := t.TempDir()

	machine := vmhive.Machine{
		Name:   "alice",
		Memory: 2048,
		CPUs:   2,
		Disks:  testDisks(),
	}

	if err := machine.Save(confdir); err != nil {
		t.Fatal(err)
	}

	exec := &fakeNodeExec{runErr: fmt.Errorf("ssh: connect to host n2: no route to host")}

	m := testManager(&fakeMonitor{}, &fakeUnits{}, exec, &fakeBlocks{})
	m.machineDir = confdir

	_, err := m.StartMigration(&Config{
		Machine:        "alice",
		TargetNode:     "n2",
		Mode:           ModeLive,
		BandwidthLimit: 1024, // below the convergence floor
	})

	if !IsPreflightError(err) {
		t.Fatalf("unexpected error: %v", err)
	}

	var pf *PreflightError

	errors.As(err, &pf)

	for _, name := range []string{"target-reachable", "resource-headroom", "bandwidth", "cpu-compatible", "shared-storage"} {
		var found bool

		for _, f := range pf.Failed {
			if f == name {
				found = true

				break
			}
		}

		if !found {
			t.Errorf("check %s is missing from the failure list: %v", name, pf.Failed)
		}
	}

	// No job is created when pre-flight fails.
	if jobs := m.ListJobs(); len(jobs) != 0 {
		t.Errorf("job table is not empty: %d entries", len(jobs))
	}
}

func TestPreflightHypervisorVersion(t *testing.T) {
	mon := &fakeMonitor{ver: version.New(2, 4, 0)}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	_, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeLive,
	})

	if !IsPreflightError(err) {
		t.Fatalf("unexpected error: %v", err)
	}

	var pf *PreflightError

	errors.As(err, &pf)

	var found bool

	for _, f := range pf.Failed {
		if f == "hypervisor-version" {
			found = true
		}
	}

	if !found {
		t.Errorf("old hypervisor was not rejected: %v", pf.Failed)
	}
}

func TestDeleteJob(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{completedStats(1024)},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeOnline,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	waitJob(t, m, jobID)

	if err := m.DeleteJob(jobID); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if _, err := m.GetJob(jobID); !vmhive.IsJobNotFoundError(err) {
		t.Errorf("unexpected error: %v", err)
	}

	if err := m.DeleteJob(jobID); !vmhive.IsJobNotFoundError(err) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGetStatistics(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{
			activeStats(1024, 2048),
			completedStats(2048),
		},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeOnline,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	waitJob(t, m, jobID)

	st, err := m.GetStatistics(jobID)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if st.State != StateCompleted || st.Progress != 100 {
		t.Errorf("unexpected statistics: state = %s, progress = %d", st.State, st.Progress)
	}

	if st.Elapsed <= 0 {
		t.Errorf("unexpected elapsed time: %v", st.Elapsed)
	}

	if st.EstimatedDowntime != 500*time.Millisecond {
		t.Errorf("unexpected downtime estimate: %v", st.EstimatedDowntime)
	}

	if st.TransferredBytes != 2048<<20 {
		t.Errorf("unexpected transferred bytes: %d", st.TransferredBytes)
	}

	if st.AvgThroughputBps <= 0 {
		t.Errorf("unexpected throughput: %f", st.AvgThroughputBps)
	}

	if _, err := m.GetStatistics("no-such-job"); !vmhive.IsJobNotFoundError(err) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	mon := &fakeMonitor{
		script: []*qmp.MigrationStats{
			activeStats(1536, 2048),
			// A new copy iteration makes the raw counters drop.
			activeStats(256, 2048),
			activeStats(512, 2048),
			completedStats(2048),
		},
	}

	m := testManager(mon, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	jobID, err := m.StartMigration(&Config{
		Machine:    "alice",
		TargetNode: "n2",
		Mode:       ModeOnline,
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	last := 0

	for {
		job, err := m.GetJob(jobID)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if job.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, job.Progress)
		}

		last = job.Progress

		if job.State.Terminal() {
			break
		}

		time.Sleep(time.Millisecond)
	}
}

func TestSetMaxConcurrentValidation(t *testing.T) {
	m := testManager(&fakeMonitor{}, &fakeUnits{}, &fakeNodeExec{}, &fakeBlocks{})

	if err := m.SetMaxConcurrent(0); !vmhive.IsValidationError(err) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"live", "offline", "online"} {
		mode, err := ParseMode(s)
		if err != nil {
			t.Errorf("ParseMode(%q): unexpected error: %s", s, err)
		}

		if mode.String() != s {
			t.Errorf("ParseMode(%q) = %s", s, mode)
		}
	}

	if _, err := ParseMode("teleport"); err == nil {
		t.Error("unknown mode was accepted")
	}
}
