package block

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmhive/vmhive/vmhive"
)

// fakeExecutor implements remote.Executor on the local filesystem:
// "remote" paths live in a temporary directory and rsync invocations
// become plain file copies.
type fakeExecutor struct {
	mu sync.Mutex

	avail uint64

	copied []string
	synced []string

	failCopy string

	copyGate chan struct{}
}

func (e *fakeExecutor) Run(ctx context.Context, node string, args ...string) error {
	if len(args) >= 3 && args[0] == "mkdir" {
		return os.MkdirAll(args[len(args)-1], 0755)
	}

	return nil
}

func (e *fakeExecutor) Output(ctx context.Context, node string, args ...string) ([]byte, error) {
	if len(args) > 0 && args[0] == "df" {
		return []byte(fmt.Sprintf("Avail\n%d\n", e.avail)), nil
	}

	return nil, nil
}

func (e *fakeExecutor) CopyFile(ctx context.Context, node, src, dst string) error {
	if e.copyGate != nil {
		<-e.copyGate
	}

	if src == e.failCopy {
		return fmt.Errorf("rsync failed: connection reset")
	}

	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	if err := os.WriteFile(dst, b, 0644); err != nil {
		return err
	}

	e.mu.Lock()
	e.copied = append(e.copied, src)
	e.mu.Unlock()

	return nil
}

func (e *fakeExecutor) SyncFile(ctx context.Context, node, src, dst string) error {
	e.mu.Lock()
	e.synced = append(e.synced, src)
	e.mu.Unlock()

	return nil
}

func tmpDevices(t *testing.T, n int) []vmhive.BlockDevice {
	t.Helper()

	srcdir := t.TempDir()
	dstdir := t.TempDir()

	devices := make([]vmhive.BlockDevice, 0, n)

	for idx := 0; idx < n; idx++ {
		name := fmt.Sprintf("disk%d.qcow2", idx)

		p := filepath.Join(srcdir, name)

		if err := os.WriteFile(p, []byte("image-data"), 0644); err != nil {
			t.Fatal(err)
		}

		devices = append(devices, vmhive.BlockDevice{
			ID:         fmt.Sprintf("disk%d", idx),
			SourcePath: p,
			TargetPath: filepath.Join(dstdir, name),
			Size:       1 << 20,
			Format:     vmhive.DiskFormatQcow2,
		})
	}

	return devices
}

func waitForJob(t *testing.T, m *Manager, jobID string) *Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for {
		job, err := m.Get(jobID)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if job.State.Terminal() {
			return job
		}

		if time.Now().After(deadline) {
			t.Fatalf("job %s did not finish: state = %s", jobID, job.State)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestBlockMigrationSuccess(t *testing.T) {
	devices := tmpDevices(t, 2)

	ex := &fakeExecutor{avail: 1 << 30}

	m := NewManager(ex)

	if err := m.StartBlockMigration("job1", "alice", devices, "n1", "n2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitForJob(t, m, "job1")

	if job.State != StateCompleted {
		t.Fatalf("unexpected state: %s (%s)", job.State, job.Err)
	}

	if job.Progress != 100 {
		t.Errorf("unexpected progress: %d", job.Progress)
	}

	for _, d := range devices {
		if job.DeviceProgress[d.ID] != 100 {
			t.Errorf("device %s progress = %d, want 100", d.ID, job.DeviceProgress[d.ID])
		}

		if _, err := os.Stat(d.TargetPath); err != nil {
			t.Errorf("target image %s is missing: %s", d.TargetPath, err)
		}
	}

	if len(ex.synced) != len(devices) {
		t.Errorf("dirty block resync ran for %d of %d devices", len(ex.synced), len(devices))
	}

	if job.TotalBytes != vmhive.CalculateTotalSize(devices) {
		t.Errorf("unexpected total size: %d", job.TotalBytes)
	}
}

func TestBlockMigrationMissingSource(t *testing.T) {
	devices := tmpDevices(t, 2)

	devices[1].SourcePath = filepath.Join(t.TempDir(), "no-such-image.qcow2")

	ex := &fakeExecutor{avail: 1 << 30}

	m := NewManager(ex)

	if err := m.StartBlockMigration("job1", "alice", devices, "n1", "n2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitForJob(t, m, "job1")

	if job.State != StateFailed {
		t.Fatalf("unexpected state: %s", job.State)
	}

	if !strings.Contains(job.Err, "disk1") {
		t.Errorf("error does not name the failed device: %s", job.Err)
	}

	// The existence check runs before any data is moved.
	if len(ex.copied) != 0 {
		t.Errorf("copy started despite a missing source device")
	}
}

func TestBlockMigrationInsufficientSpace(t *testing.T) {
	devices := tmpDevices(t, 1)

	ex := &fakeExecutor{avail: 1024}

	m := NewManager(ex)

	if err := m.StartBlockMigration("job1", "alice", devices, "n1", "n2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitForJob(t, m, "job1")

	if job.State != StateFailed {
		t.Fatalf("unexpected state: %s", job.State)
	}

	if !strings.Contains(job.Err, "free space") {
		t.Errorf("unexpected error: %s", job.Err)
	}
}

func TestBlockMigrationCopyFailure(t *testing.T) {
	devices := tmpDevices(t, 2)

	ex := &fakeExecutor{
		avail:    1 << 30,
		failCopy: devices[1].SourcePath,
	}

	m := NewManager(ex)

	if err := m.StartBlockMigration("job1", "alice", devices, "n1", "n2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	job := waitForJob(t, m, "job1")

	if job.State != StateFailed {
		t.Fatalf("unexpected state: %s", job.State)
	}

	if !strings.Contains(job.Err, "disk1") {
		t.Errorf("error does not name the failed device: %s", job.Err)
	}

	if len(ex.synced) != 0 {
		t.Errorf("resync ran after a failed bulk copy")
	}
}

func TestBlockMigrationDuplicateJob(t *testing.T) {
	devices := tmpDevices(t, 1)

	gate := make(chan struct{})

	ex := &fakeExecutor{
		avail:    1 << 30,
		copyGate: gate,
	}

	m := NewManager(ex)

	if err := m.StartBlockMigration("job1", "alice", devices, "n1", "n2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := m.StartBlockMigration("job1", "alice", devices, "n1", "n2"); err == nil {
		t.Fatal("duplicate job was accepted while the first one is active")
	}

	close(gate)

	waitForJob(t, m, "job1")

	// A terminal job may be replaced by a new run with the same ID.
	if err := m.StartBlockMigration("job1", "alice", devices, "n1", "n2"); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	waitForJob(t, m, "job1")
}

func TestBlockMigrationValidation(t *testing.T) {
	m := NewManager(&fakeExecutor{avail: 1 << 30})

	if err := m.StartBlockMigration("job1", "alice", nil, "n1", "n2"); !vmhive.IsValidationError(err) {
		t.Errorf("unexpected error for empty device list: %v", err)
	}

	devices := tmpDevices(t, 1)

	if err := m.StartBlockMigration("", "alice", devices, "n1", "n2"); !vmhive.IsValidationError(err) {
		t.Errorf("unexpected error for empty job ID: %v", err)
	}

	if _, err := m.Get("no-such-job"); !vmhive.IsJobNotFoundError(err) {
		t.Errorf("unexpected error for unknown job: %v", err)
	}
}

func TestParseAvailBytes(t *testing.T) {
	tests := []struct {
		out     string
		want    uint64
		wantErr bool
	}{
		{"Avail\n52428800\n", 52428800, false},
		{"     Avail\n1073741824\n", 1073741824, false},
		{"", 0, true},
		{"Avail\n", 0, true},
		{"Avail\nnot-a-number\n", 0, true},
	}

	for _, tt := range tests {
		v, err := parseAvailBytes([]byte(tt.out))

		if tt.wantErr {
			if err == nil {
				t.Errorf("parseAvailBytes(%q): error expected", tt.out)
			}

			continue
		}

		if err != nil {
			t.Errorf("parseAvailBytes(%q): unexpected error: %s", tt.out, err)

			continue
		}

		if v != tt.want {
			t.Errorf("parseAvailBytes(%q) = %d, want %d", tt.out, v, tt.want)
		}
	}
}
