package monitor

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/vmhive/vmhive/internal/qmp"
	"github.com/vmhive/vmhive/internal/version"
)

// Pool represents a set of control-socket clients
// accessed by virtual machine name.
//
// The control protocol supports exactly one in-flight command
// per machine, so the pool serializes commands with a per-machine
// mutex. Different machines do not block each other.
type Pool struct {
	mu      sync.Mutex
	mondir  string
	timeout time.Duration
	table   map[string]*machineMonitor
}

type machineMonitor struct {
	mu     sync.Mutex
	client *qmp.Client
}

func NewPool(mondir string, timeout time.Duration) *Pool {
	return &Pool{
		mondir:  mondir,
		timeout: timeout,
		table:   make(map[string]*machineMonitor),
	}
}

func (p *Pool) get(vmname string) *machineMonitor {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, found := p.table[vmname]
	if !found {
		m = &machineMonitor{
			client: qmp.NewClient(filepath.Join(p.mondir, vmname+".qmp0"), p.timeout),
		}

		p.table[vmname] = m
	}

	return m
}

// Forget drops the cached client for vmname. Safe to call
// for machines that were never seen.
func (p *Pool) Forget(vmname string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.table, vmname)
}

func (p *Pool) Run(vmname string, cmd qmp.Command, res interface{}) error {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.Run(cmd, res)
}

func (p *Pool) QueryMigrate(vmname string) (*qmp.MigrationStats, error) {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.QueryMigrate()
}

func (p *Pool) QueryVersion(vmname string) (version.Version, error) {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.QueryVersion()
}

func (p *Pool) QueryStatus(vmname string) (*qmp.StatusInfo, error) {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.QueryStatus()
}

func (p *Pool) Migrate(vmname, uri string, inc, blk, detach bool) error {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.Migrate(uri, inc, blk, detach)
}

func (p *Pool) MigrateCancel(vmname string) error {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.MigrateCancel()
}

func (p *Pool) MigrateSetDowntime(vmname string, seconds float64) error {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.MigrateSetDowntime(seconds)
}

func (p *Pool) MigrateSetSpeed(vmname string, bytesPerSec uint64) error {
	m := p.get(vmname)

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.client.MigrateSetSpeed(bytesPerSec)
}
