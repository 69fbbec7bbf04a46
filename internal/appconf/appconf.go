package appconf

import (
	"fmt"
	"time"

	"github.com/vmhive/vmhive/vmhive"

	"gopkg.in/gcfg.v1"
)

type CommonParams struct {
	MachineDir string `gcfg:"machine-dir"`
	MonitorDir string `gcfg:"monitor-dir"`
}

type MigrationParams struct {
	MaxConcurrent     int    `gcfg:"max-concurrent"`
	DefaultBandwidth  uint64 `gcfg:"default-bandwidth"` // bytes/s, 0 == unlimited
	IncomingPort      int    `gcfg:"incoming-port"`
	PollIntervalSec   int    `gcfg:"poll-interval"`
	DeadlineSec       int    `gcfg:"deadline"`
	MonitorTimeoutSec int    `gcfg:"monitor-timeout"`
}

func (p *MigrationParams) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSec) * time.Second
}

func (p *MigrationParams) Deadline() time.Duration {
	return time.Duration(p.DeadlineSec) * time.Second
}

func (p *MigrationParams) MonitorTimeout() time.Duration {
	return time.Duration(p.MonitorTimeoutSec) * time.Second
}

type RemoteParams struct {
	User string `gcfg:"user"`
}

type ServerParams struct {
	Socket string `gcfg:"socket"`
}

// VMHiveConfig represents the vmhive node configuration.
type VMHiveConfig struct {
	Common    CommonParams
	Migration MigrationParams
	Remote    RemoteParams
	Server    ServerParams
}

// NewConfig reads and parses the configuration file and returns
// a new instance of VMHiveConfig on success.
func NewConfig(p string) (*VMHiveConfig, error) {
	cfg := VMHiveConfig{
		Common: CommonParams{
			MachineDir: vmhive.CONFDIR,
			MonitorDir: vmhive.QMPMONDIR,
		},
		Migration: MigrationParams{
			MaxConcurrent:     1,
			IncomingPort:      vmhive.FIRST_INCOMING_PORT,
			PollIntervalSec:   1,
			DeadlineSec:       1800,
			MonitorTimeoutSec: 30,
		},
		Remote: RemoteParams{
			User: "root",
		},
		Server: ServerParams{
			Socket: "/var/run/vmhived.sock",
		},
	}

	err := gcfg.ReadFileInto(&cfg, p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %s", err)
	}

	if cfg.Migration.MaxConcurrent < 1 {
		return nil, fmt.Errorf("migration.max-concurrent must be positive")
	}

	return &cfg, nil
}
