package migration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vmhive/vmhive/internal/version"
	"github.com/vmhive/vmhive/vmhive"
)

// minBandwidth is the lowest transfer cap that still lets
// a migration converge. 1 MB/s.
const minBandwidth = 1 << 20

const preflightTimeout = 60 * time.Second

// minHypervisorVersion is the oldest hypervisor that supports
// the migrate-set-parameters tunables the pipelines rely on.
var minHypervisorVersion = version.New(2, 12, 0)

type preflightCheck struct {
	name string
	run  func(ctx context.Context) error
}

// preflight runs all applicable checks and returns the names
// of the ones that failed. All checks run even after a failure
// so the caller sees the complete list at once.
func (m *Manager) preflight(cfg *Config) []string {
	ctx, cancel := context.WithTimeout(context.Background(), preflightTimeout)
	defer cancel()

	checks := []preflightCheck{
		{
			name: "target-reachable",
			run: func(ctx context.Context) error {
				return m.exec.Run(ctx, cfg.TargetNode, "true")
			},
		},
		{
			name: "resource-headroom",
			run: func(ctx context.Context) error {
				return m.checkHeadroom(ctx, cfg)
			},
		},
		{
			name: "bandwidth",
			run: func(ctx context.Context) error {
				limit := cfg.BandwidthLimit
				if limit == 0 {
					m.mu.RLock()
					limit = m.defaultBandwidth
					m.mu.RUnlock()
				}

				if limit != 0 && limit < minBandwidth {
					return fmt.Errorf("transfer cap of %d bytes/s is below the %d bytes/s minimum", limit, minBandwidth)
				}

				return nil
			},
		},
		{
			name: "cpu-compatible",
			run: func(ctx context.Context) error {
				return m.checkCPUFlags(ctx, cfg.TargetNode)
			},
		},
		{
			name: "shared-storage",
			run: func(ctx context.Context) error {
				return m.checkSharedStorage(ctx, cfg)
			},
		},
	}

	// The control socket is only reachable while the guest runs,
	// and an offline move works on any hypervisor.
	if cfg.Mode != ModeOffline {
		checks = append(checks, preflightCheck{
			name: "hypervisor-version",
			run: func(ctx context.Context) error {
				v, err := m.mon.QueryVersion(cfg.Machine)
				if err != nil {
					return err
				}

				if !v.AtLeast(minHypervisorVersion) {
					return fmt.Errorf("hypervisor %s is older than the supported minimum %s", v, minHypervisorVersion)
				}

				return nil
			},
		})
	}

	var failed []string

	for _, c := range checks {
		if err := c.run(ctx); err != nil {
			m.logger.WithField("machine", cfg.Machine).Warnf("Pre-flight check %s failed: %s", c.name, err)

			failed = append(failed, c.name)
		}
	}

	return failed
}

// checkHeadroom verifies the target node has enough available memory
// to host the machine.
func (m *Manager) checkHeadroom(ctx context.Context, cfg *Config) error {
	machine, err := vmhive.LoadMachine(m.machineDir, cfg.Machine)
	if err != nil {
		return err
	}

	out, err := m.exec.Output(ctx, cfg.TargetNode, "grep", "-m1", "MemAvailable", "/proc/meminfo")
	if err != nil {
		return err
	}

	availKB, err := parseMeminfoKB(out)
	if err != nil {
		return err
	}

	if need := uint64(machine.Memory) << 20; availKB<<10 < need {
		return fmt.Errorf("target has %d KB available, machine needs %d MB", availKB, machine.Memory)
	}

	return nil
}

// checkCPUFlags verifies the target CPU exposes every feature flag
// of the source CPU. A guest started with features the target lacks
// would crash after the switchover.
func (m *Manager) checkCPUFlags(ctx context.Context, targetNode string) error {
	local, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return err
	}

	rem, err := m.exec.Output(ctx, targetNode, "grep", "-m1", "^flags", "/proc/cpuinfo")
	if err != nil {
		return err
	}

	localFlags := cpuFlags(local)
	remoteFlags := cpuFlags(rem)

	if len(localFlags) == 0 || len(remoteFlags) == 0 {
		return fmt.Errorf("unable to read CPU feature flags")
	}

	for f := range localFlags {
		if _, ok := remoteFlags[f]; !ok {
			return fmt.Errorf("target CPU is missing feature %q", f)
		}
	}

	return nil
}

// checkSharedStorage verifies that every machine disk that is not
// scheduled for copying is already visible on the target node.
func (m *Manager) checkSharedStorage(ctx context.Context, cfg *Config) error {
	machine, err := vmhive.LoadMachine(m.machineDir, cfg.Machine)
	if err != nil {
		return err
	}

	copied := make(map[string]struct{}, len(cfg.Disks))

	for _, d := range cfg.Disks {
		copied[d.SourcePath] = struct{}{}
	}

	for _, d := range machine.Disks {
		if _, ok := copied[d.SourcePath]; ok {
			continue
		}

		if err := m.exec.Run(ctx, cfg.TargetNode, "test", "-e", d.SourcePath); err != nil {
			return fmt.Errorf("disk %s is not visible on %s", d.SourcePath, cfg.TargetNode)
		}
	}

	return nil
}

// parseMeminfoKB extracts the kB value from a meminfo line
// such as "MemAvailable:    8062712 kB".
func parseMeminfoKB(out []byte) (uint64, error) {
	fields := bytes.Fields(out)

	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected meminfo output: %q", string(out))
	}

	v, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected meminfo output: %q", string(out))
	}

	return v, nil
}

// cpuFlags parses the flag set from a cpuinfo "flags" line.
func cpuFlags(b []byte) map[string]struct{} {
	flags := make(map[string]struct{})

	for _, line := range bytes.Split(b, []byte{'\n'}) {
		if !bytes.HasPrefix(line, []byte("flags")) {
			continue
		}

		parts := bytes.SplitN(line, []byte{':'}, 2)
		if len(parts) != 2 {
			continue
		}

		for _, f := range bytes.Fields(parts[1]) {
			flags[string(f)] = struct{}{}
		}

		break
	}

	return flags
}
