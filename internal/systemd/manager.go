// Package systemd wraps the systemd dbus API for controlling
// the per-machine supervisor units on the local node.
package systemd

import (
	"fmt"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

type UnitStatus struct {
	Name        string // The primary unit name as string
	LoadState   string // The load state (i.e. whether the unit file has been loaded successfully)
	ActiveState string // The active state (i.e. whether the unit is currently started or not)
	SubState    string // The sub state (a more fine-grained version of the active state)
}

func (s *UnitStatus) IsRunning() bool {
	return s.ActiveState == "active" && s.SubState == "running"
}

type Manager struct {
	conn *dbus.Conn
}

func NewManager() (*Manager, error) {
	c, err := dbus.New()
	if err != nil {
		return nil, err
	}

	return &Manager{conn: c}, nil
}

func (m *Manager) Close() {
	m.conn.Close()
}

func (m *Manager) Enable(unitname string) error {
	if _, _, err := m.conn.EnableUnitFiles([]string{unitname}, false, true); err != nil {
		return err
	}

	return nil
}

func (m *Manager) Disable(unitname string) error {
	if _, err := m.conn.DisableUnitFiles([]string{unitname}, false); err != nil {
		return err
	}

	m.conn.ResetFailedUnit(unitname)

	return nil
}

func (m *Manager) Kill(unitname string, signal syscall.Signal) {
	m.conn.KillUnit(unitname, int32(signal))
}

func (m *Manager) Start(unitname string) error {
	if _, err := m.conn.StartUnit(unitname, "replace", nil); err != nil {
		return err
	}

	return nil
}

// StartAndTest starts the unit and waits until it reports
// an active/running state. A unit that has not reached the running
// state within the interval is treated as a failed start, even when
// the start command itself succeeded.
func (m *Manager) StartAndTest(unitname string, interval time.Duration) error {
	if _, err := m.conn.StartUnit(unitname, "replace", nil); err != nil {
		return err
	}

	deadline := time.Now().Add(interval)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("activation timeout: %s is not running after %s", unitname, interval)
		}

		<-ticker.C

		unit, err := m.GetUnit(unitname)
		if err != nil {
			return err
		}

		switch unit.ActiveState {
		case "active":
			if unit.SubState == "running" {
				return nil
			}
		case "failed":
			return fmt.Errorf("unit %s entered the failed state", unitname)
		}
	}
}

func (m *Manager) Stop(unitname string) error {
	if _, err := m.conn.StopUnit(unitname, "replace", nil); err != nil {
		return err
	}

	return nil
}

// StopAndWait stops the unit and waits for its deactivation.
func (m *Manager) StopAndWait(unitname string, interval time.Duration) error {
	if _, err := m.conn.StopUnit(unitname, "replace", nil); err != nil {
		return err
	}

	deadline := time.Now().Add(interval)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("deactivation timeout: %s is still active after %s", unitname, interval)
		}

		<-ticker.C

		unit, err := m.GetUnit(unitname)
		if err != nil {
			return err
		}

		switch unit.ActiveState {
		case "inactive", "failed":
			return nil
		}
	}
}

func (m *Manager) Restart(unitname string) error {
	if _, err := m.conn.RestartUnit(unitname, "replace", nil); err != nil {
		return err
	}

	return nil
}

// GetAllUnits returns the status of every unit matching the pattern.
func (m *Manager) GetAllUnits(pattern string) ([]*UnitStatus, error) {
	raw, err := m.conn.ListUnitsByPatterns(nil, []string{pattern})
	if err != nil {
		return nil, err
	}

	units := make([]*UnitStatus, 0, len(raw))

	for _, u := range raw {
		units = append(units, &UnitStatus{
			Name:        u.Name,
			LoadState:   u.LoadState,
			ActiveState: u.ActiveState,
			SubState:    u.SubState,
		})
	}

	return units, nil
}

func (m *Manager) GetUnit(unitname string) (*UnitStatus, error) {
	raw, err := m.conn.ListUnitsByNames([]string{unitname})
	if err != nil {
		return nil, err
	}

	if len(raw) != 1 {
		return nil, fmt.Errorf("unit not found: %s", unitname)
	}

	return &UnitStatus{
		Name:        raw[0].Name,
		LoadState:   raw[0].LoadState,
		ActiveState: raw[0].ActiveState,
		SubState:    raw[0].SubState,
	}, nil
}
