package vmhive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Machine represents a virtual machine configuration
// as stored in the machine directory on a cluster node.
type Machine struct {
	Name      string        `yaml:"name"`
	Memory    int           `yaml:"memory"` // MB
	CPUs      int           `yaml:"cpus"`
	Disks     []BlockDevice `yaml:"disks"`
	NetIfaces []NetIface    `yaml:"net_ifaces"`
}

type NetIface struct {
	Ifname  string `yaml:"ifname"`
	HwAddr  string `yaml:"hwaddr"`
	Network string `yaml:"network"`
}

func (m *Machine) Validate() error {
	if len(strings.TrimSpace(m.Name)) == 0 {
		return &ValidationError{Field: "name", Reason: "empty machine name"}
	}

	for idx, d := range m.Disks {
		if len(strings.TrimSpace(d.SourcePath)) == 0 {
			return &ValidationError{Field: "disks", Reason: fmt.Sprintf("disk #%d has an empty path", idx)}
		}
	}

	return nil
}

// MachineConfigFile returns the path to the machine configuration
// file within the given config directory.
func MachineConfigFile(confdir, vmname string) string {
	return filepath.Join(confdir, vmname, "config")
}

// ConfigExists reports whether the machine configuration
// file is present in confdir.
func ConfigExists(confdir, vmname string) bool {
	st, err := os.Stat(MachineConfigFile(confdir, vmname))

	return err == nil && st.Mode().IsRegular()
}

// LoadMachine reads and parses the machine configuration from confdir.
func LoadMachine(confdir, vmname string) (*Machine, error) {
	b, err := os.ReadFile(MachineConfigFile(confdir, vmname))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("machine %s: %w", vmname, ErrNotFound)
		}

		return nil, err
	}

	m := Machine{Name: vmname}

	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("malformed machine config %s: %w", vmname, err)
	}

	return &m, nil
}

// Save writes the machine configuration into confdir,
// creating the machine directory if needed.
func (m *Machine) Save(confdir string) error {
	if err := m.Validate(); err != nil {
		return err
	}

	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(confdir, m.Name), 0755); err != nil {
		return err
	}

	return os.WriteFile(MachineConfigFile(confdir, m.Name), b, 0644)
}
