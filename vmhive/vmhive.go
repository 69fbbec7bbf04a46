package vmhive

const (
	FIRST_INCOMING_PORT = 30000

	CONFDIR = "/etc/vmhive"

	QMPMONDIR = "/var/run/vmhive-monitor"
	LOGDIR    = "/var/log/vmhive"
)

// MachineUnitName returns the name of the systemd service unit
// that supervises the QEMU process of the given machine.
func MachineUnitName(vmname string) string {
	return "vmhive@" + vmname + ".service"
}
