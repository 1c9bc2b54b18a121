package env

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// machineIDApp keys the hashed machine ID so it differs from other apps.
const machineIDApp = "peridot"

// MachineID retrieves a stable ID identifying this host. It falls back to
// the hostname when the machine ID is unavailable, e.g. in containers.
func MachineID() string {
	if id, err := machineid.ProtectedID(machineIDApp); err == nil {
		return id[:16]
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "localhost"
}
