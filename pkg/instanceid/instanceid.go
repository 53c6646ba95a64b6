// Package instanceid derives a stable, privacy-preserving identifier for
// the machine the agent runs on. main logs it once at startup for log
// correlation; audit records do not carry it.
package instanceid

import "github.com/denisbrodbeck/machineid"

// appID salts the machine id so it cannot be correlated with ids other
// applications derive from the same hardware.
const appID = "saturn-copier"

// Get returns a protected, per-application machine id.
func Get() (string, error) {
	return machineid.ProtectedID(appID)
}
