// Package device reports the stable characteristics of the host running the
// client.
package device

import (
	"os"
	"runtime"

	"github.com/google/uuid"
	"github.com/layer-3/credkeeper/ports"
)

// Runtime describes the current host. Only non-PII characteristics are
// exposed through Characteristics.
type Runtime struct {
	Platform  string
	OSVersion string
	Arch      string
	ID        string
}

var _ ports.DeviceInfo = (*Runtime)(nil)

// NewRuntime fills unset fields from the Go runtime. Without an explicit id,
// a stable id is derived from the host name so the name itself never leaves
// the process.
func NewRuntime(platform, osVersion, deviceID string) *Runtime {
	if platform == "" {
		platform = runtime.GOOS
	}
	if osVersion == "" {
		osVersion = "unknown"
	}
	if deviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		deviceID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(host)).String()
	}
	return &Runtime{
		Platform:  platform,
		OSVersion: osVersion,
		Arch:      runtime.GOARCH,
		ID:        deviceID,
	}
}

func (r *Runtime) Characteristics() map[string]string {
	return map[string]string{
		"platform":   r.Platform,
		"os_version": r.OSVersion,
		"arch":       r.Arch,
	}
}

func (r *Runtime) DeviceID() string {
	return r.ID
}
