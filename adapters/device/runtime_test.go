package device

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRuntimeDefaults(t *testing.T) {
	r := NewRuntime("", "", "")

	assert.Equal(t, runtime.GOOS, r.Platform)
	assert.Equal(t, "unknown", r.OSVersion)
	assert.NotEmpty(t, r.DeviceID())
	assert.Equal(t, r.DeviceID(), NewRuntime("", "", "").DeviceID(), "derived id is stable")
}

func TestCharacteristics(t *testing.T) {
	r := NewRuntime("ios", "17.4", "device-1")

	assert.Equal(t, map[string]string{
		"platform":   "ios",
		"os_version": "17.4",
		"arch":       runtime.GOARCH,
	}, r.Characteristics())
	assert.Equal(t, "device-1", r.DeviceID())
}
