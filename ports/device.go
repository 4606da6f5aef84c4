package ports

// DeviceInfo reports stable, non-PII device characteristics
type DeviceInfo interface {
	// Characteristics returns name/value pairs such as platform and os version
	Characteristics() map[string]string

	// DeviceID identifies the device in security events
	DeviceID() string
}
