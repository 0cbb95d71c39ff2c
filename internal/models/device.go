package models

import "time"

// DeviceType enumerates the kinds of managed endpoint.
type DeviceType string

const (
	DeviceTypeSensor      DeviceType = "sensor"
	DeviceTypeGateway     DeviceType = "gateway"
	DeviceTypeController  DeviceType = "controller"
	DeviceTypeCamera      DeviceType = "camera"
	DeviceTypeRouter      DeviceType = "router"
	DeviceTypeSwitch      DeviceType = "switch"
	DeviceTypeAccessPoint DeviceType = "access_point"
	DeviceTypeActuator    DeviceType = "actuator"
	DeviceTypeDisplay     DeviceType = "display"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// DeviceStatus enumerates device lifecycle state.
type DeviceStatus string

const (
	DeviceStatusOnline        DeviceStatus = "online"
	DeviceStatusOffline       DeviceStatus = "offline"
	DeviceStatusMaintenance   DeviceStatus = "maintenance"
	DeviceStatusError         DeviceStatus = "error"
	DeviceStatusProvisioning  DeviceStatus = "provisioning"
	DeviceStatusDecommission  DeviceStatus = "decommissioned"
	DeviceStatusUnknown       DeviceStatus = "unknown"
)

// Device is a managed endpoint in the fleet.
type Device struct {
	Base

	Name   string       `db:"name" json:"name" validate:"required,min=1,max=255"`
	Type   DeviceType   `db:"device_type" json:"device_type" validate:"required"`
	Status DeviceStatus `db:"status" json:"status" validate:"required"`

	IPAddress string `db:"ip_address" json:"ip_address,omitempty" validate:"omitempty,ip"`
	MACAddr   string `db:"mac_address" json:"mac_address,omitempty"`
	Port      *int   `db:"port" json:"port,omitempty" validate:"omitempty,gte=0,lte=65535"`

	Manufacturer string `db:"manufacturer" json:"manufacturer,omitempty"`
	Model        string `db:"model" json:"model,omitempty"`
	SerialNumber string `db:"serial_number" json:"serial_number,omitempty"`

	Latitude  *float64 `db:"latitude" json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `db:"longitude" json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Altitude  *float64 `db:"altitude" json:"altitude,omitempty"`
	Location  string   `db:"location" json:"location,omitempty"`

	LastSeen      *time.Time `db:"last_seen" json:"last_seen,omitempty"`
	LastHeartbeat *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	UptimeSeconds *int64     `db:"uptime_seconds" json:"uptime_seconds,omitempty"`

	HealthScore     *float64 `db:"health_score" json:"health_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	BatteryLevel    *float64 `db:"battery_level" json:"battery_level,omitempty" validate:"omitempty,gte=0,lte=100"`
	SignalStrength  *float64 `db:"signal_strength" json:"signal_strength,omitempty"`

	ParentDeviceID *string `db:"parent_device_id" json:"parent_device_id,omitempty"`
	GroupID        *string `db:"group_id" json:"group_id,omitempty"`
}

// IsOnline reports whether the device's status is online.
func (d *Device) IsOnline() bool { return d.Status == DeviceStatusOnline }

// IsHealthy reports whether the device is in a state considered healthy:
// status is online or maintenance, and its health score (if set) is >= 0.7.
func (d *Device) IsHealthy() bool {
	switch d.Status {
	case DeviceStatusOnline, DeviceStatusMaintenance:
	default:
		return false
	}
	if d.HealthScore == nil {
		return true
	}
	return *d.HealthScore >= 0.7
}

// UpdateHeartbeat records a heartbeat and brings the device back online if
// it was previously offline. Matches invariant 3 in spec.md §8.
func (d *Device) UpdateHeartbeat(now time.Time) {
	d.LastHeartbeat = &now
	d.LastSeen = &now
	if d.Status == DeviceStatusOffline || d.Status == DeviceStatusUnknown {
		d.Status = DeviceStatusOnline
	}
}

// UpdateLastSeen records that the device was observed, without forcing a
// status transition.
func (d *Device) UpdateLastSeen(now time.Time) {
	d.LastSeen = &now
}

// Clone returns a deep copy of the device.
func (d *Device) Clone() *Device {
	cp := *d
	cp.Port = cloneIntPtr(d.Port)
	cp.Latitude = cloneFloatPtr(d.Latitude)
	cp.Longitude = cloneFloatPtr(d.Longitude)
	cp.Altitude = cloneFloatPtr(d.Altitude)
	cp.LastSeen = cloneTimePtr(d.LastSeen)
	cp.LastHeartbeat = cloneTimePtr(d.LastHeartbeat)
	cp.HealthScore = cloneFloatPtr(d.HealthScore)
	cp.BatteryLevel = cloneFloatPtr(d.BatteryLevel)
	cp.SignalStrength = cloneFloatPtr(d.SignalStrength)
	cp.ParentDeviceID = cloneStringPtr(d.ParentDeviceID)
	cp.GroupID = cloneStringPtr(d.GroupID)
	if d.UptimeSeconds != nil {
		v := *d.UptimeSeconds
		cp.UptimeSeconds = &v
	}
	cp.Metadata = d.Metadata.Clone()
	return &cp
}
