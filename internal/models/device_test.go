package models

import (
	"testing"
	"time"
)

func TestDeviceIsOnline(t *testing.T) {
	d := &Device{Status: DeviceStatusOnline}
	if !d.IsOnline() {
		t.Error("IsOnline() = false, want true")
	}
	d.Status = DeviceStatusOffline
	if d.IsOnline() {
		t.Error("IsOnline() = true, want false")
	}
}

func TestDeviceIsHealthy(t *testing.T) {
	tests := []struct {
		name   string
		status DeviceStatus
		health *float64
		want   bool
	}{
		{"online no health score", DeviceStatusOnline, nil, true},
		{"online high health", DeviceStatusOnline, ptrF(0.9), true},
		{"online low health", DeviceStatusOnline, ptrF(0.5), false},
		{"maintenance high health", DeviceStatusMaintenance, ptrF(0.8), true},
		{"offline", DeviceStatusOffline, ptrF(1.0), false},
		{"error", DeviceStatusError, nil, false},
	}
	for _, tc := range tests {
		d := &Device{Status: tc.status, HealthScore: tc.health}
		if got := d.IsHealthy(); got != tc.want {
			t.Errorf("%s: IsHealthy() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDeviceUpdateHeartbeatBringsOfflineDeviceOnline(t *testing.T) {
	d := &Device{Status: DeviceStatusOffline}
	now := time.Now().UTC()
	d.UpdateHeartbeat(now)

	if d.Status != DeviceStatusOnline {
		t.Errorf("Status = %v, want online", d.Status)
	}
	if d.LastHeartbeat == nil || !d.LastHeartbeat.Equal(now) {
		t.Errorf("LastHeartbeat = %v, want %v", d.LastHeartbeat, now)
	}
	if d.LastSeen == nil || !d.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", d.LastSeen, now)
	}
}

func TestDeviceUpdateHeartbeatLeavesOtherStatusesAlone(t *testing.T) {
	d := &Device{Status: DeviceStatusMaintenance}
	d.UpdateHeartbeat(time.Now().UTC())
	if d.Status != DeviceStatusMaintenance {
		t.Errorf("Status = %v, want unchanged maintenance", d.Status)
	}
}

func TestDeviceUpdateLastSeenDoesNotChangeStatus(t *testing.T) {
	d := &Device{Status: DeviceStatusOffline}
	d.UpdateLastSeen(time.Now().UTC())
	if d.Status != DeviceStatusOffline {
		t.Errorf("Status = %v, want unchanged offline", d.Status)
	}
	if d.LastSeen == nil {
		t.Error("expected LastSeen to be set")
	}
}

func TestDeviceCloneIsDeep(t *testing.T) {
	lat := 37.7749
	d := &Device{
		Name:     "original",
		Latitude: &lat,
		Base:     Base{Metadata: Metadata{"tag": "a"}},
	}
	clone := d.Clone()

	*clone.Latitude = 0
	if *d.Latitude != 37.7749 {
		t.Errorf("mutating clone's Latitude affected original: %v", *d.Latitude)
	}

	clone.Metadata["tag"] = "b"
	if d.Metadata["tag"] != "a" {
		t.Errorf("mutating clone's Metadata affected original: %v", d.Metadata["tag"])
	}

	clone.Name = "changed"
	if d.Name != "original" {
		t.Errorf("mutating clone's Name affected original: %v", d.Name)
	}
}

func TestDeviceCloneHandlesNilPointers(t *testing.T) {
	d := &Device{Name: "bare"}
	clone := d.Clone()
	if clone.Latitude != nil || clone.Longitude != nil || clone.HealthScore != nil {
		t.Error("expected nil optional fields to remain nil after Clone")
	}
}

func ptrF(v float64) *float64 { return &v }
