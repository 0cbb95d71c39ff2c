package repository

import (
	"context"
	"testing"
	"time"

	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

const deviceSchema = `
CREATE TABLE devices (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	deleted_at TIMESTAMP,
	metadata TEXT,
	name TEXT NOT NULL,
	device_type TEXT NOT NULL,
	status TEXT NOT NULL,
	ip_address TEXT,
	mac_address TEXT,
	port INTEGER,
	manufacturer TEXT,
	model TEXT,
	serial_number TEXT,
	latitude REAL,
	longitude REAL,
	altitude REAL,
	location TEXT,
	last_seen TIMESTAMP,
	last_heartbeat TIMESTAMP,
	uptime_seconds BIGINT,
	health_score REAL,
	battery_level REAL,
	signal_strength REAL,
	parent_device_id TEXT,
	group_id TEXT
);`

func newTestDeviceRepo(t *testing.T) *DeviceRepository {
	t.Helper()
	db, err := sqlx.Connect("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(deviceSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return NewDeviceRepository(db)
}

func f64(v float64) *float64 { return &v }

func seedDevice(t *testing.T, repo *DeviceRepository, mutate func(*models.Device)) *models.Device {
	t.Helper()
	d := &models.Device{
		Name:   "sensor-1",
		Type:   models.DeviceTypeSensor,
		Status: models.DeviceStatusOnline,
	}
	if mutate != nil {
		mutate(d)
	}
	if err := repo.Create(context.Background(), d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func TestDeviceRepositoryGetByIPAddress(t *testing.T) {
	repo := newTestDeviceRepo(t)
	seedDevice(t, repo, func(d *models.Device) { d.IPAddress = "10.0.0.5" })

	got, err := repo.GetByIPAddress(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("GetByIPAddress: %v", err)
	}
	if got == nil {
		t.Fatal("expected a match")
	}
	if got.IPAddress != "10.0.0.5" {
		t.Errorf("IPAddress = %q, want 10.0.0.5", got.IPAddress)
	}

	miss, err := repo.GetByIPAddress(context.Background(), "10.0.0.99")
	if err != nil {
		t.Fatalf("GetByIPAddress miss: %v", err)
	}
	if miss != nil {
		t.Errorf("expected nil for an unknown IP, got %v", miss)
	}
}

func TestDeviceRepositoryGetByMACAndSerial(t *testing.T) {
	repo := newTestDeviceRepo(t)
	seedDevice(t, repo, func(d *models.Device) {
		d.MACAddr = "aa:bb:cc:dd:ee:ff"
		d.SerialNumber = "SN-1"
	})

	byMAC, err := repo.GetByMACAddress(context.Background(), "aa:bb:cc:dd:ee:ff")
	if err != nil || byMAC == nil {
		t.Fatalf("GetByMACAddress: got=%v err=%v", byMAC, err)
	}
	bySerial, err := repo.GetBySerialNumber(context.Background(), "SN-1")
	if err != nil || bySerial == nil {
		t.Fatalf("GetBySerialNumber: got=%v err=%v", bySerial, err)
	}
}

func TestDeviceRepositoryListByStatusOrdersByLastSeenDesc(t *testing.T) {
	repo := newTestDeviceRepo(t)
	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()

	a := seedDevice(t, repo, func(d *models.Device) { d.Name = "a" })
	b := seedDevice(t, repo, func(d *models.Device) { d.Name = "b" })
	if _, err := repo.Update(context.Background(), a.ID, map[string]any{"last_seen": older}); err != nil {
		t.Fatalf("Update a: %v", err)
	}
	if _, err := repo.Update(context.Background(), b.ID, map[string]any{"last_seen": newer}); err != nil {
		t.Fatalf("Update b: %v", err)
	}

	out, err := repo.ListByStatus(context.Background(), models.DeviceStatusOnline, ListOptions{})
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].ID != b.ID {
		t.Errorf("out[0].ID = %s, want most-recently-seen device %s first", out[0].ID, b.ID)
	}
}

func TestDeviceRepositoryListByTypeAndGroup(t *testing.T) {
	repo := newTestDeviceRepo(t)
	seedDevice(t, repo, func(d *models.Device) { d.Type = models.DeviceTypeGateway })
	gid := "group-1"
	seedDevice(t, repo, func(d *models.Device) { d.GroupID = &gid })

	gateways, err := repo.ListByType(context.Background(), models.DeviceTypeGateway, ListOptions{})
	if err != nil {
		t.Fatalf("ListByType: %v", err)
	}
	if len(gateways) != 1 {
		t.Fatalf("len(gateways) = %d, want 1", len(gateways))
	}

	grouped, err := repo.ListByGroup(context.Background(), gid, ListOptions{})
	if err != nil {
		t.Fatalf("ListByGroup: %v", err)
	}
	if len(grouped) != 1 || grouped[0].GroupID == nil || *grouped[0].GroupID != gid {
		t.Fatalf("ListByGroup = %+v, want one device in group %s", grouped, gid)
	}
}

func TestDeviceRepositoryListOnlineAndOffline(t *testing.T) {
	repo := newTestDeviceRepo(t)
	seedDevice(t, repo, func(d *models.Device) { d.Status = models.DeviceStatusOnline })
	seedDevice(t, repo, func(d *models.Device) { d.Status = models.DeviceStatusOffline })

	online, err := repo.ListOnline(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("ListOnline: %v", err)
	}
	if len(online) != 1 {
		t.Errorf("len(online) = %d, want 1", len(online))
	}

	offline, err := repo.ListOffline(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("ListOffline: %v", err)
	}
	if len(offline) != 1 {
		t.Errorf("len(offline) = %d, want 1", len(offline))
	}
}

func TestDeviceRepositoryListByLocationFiltersByRadiusAndOrdersByDistance(t *testing.T) {
	repo := newTestDeviceRepo(t)
	// San Francisco
	near := seedDevice(t, repo, func(d *models.Device) {
		d.Name = "near"
		d.Latitude, d.Longitude = f64(37.7749), f64(-122.4194)
	})
	// Oakland, roughly 13km from SF
	mid := seedDevice(t, repo, func(d *models.Device) {
		d.Name = "mid"
		d.Latitude, d.Longitude = f64(37.8044), f64(-122.2712)
	})
	// New York, far outside any reasonable radius
	seedDevice(t, repo, func(d *models.Device) {
		d.Name = "far"
		d.Latitude, d.Longitude = f64(40.7128), f64(-74.0060)
	})
	// no coordinates at all
	seedDevice(t, repo, func(d *models.Device) { d.Name = "no-location" })

	out, err := repo.ListByLocation(context.Background(), 37.7749, -122.4194, 50, ListOptions{})
	if err != nil {
		t.Fatalf("ListByLocation: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (near + mid, far excluded)", len(out))
	}
	if out[0].ID != near.ID || out[1].ID != mid.ID {
		t.Errorf("ListByLocation order = [%s, %s], want [near, mid] by ascending distance", out[0].Name, out[1].Name)
	}
}

func TestDeviceRepositoryListStaleOnlyMatchesOnlineDevices(t *testing.T) {
	repo := newTestDeviceRepo(t)
	staleTime := time.Now().UTC().Add(-2 * time.Hour)
	freshTime := time.Now().UTC()

	stale := seedDevice(t, repo, func(d *models.Device) { d.Name = "stale-online" })
	if _, err := repo.Update(context.Background(), stale.ID, map[string]any{"last_seen": staleTime}); err != nil {
		t.Fatalf("Update stale: %v", err)
	}
	fresh := seedDevice(t, repo, func(d *models.Device) { d.Name = "fresh-online" })
	if _, err := repo.Update(context.Background(), fresh.ID, map[string]any{"last_seen": freshTime}); err != nil {
		t.Fatalf("Update fresh: %v", err)
	}
	staleOffline := seedDevice(t, repo, func(d *models.Device) {
		d.Name = "stale-offline"
		d.Status = models.DeviceStatusOffline
	})
	if _, err := repo.Update(context.Background(), staleOffline.ID, map[string]any{"last_seen": staleTime}); err != nil {
		t.Fatalf("Update stale offline: %v", err)
	}

	out, err := repo.ListStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(out) != 1 || out[0].ID != stale.ID {
		t.Fatalf("ListStale = %+v, want only %s", out, stale.ID)
	}
}

func TestDeviceRepositoryListUnhealthyAndLowBattery(t *testing.T) {
	repo := newTestDeviceRepo(t)
	unhealthy := seedDevice(t, repo, func(d *models.Device) { d.HealthScore = f64(0.2) })
	seedDevice(t, repo, func(d *models.Device) { d.HealthScore = f64(0.9) })
	lowBattery := seedDevice(t, repo, func(d *models.Device) { d.BatteryLevel = f64(5) })
	seedDevice(t, repo, func(d *models.Device) { d.BatteryLevel = f64(80) })

	unhealthyOut, err := repo.ListUnhealthy(context.Background(), 0.5)
	if err != nil {
		t.Fatalf("ListUnhealthy: %v", err)
	}
	if len(unhealthyOut) != 1 || unhealthyOut[0].ID != unhealthy.ID {
		t.Fatalf("ListUnhealthy = %+v, want only %s", unhealthyOut, unhealthy.ID)
	}

	lowBatteryOut, err := repo.ListLowBattery(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListLowBattery: %v", err)
	}
	if len(lowBatteryOut) != 1 || lowBatteryOut[0].ID != lowBattery.ID {
		t.Fatalf("ListLowBattery = %+v, want only %s", lowBatteryOut, lowBattery.ID)
	}
}

func TestDeviceRepositorySearchDevices(t *testing.T) {
	repo := newTestDeviceRepo(t)
	seedDevice(t, repo, func(d *models.Device) { d.Manufacturer = "Acme Robotics" })
	seedDevice(t, repo, func(d *models.Device) { d.Manufacturer = "Contoso" })

	out, err := repo.SearchDevices(context.Background(), "Acme", ListOptions{})
	if err != nil {
		t.Fatalf("SearchDevices: %v", err)
	}
	if len(out) != 1 || out[0].Manufacturer != "Acme Robotics" {
		t.Fatalf("SearchDevices = %+v, want exactly the Acme device", out)
	}
}

func TestDeviceRepositoryStatisticsAggregates(t *testing.T) {
	repo := newTestDeviceRepo(t)
	seedDevice(t, repo, func(d *models.Device) {
		d.Status = models.DeviceStatusOnline
		d.Type = models.DeviceTypeSensor
		d.HealthScore = f64(0.8)
	})
	seedDevice(t, repo, func(d *models.Device) {
		d.Status = models.DeviceStatusOffline
		d.Type = models.DeviceTypeGateway
		d.HealthScore = f64(0.4)
	})

	stats, err := repo.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats["total_devices"] != 2 {
		t.Errorf("total_devices = %v, want 2", stats["total_devices"])
	}
	statusDist := stats["status_distribution"].(map[string]int)
	if statusDist["online"] != 1 || statusDist["offline"] != 1 {
		t.Errorf("status_distribution = %+v, want 1 online and 1 offline", statusDist)
	}
}

func TestDeviceRepositoryUpdateLastSeen(t *testing.T) {
	repo := newTestDeviceRepo(t)
	d := seedDevice(t, repo, nil)

	ts := time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Second)
	ok, err := repo.UpdateLastSeen(context.Background(), d.ID, ts)
	if err != nil || !ok {
		t.Fatalf("UpdateLastSeen: ok=%v err=%v", ok, err)
	}

	got, err := repo.Get(context.Background(), d.ID, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(ts) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, ts)
	}
}

func TestDeviceRepositoryUpdateHeartbeatBringsOfflineDeviceBackOnline(t *testing.T) {
	repo := newTestDeviceRepo(t)
	d := seedDevice(t, repo, func(d *models.Device) { d.Status = models.DeviceStatusOffline })

	ok, err := repo.UpdateHeartbeat(context.Background(), d.ID, time.Time{})
	if err != nil || !ok {
		t.Fatalf("UpdateHeartbeat: ok=%v err=%v", ok, err)
	}

	got, err := repo.Get(context.Background(), d.ID, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.DeviceStatusOnline {
		t.Errorf("Status = %v, want online after heartbeat", got.Status)
	}
	if got.LastHeartbeat == nil {
		t.Error("expected LastHeartbeat to be set")
	}
}

func TestDeviceRepositoryUpdateHeartbeatOnUnknownDeviceIsNoop(t *testing.T) {
	repo := newTestDeviceRepo(t)
	ok, err := repo.UpdateHeartbeat(context.Background(), "does-not-exist", time.Time{})
	if err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	if ok {
		t.Error("expected UpdateHeartbeat on an unknown device to report false")
	}
}

func TestDeviceRepositoryMarkOffline(t *testing.T) {
	repo := newTestDeviceRepo(t)
	a := seedDevice(t, repo, nil)
	b := seedDevice(t, repo, nil)

	n, err := repo.MarkOffline(context.Background(), []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}

	got, err := repo.Get(context.Background(), a.ID, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.DeviceStatusOffline {
		t.Errorf("Status = %v, want offline", got.Status)
	}
}
