package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"
)

// DeviceRepository layers device-specific queries on top of the generic
// core, grounded on original_source's
// persistence/repositories/device.py DeviceRepository.
type DeviceRepository struct {
	*Repository[*models.Device]
}

// NewDeviceRepository constructs a DeviceRepository backed by db.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{Repository: New[*models.Device](db, "devices")}
}

func (r *DeviceRepository) getOneWhere(ctx context.Context, clause string, args ...any) (*models.Device, error) {
	query := fmt.Sprintf("SELECT %s FROM devices WHERE %s AND is_deleted = false LIMIT 1",
		joinColumns(r.Columns()), clause)
	var out models.Device
	if err := r.DB().GetContext(ctx, &out, r.DB().Rebind(query), args...); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, &errs.Repository{Op: "device_lookup", Cause: err}
	}
	return &out, nil
}

// GetByIPAddress finds a device by its IP address.
func (r *DeviceRepository) GetByIPAddress(ctx context.Context, ip string) (*models.Device, error) {
	return r.getOneWhere(ctx, "ip_address = ?", ip)
}

// GetByMACAddress finds a device by its MAC address.
func (r *DeviceRepository) GetByMACAddress(ctx context.Context, mac string) (*models.Device, error) {
	return r.getOneWhere(ctx, "mac_address = ?", mac)
}

// GetBySerialNumber finds a device by its serial number.
func (r *DeviceRepository) GetBySerialNumber(ctx context.Context, serial string) (*models.Device, error) {
	return r.getOneWhere(ctx, "serial_number = ?", serial)
}

// ListByStatus returns devices in the given status, most recently seen first.
func (r *DeviceRepository) ListByStatus(ctx context.Context, status models.DeviceStatus, opts ListOptions) ([]*models.Device, error) {
	opts.OrderBy, opts.OrderDesc = "last_seen", true
	return r.List(ctx, Filter{"status": string(status)}, opts)
}

// ListByType returns devices of the given type, ordered by name.
func (r *DeviceRepository) ListByType(ctx context.Context, t models.DeviceType, opts ListOptions) ([]*models.Device, error) {
	opts.OrderBy, opts.OrderDesc = "name", false
	return r.List(ctx, Filter{"device_type": string(t)}, opts)
}

// ListByGroup returns devices belonging to groupID.
func (r *DeviceRepository) ListByGroup(ctx context.Context, groupID string, opts ListOptions) ([]*models.Device, error) {
	opts.OrderBy, opts.OrderDesc = "name", false
	return r.List(ctx, Filter{"group_id": groupID}, opts)
}

// ListOnline returns all online devices.
func (r *DeviceRepository) ListOnline(ctx context.Context, opts ListOptions) ([]*models.Device, error) {
	return r.ListByStatus(ctx, models.DeviceStatusOnline, opts)
}

// ListOffline returns all offline devices.
func (r *DeviceRepository) ListOffline(ctx context.Context, opts ListOptions) ([]*models.Device, error) {
	return r.ListByStatus(ctx, models.DeviceStatusOffline, opts)
}

// ListByLocation returns devices within radiusKm of (lat, lon), ordered by
// distance, using the Haversine great-circle formula evaluated in Go
// (rather than PostGIS, since neither supported driver offers it).
func (r *DeviceRepository) ListByLocation(ctx context.Context, lat, lon, radiusKm float64, opts ListOptions) ([]*models.Device, error) {
	query := fmt.Sprintf("SELECT %s FROM devices WHERE latitude IS NOT NULL AND longitude IS NOT NULL AND is_deleted = false",
		joinColumns(r.Columns()))
	var candidates []*models.Device
	if err := r.DB().SelectContext(ctx, &candidates, query); err != nil {
		return nil, &errs.Repository{Op: "list_by_location", Cause: err}
	}

	type scored struct {
		d    *models.Device
		dist float64
	}
	var within []scored
	for _, d := range candidates {
		dist := haversineKm(lat, lon, *d.Latitude, *d.Longitude)
		if dist <= radiusKm {
			within = append(within, scored{d, dist})
		}
	}
	for i := 1; i < len(within); i++ {
		for j := i; j > 0 && within[j-1].dist > within[j].dist; j-- {
			within[j-1], within[j] = within[j], within[j-1]
		}
	}

	skip, limit := opts.Skip, opts.limit()
	if skip >= len(within) {
		return []*models.Device{}, nil
	}
	end := skip + limit
	if end > len(within) {
		end = len(within)
	}
	out := make([]*models.Device, 0, end-skip)
	for _, s := range within[skip:end] {
		out = append(out, s.d)
	}
	return out, nil
}

// haversineKm computes the great-circle distance between two points in km.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	sinHalfLat := math.Sin(dLat / 2)
	sinHalfLon := math.Sin(dLon / 2)
	a := sinHalfLat*sinHalfLat + math.Cos(rad(lat1))*math.Cos(rad(lat2))*sinHalfLon*sinHalfLon
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// ListStale returns online devices not seen within the given staleness
// window.
func (r *DeviceRepository) ListStale(ctx context.Context, staleSince time.Duration) ([]*models.Device, error) {
	threshold := time.Now().UTC().Add(-staleSince)
	query := fmt.Sprintf(
		"SELECT %s FROM devices WHERE last_seen < ? AND status = ? AND is_deleted = false ORDER BY last_seen",
		joinColumns(r.Columns()))
	var out []*models.Device
	if err := r.DB().SelectContext(ctx, &out, r.DB().Rebind(query), threshold, string(models.DeviceStatusOnline)); err != nil {
		return nil, &errs.Repository{Op: "list_stale", Cause: err}
	}
	return out, nil
}

// ListUnhealthy returns devices with a health score below threshold.
func (r *DeviceRepository) ListUnhealthy(ctx context.Context, threshold float64) ([]*models.Device, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM devices WHERE health_score < ? AND health_score IS NOT NULL AND is_deleted = false ORDER BY health_score",
		joinColumns(r.Columns()))
	var out []*models.Device
	if err := r.DB().SelectContext(ctx, &out, r.DB().Rebind(query), threshold); err != nil {
		return nil, &errs.Repository{Op: "list_unhealthy", Cause: err}
	}
	return out, nil
}

// ListLowBattery returns devices with a battery level below threshold.
func (r *DeviceRepository) ListLowBattery(ctx context.Context, threshold float64) ([]*models.Device, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM devices WHERE battery_level < ? AND battery_level IS NOT NULL AND is_deleted = false ORDER BY battery_level",
		joinColumns(r.Columns()))
	var out []*models.Device
	if err := r.DB().SelectContext(ctx, &out, r.DB().Rebind(query), threshold); err != nil {
		return nil, &errs.Repository{Op: "list_low_battery", Cause: err}
	}
	return out, nil
}

// SearchDevices searches name/location/manufacturer/model/serial_number.
func (r *DeviceRepository) SearchDevices(ctx context.Context, term string, opts ListOptions) ([]*models.Device, error) {
	return r.Search(ctx, term, []string{"name", "location", "manufacturer", "model", "serial_number"}, opts)
}

// Statistics returns total/status-distribution/type-distribution/health
// aggregates, matching original_source's get_device_statistics.
func (r *DeviceRepository) Statistics(ctx context.Context) (map[string]any, error) {
	total, err := r.Count(ctx, nil, false)
	if err != nil {
		return nil, err
	}

	statusCounts := map[string]int{}
	rows, err := r.DB().QueryxContext(ctx, "SELECT status, COUNT(*) FROM devices WHERE is_deleted = false GROUP BY status")
	if err != nil {
		return nil, &errs.Repository{Op: "device_statistics_status", Cause: err}
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, &errs.Repository{Op: "device_statistics_status_scan", Cause: err}
		}
		statusCounts[status] = count
	}
	rows.Close()

	typeCounts := map[string]int{}
	rows, err = r.DB().QueryxContext(ctx, "SELECT device_type, COUNT(*) FROM devices WHERE is_deleted = false GROUP BY device_type")
	if err != nil {
		return nil, &errs.Repository{Op: "device_statistics_type", Cause: err}
	}
	for rows.Next() {
		var t string
		var count int
		if err := rows.Scan(&t, &count); err != nil {
			rows.Close()
			return nil, &errs.Repository{Op: "device_statistics_type_scan", Cause: err}
		}
		typeCounts[t] = count
	}
	rows.Close()

	var avgHealth, minHealth, maxHealth *float64
	row := r.DB().QueryRowxContext(ctx,
		"SELECT AVG(health_score), MIN(health_score), MAX(health_score) FROM devices WHERE health_score IS NOT NULL AND is_deleted = false")
	if err := row.Scan(&avgHealth, &minHealth, &maxHealth); err != nil {
		return nil, &errs.Repository{Op: "device_statistics_health", Cause: err}
	}

	return map[string]any{
		"total_devices":      total,
		"status_distribution": statusCounts,
		"type_distribution":   typeCounts,
		"health_statistics": map[string]any{
			"average_health": avgHealth,
			"min_health":     minHealth,
			"max_health":     maxHealth,
		},
	}, nil
}

// UpdateLastSeen records that deviceID was observed at ts (now if zero).
func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) (bool, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.Update(ctx, deviceID, map[string]any{"last_seen": ts})
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateHeartbeat records a heartbeat for deviceID at ts (now if zero),
// flipping offline/unknown devices back to online (invariant 3).
func (r *DeviceRepository) UpdateHeartbeat(ctx context.Context, deviceID string, ts time.Time) (bool, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	device, err := r.Get(ctx, deviceID, false)
	if err != nil || device == nil {
		return false, err
	}
	(*device).UpdateHeartbeat(ts)
	updates := map[string]any{
		"last_heartbeat": ts,
		"last_seen":      ts,
		"status":         string((*device).Status),
	}
	if _, err := r.Update(ctx, deviceID, updates); err != nil {
		return false, err
	}
	return true, nil
}

// MarkOffline flags every device in deviceIDs as offline, returning the
// number of ids processed (an id that matches no device still counts).
func (r *DeviceRepository) MarkOffline(ctx context.Context, deviceIDs []string) (int, error) {
	var n int
	for _, id := range deviceIDs {
		if _, err := r.Update(ctx, id, map[string]any{"status": string(models.DeviceStatusOffline)}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
