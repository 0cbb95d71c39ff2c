package repository

import (
	"context"
	"errors"

	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/edgefleetops/fleetcore/internal/models"
	"github.com/jmoiron/sqlx"
)

var errCyclicHierarchy = errors.New("repository: device group parent chain contains a cycle")

// DeviceGroupRepository layers hierarchy queries on top of the generic
// core, grounded on original_source's
// persistence/repositories/device_group.py.
type DeviceGroupRepository struct {
	*Repository[*models.DeviceGroup]
}

// NewDeviceGroupRepository constructs a DeviceGroupRepository backed by db.
func NewDeviceGroupRepository(db *sqlx.DB) *DeviceGroupRepository {
	return &DeviceGroupRepository{Repository: New[*models.DeviceGroup](db, "device_groups")}
}

// ListRoots returns groups with no parent.
func (r *DeviceGroupRepository) ListRoots(ctx context.Context, opts ListOptions) ([]*models.DeviceGroup, error) {
	query := "SELECT " + joinColumns(r.Columns()) + " FROM device_groups WHERE parent_id IS NULL AND is_deleted = false ORDER BY name LIMIT ? OFFSET ?"
	var out []*models.DeviceGroup
	if err := r.DB().SelectContext(ctx, &out, r.DB().Rebind(query), opts.limit(), opts.Skip); err != nil {
		return nil, &errs.Repository{Op: "device_group_roots", Cause: err}
	}
	return out, nil
}

// ListChildren returns the direct children of parentID.
func (r *DeviceGroupRepository) ListChildren(ctx context.Context, parentID string, opts ListOptions) ([]*models.DeviceGroup, error) {
	opts.OrderBy, opts.OrderDesc = "name", false
	return r.List(ctx, Filter{"parent_id": parentID}, opts)
}

// ListByType returns groups of the given group_type.
func (r *DeviceGroupRepository) ListByType(ctx context.Context, groupType string, opts ListOptions) ([]*models.DeviceGroup, error) {
	return r.List(ctx, Filter{"group_type": groupType}, opts)
}

// ListDynamic returns groups whose membership is criteria-computed rather
// than statically assigned.
func (r *DeviceGroupRepository) ListDynamic(ctx context.Context, opts ListOptions) ([]*models.DeviceGroup, error) {
	return r.List(ctx, Filter{"is_dynamic": true}, opts)
}

// Hierarchy ascends from id through its ParentID chain to the root and
// returns the chain in root-to-leaf order, matching original_source's
// get_group_hierarchy.
func (r *DeviceGroupRepository) Hierarchy(ctx context.Context, id string) ([]*models.DeviceGroup, error) {
	group, err := r.Get(ctx, id, false)
	if err != nil || group == nil {
		return nil, err
	}

	chain := []*models.DeviceGroup{group}
	seen := map[string]bool{group.ID: true}
	for group.ParentID != nil {
		if seen[*group.ParentID] {
			return nil, &errs.Repository{Op: "device_group_hierarchy", Cause: errCyclicHierarchy}
		}
		parent, err := r.Get(ctx, *group.ParentID, false)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			break
		}
		chain = append(chain, parent)
		seen[parent.ID] = true
		group = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// IncrementDevice applies models.DeviceGroup.IncrementDevice's eager
// counter maintenance and persists it (spec.md §9 Open Question
// resolution: counters are maintained eagerly on every membership change,
// not recomputed lazily on read).
func (r *DeviceGroupRepository) IncrementDevice(ctx context.Context, groupID string, active bool) error {
	group, err := r.Get(ctx, groupID, false)
	if err != nil || group == nil {
		return err
	}
	group.IncrementDevice(active)
	_, err = r.Update(ctx, groupID, map[string]any{
		"device_count":        group.DeviceCount,
		"active_device_count": group.ActiveDeviceCount,
	})
	return err
}

// DecrementDevice applies models.DeviceGroup.DecrementDevice and persists it.
func (r *DeviceGroupRepository) DecrementDevice(ctx context.Context, groupID string, wasActive bool) error {
	group, err := r.Get(ctx, groupID, false)
	if err != nil || group == nil {
		return err
	}
	group.DecrementDevice(wasActive)
	_, err = r.Update(ctx, groupID, map[string]any{
		"device_count":        group.DeviceCount,
		"active_device_count": group.ActiveDeviceCount,
	})
	return err
}

// SetMemberActive applies models.DeviceGroup.SetMemberActive and persists it.
func (r *DeviceGroupRepository) SetMemberActive(ctx context.Context, groupID string, wasActive, isActive bool) error {
	group, err := r.Get(ctx, groupID, false)
	if err != nil || group == nil {
		return err
	}
	group.SetMemberActive(wasActive, isActive)
	_, err = r.Update(ctx, groupID, map[string]any{"active_device_count": group.ActiveDeviceCount})
	return err
}
