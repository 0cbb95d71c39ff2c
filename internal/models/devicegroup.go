package models

// DeviceGroup is a hierarchical grouping of devices.
type DeviceGroup struct {
	Base

	Name     string  `db:"name" json:"name" validate:"required,min=1,max=255"`
	ParentID *string `db:"parent_id" json:"parent_id,omitempty"`
	OwnerID  *string `db:"owner_id" json:"owner_id,omitempty"`

	GroupType string `db:"group_type" json:"group_type,omitempty"`
	IsDynamic bool   `db:"is_dynamic" json:"is_dynamic"`

	// MembershipCriteria holds the filter used to compute membership for
	// dynamic groups; ignored for static groups.
	MembershipCriteria Metadata `db:"membership_criteria" json:"membership_criteria,omitempty"`

	DeviceCount       int `db:"device_count" json:"device_count" validate:"gte=0"`
	ActiveDeviceCount int `db:"active_device_count" json:"active_device_count" validate:"gte=0"`
}

// Valid checks 0 <= active_device_count <= device_count, the invariant that
// must hold under either eager or lazy counter maintenance (spec.md §9).
func (g *DeviceGroup) Valid() bool {
	return g.ActiveDeviceCount >= 0 && g.ActiveDeviceCount <= g.DeviceCount
}

// IncrementDevice records a newly-added member, optionally counted as active.
func (g *DeviceGroup) IncrementDevice(active bool) {
	g.DeviceCount++
	if active {
		g.ActiveDeviceCount++
	}
}

// DecrementDevice records a removed member.
func (g *DeviceGroup) DecrementDevice(wasActive bool) {
	if g.DeviceCount > 0 {
		g.DeviceCount--
	}
	if wasActive && g.ActiveDeviceCount > 0 {
		g.ActiveDeviceCount--
	}
}

// SetMemberActive adjusts the active counter when a member's online/offline
// state flips, without changing total membership.
func (g *DeviceGroup) SetMemberActive(wasActive, isActive bool) {
	if wasActive == isActive {
		return
	}
	if isActive {
		g.ActiveDeviceCount++
	} else if g.ActiveDeviceCount > 0 {
		g.ActiveDeviceCount--
	}
}
