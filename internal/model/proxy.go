package model

import (
	"fmt"
	"time"
)

// Proxy is one allocatable network endpoint.
//
// Holder invariant: a proxy in a held state (leased, sold_assigned) has exactly one
// CurrentPlanID. Only the inventory allocator changes Hold.
type Proxy struct {
	ID string `json:"id" db:"id"`

	// ProviderResourceID identifies the unit at the upstream proxy network.
	ProviderResourceID string `json:"provider_resource_id,omitempty" db:"provider_resource_id"`

	Host     string   `json:"host" db:"host"`
	Port     int      `json:"port" db:"port"`
	Username string   `json:"username,omitempty" db:"username"`
	Password string   `json:"-" db:"password"`
	Protocol Protocol `json:"protocol" db:"protocol"`

	Category    ProxyCategory `json:"category" db:"category"`
	NetworkType NetworkType   `json:"network_type" db:"network_type"`
	Sharing     Sharing       `json:"sharing" db:"sharing"`
	Country     string        `json:"country,omitempty" db:"country"`

	Status ProxyStatus `json:"status" db:"status"`
	Hold   HoldState   `json:"hold" db:"hold"`

	CurrentUserID string `json:"current_user_id,omitempty" db:"current_user_id"`
	CurrentPlanID string `json:"current_plan_id,omitempty" db:"current_plan_id"`
	LastUserID    string `json:"last_user_id,omitempty" db:"last_user_id"`

	AssignedAt    *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	ReleasedAt    *time.Time `json:"released_at,omitempty" db:"released_at"`
	ReleaseReason string     `json:"release_reason,omitempty" db:"release_reason"`
	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty" db:"last_rotated_at"`

	Version   int64     `json:"-" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Sold reports whether the unit has been permanently consumed by a sale.
func (p Proxy) Sold() bool { return p.Hold.Sold() }

// Assigned reports whether the unit is currently bound to a live plan.
func (p Proxy) Assigned() bool { return p.Hold.Assigned() }

// ConsumedOnSale reports whether allocating this unit marks it sold.
// Static and dedicated units are consumed; pooled rotating units return to the pool.
func (p Proxy) ConsumedOnSale() bool {
	return p.Category == ProxyCategoryStatic || p.Sharing == SharingDedicated
}

type ProxyCategory string

const (
	ProxyCategoryStatic   ProxyCategory = "static"
	ProxyCategoryRotating ProxyCategory = "rotating"
)

type NetworkType string

const (
	NetworkDatacenter  NetworkType = "datacenter"
	NetworkResidential NetworkType = "residential"
	NetworkMobile      NetworkType = "mobile"
)

type Sharing string

const (
	SharingShared    Sharing = "shared"
	SharingDedicated Sharing = "dedicated"
)

type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS5 Protocol = "socks5"
)

type ProxyStatus string

const (
	ProxyStatusActive    ProxyStatus = "active"
	ProxyStatusInactive  ProxyStatus = "inactive"
	ProxyStatusSuspended ProxyStatus = "suspended"
	ProxyStatusError     ProxyStatus = "error"
)

// HoldState is the allocation state of a proxy.
//
//	free            -> allocate(consume)  -> sold_assigned
//	free            -> allocate(!consume) -> leased
//	leased          -> release            -> free
//	sold_assigned   -> release            -> sold_unassigned
//	free, sold_unassigned -> release      -> unchanged (idempotent)
type HoldState string

const (
	HoldFree           HoldState = "free"
	HoldLeased         HoldState = "leased"
	HoldSoldAssigned   HoldState = "sold_assigned"
	HoldSoldUnassigned HoldState = "sold_unassigned"
)

func (h HoldState) Sold() bool {
	return h == HoldSoldAssigned || h == HoldSoldUnassigned
}

func (h HoldState) Assigned() bool {
	return h == HoldLeased || h == HoldSoldAssigned
}

// Allocate returns the state after binding the unit to a plan.
func (h HoldState) Allocate(consume bool) (HoldState, error) {
	if h != HoldFree {
		return h, fmt.Errorf("%w: allocate from %s", ErrIllegalTransition, h)
	}
	if consume {
		return HoldSoldAssigned, nil
	}
	return HoldLeased, nil
}

// Release returns the state after unbinding. Releasing an unbound unit is a no-op.
func (h HoldState) Release() HoldState {
	switch h {
	case HoldLeased:
		return HoldFree
	case HoldSoldAssigned:
		return HoldSoldUnassigned
	default:
		return h
	}
}

func (h HoldState) Valid() bool {
	switch h {
	case HoldFree, HoldLeased, HoldSoldAssigned, HoldSoldUnassigned:
		return true
	default:
		return false
	}
}
