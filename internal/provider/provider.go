package provider

import (
	"context"
	"errors"
	"time"
)

// Network is the proxy network collaborator used by business logic.
//
// Rules:
// - No provider HTTP calls outside provider adapters.
// - Calls never happen inside a store transaction; callers apply the result afterwards.
// - Keep request/response types provider-agnostic.
type Network interface {
	Name() string

	// RotateIP asks the upstream network for a fresh exit for a rotating resource.
	RotateIP(ctx context.Context, req RotateRequest) (Connection, error)

	// CheckHealth probes one endpoint.
	CheckHealth(ctx context.Context, req HealthRequest) (Health, error)
}

var ErrUnavailable = errors.New("provider: unavailable")

type RotateRequest struct {
	ProviderResourceID string `json:"provider_resource_id"`
}

// Connection is the connection data handed back after a rotation.
type Connection struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type HealthRequest struct {
	ProviderResourceID string `json:"provider_resource_id,omitempty"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Protocol           string `json:"protocol"`
}

type Health struct {
	Online         bool      `json:"online"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Disabled is used when no upstream network is configured. Every call degrades.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) RotateIP(ctx context.Context, req RotateRequest) (Connection, error) {
	return Connection{}, ErrUnavailable
}

func (Disabled) CheckHealth(ctx context.Context, req HealthRequest) (Health, error) {
	return Health{}, ErrUnavailable
}
