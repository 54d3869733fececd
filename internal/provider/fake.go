package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is a scriptable in-memory Network useful for tests.
// It is not intended for production use.
type Fake struct {
	mu sync.Mutex

	// RotateErr, when set, fails every rotation.
	RotateErr error
	// Offline lists resource ids (or hosts) reported as offline.
	Offline map[string]bool
	// HealthErr lists resource ids (or hosts) whose probe fails.
	HealthErr map[string]error

	rotations int
}

func NewFake() *Fake {
	return &Fake{Offline: map[string]bool{}, HealthErr: map[string]error{}}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) RotateIP(ctx context.Context, req RotateRequest) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RotateErr != nil {
		return Connection{}, f.RotateErr
	}
	f.rotations++
	return Connection{Host: fmt.Sprintf("203.0.113.%d", f.rotations), Port: 8000 + f.rotations}, nil
}

func (f *Fake) CheckHealth(ctx context.Context, req HealthRequest) (Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := req.ProviderResourceID
	if key == "" {
		key = req.Host
	}
	if err := f.HealthErr[key]; err != nil {
		return Health{}, err
	}
	return Health{Online: !f.Offline[key], ResponseTimeMs: 12, CheckedAt: time.Now().UTC()}, nil
}

// Rotations reports how many successful rotations were served.
func (f *Fake) Rotations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotations
}
