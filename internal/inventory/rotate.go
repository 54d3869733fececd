package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"proxy-reseller/internal/model"
	"proxy-reseller/internal/provider"
	"proxy-reseller/internal/store"
)

// RotateResult reports a rotation. A provider failure is a degraded result,
// not an error: Rotated is false and Proxy holds the unchanged connection data.
type RotateResult struct {
	Proxy   model.Proxy `json:"proxy"`
	Rotated bool        `json:"rotated"`
	Error   string      `json:"error,omitempty"`
}

// Rotate changes the exit IP of a rotating unit.
//
// The provider is called outside any transaction. Only the connection fields are
// written afterwards; the binding is never touched.
// authorize, when set, may veto the rotation after the unit is loaded.
func (a *Allocator) Rotate(ctx context.Context, proxyID string, authorize func(model.Proxy) error) (RotateResult, error) {
	var p model.Proxy
	err := a.store.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetProxy(ctx, proxyID)
		return err
	})
	if err != nil {
		return RotateResult{}, err
	}
	if p.Category != model.ProxyCategoryRotating {
		return RotateResult{}, fmt.Errorf("%w: %s is %s", ErrInvalidResourceType, p.ID, p.Category)
	}
	if authorize != nil {
		if err := authorize(p); err != nil {
			return RotateResult{}, err
		}
	}

	conn, err := a.network.RotateIP(ctx, provider.RotateRequest{ProviderResourceID: p.ProviderResourceID})
	if err != nil {
		a.log.WarnContext(ctx, "proxy rotation failed",
			slog.String("proxy_id", p.ID),
			slog.String("provider", a.network.Name()),
			slog.String("error", err.Error()),
		)
		return RotateResult{Proxy: p, Rotated: false, Error: "rotation failed, connection data unchanged"}, nil
	}

	var updated model.Proxy
	err = a.store.WithTx(ctx, store.TxOptions{}, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetProxy(ctx, proxyID)
		if err != nil {
			return err
		}
		now := a.clock().UTC()
		cur.Host = conn.Host
		cur.Port = conn.Port
		if conn.Username != "" {
			cur.Username = conn.Username
			cur.Password = conn.Password
		}
		cur.LastRotatedAt = &now
		updated, err = tx.UpdateProxy(ctx, cur)
		return err
	})
	if err != nil {
		return RotateResult{}, err
	}
	return RotateResult{Proxy: updated, Rotated: true}, nil
}

// ProbeResult is the health of one unit. Error is set when the probe itself failed.
type ProbeResult struct {
	ProxyID string           `json:"proxy_id"`
	Health  *provider.Health `json:"health,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Probe checks the health of the given units concurrently, at most limit at a time.
// Individual failures degrade their own result and never fail the batch.
func (a *Allocator) Probe(ctx context.Context, proxies []model.Proxy, limit int) []ProbeResult {
	if limit <= 0 {
		limit = 8
	}
	out := make([]ProbeResult, len(proxies))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, p := range proxies {
		g.Go(func() error {
			out[i] = ProbeResult{ProxyID: p.ID}
			h, err := a.network.CheckHealth(ctx, provider.HealthRequest{
				ProviderResourceID: p.ProviderResourceID,
				Host:               p.Host,
				Port:               p.Port,
				Protocol:           string(p.Protocol),
			})
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Health = &h
			return nil
		})
	}
	_ = g.Wait()
	return out
}
