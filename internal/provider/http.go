package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures the REST adapter of the upstream proxy network.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type httpNetwork struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTP(cfg HTTPConfig) Network {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpNetwork{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (n *httpNetwork) Name() string { return "http" }

func (n *httpNetwork) RotateIP(ctx context.Context, req RotateRequest) (Connection, error) {
	if req.ProviderResourceID == "" {
		return Connection{}, errors.New("provider: resource id required")
	}
	var out Connection
	if err := n.post(ctx, "/v1/proxies/"+req.ProviderResourceID+"/rotate", nil, &out); err != nil {
		return Connection{}, err
	}
	if out.Host == "" || out.Port == 0 {
		return Connection{}, fmt.Errorf("%w: empty connection in rotate response", ErrUnavailable)
	}
	return out, nil
}

func (n *httpNetwork) CheckHealth(ctx context.Context, req HealthRequest) (Health, error) {
	var out struct {
		Online         bool  `json:"online"`
		ResponseTimeMs int64 `json:"response_time_ms"`
	}
	started := time.Now()
	if err := n.post(ctx, "/v1/health-checks", req, &out); err != nil {
		return Health{}, err
	}
	h := Health{Online: out.Online, ResponseTimeMs: out.ResponseTimeMs, CheckedAt: time.Now().UTC()}
	if h.ResponseTimeMs == 0 {
		h.ResponseTimeMs = time.Since(started).Milliseconds()
	}
	return h, nil
}

func (n *httpNetwork) post(ctx context.Context, path string, body any, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, rdr)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+n.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s", ErrUnavailable, path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
