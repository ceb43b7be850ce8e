package cmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/beamctl/internal/drift"
	"github.com/danmuck/beamctl/internal/fleet"
	"github.com/danmuck/beamctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidConfig = errors.New("cmt: invalid config")
	ErrStatus        = errors.New("cmt: unexpected status")
)

// MaxModems is the most the modem listing endpoint will return.
const MaxModems = 10000

const (
	defaultTimeout = time.Minute
	pingTimeout    = 10 * time.Second
	listTimeout    = 5 * time.Minute
)

// StatusError is a non-200 response for one request.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cmt: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Config selects the API and its credentials.
type Config struct {
	BaseURL    string
	Tokens     Tokens
	HTTPClient *http.Client
	// Timeout caps single-device requests. Pings and listings have their own caps.
	Timeout time.Duration
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: base url %q", ErrInvalidConfig, c.BaseURL)
	}
	if c.Tokens == nil {
		return fmt.Errorf("%w: tokens are required", ErrInvalidConfig)
	}
	return nil
}

// Client talks to the fleet management API.
type Client struct {
	base    string
	tokens  Tokens
	http    *http.Client
	timeout time.Duration
}

var (
	_ drift.Directory = (*Client)(nil)
	_ drift.Prober    = (*Client)(nil)
)

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		base:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		tokens:  cfg.Tokens,
		http:    cfg.HTTPClient,
		timeout: cfg.Timeout,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if src, ok := cfg.Tokens.(*JWTSource); ok && src.Validate == nil {
		src.Validate = c.validToken
	}
	return c, nil
}

// flexInt accepts a JSON number, a numeric string or null. Anything else
// leaves it unset.
type flexInt struct {
	Value int
	Valid bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	*f = flexInt{}
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		return nil
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*f = flexInt{Value: v, Valid: true}
		return nil
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil && v == float64(int(v)) {
		*f = flexInt{Value: int(v), Valid: true}
	}
	return nil
}

func (f flexInt) ptr() *int {
	if !f.Valid {
		return nil
	}
	return fleet.IntPtr(f.Value)
}

type enrichment struct {
	SatelliteID      flexInt `json:"satellite_id"`
	BeamID           flexInt `json:"beam_id"`
	BeamPolarization string  `json:"beam_polarization"`
	VNO              string  `json:"vno"`
}

type pendingValues struct {
	PrimaryBeamID           flexInt `json:"PrimaryBeamID"`
	PrimaryBeamPolarization *string `json:"PrimaryBeamPolarization"`
}

type acsModem struct {
	PrimarySatelliteID      flexInt        `json:"PrimarySatelliteID"`
	PrimaryBeamID           flexInt        `json:"PrimaryBeamID"`
	PrimaryBeamPolarization *string        `json:"PrimaryBeamPolarization"`
	SoftwareVersion         string         `json:"SoftwareVersion"`
	PendingValues           *pendingValues `json:"PendingValues"`
}

type cpeConfig struct {
	ACS struct {
		Modem acsModem `json:"modem"`
	} `json:"acs"`
}

type pinRequest struct {
	Modem struct {
		PrimaryBeamID           int    `json:"PrimaryBeamID"`
		PrimaryBeamPolarization string `json:"PrimaryBeamPolarization"`
	} `json:"Modem"`
}

// ObservedState reads what the device is doing right now.
func (c *Client) ObservedState(ctx context.Context, id fleet.DeviceID) (fleet.ObservedState, error) {
	var e enrichment
	path := "/modems/" + id.String() + "/enrichment"
	if err := c.do(ctx, c.timeout, http.MethodGet, "/modems/:mac/enrichment", path, nil, nil, &e); err != nil {
		return fleet.ObservedState{}, err
	}
	return fleet.ObservedState{
		Beam: fleet.Beam{
			Satellite:    e.SatelliteID.Value,
			Beam:         e.BeamID.Value,
			Polarization: normalizePolarization(e.BeamPolarization),
		},
		Partition: e.VNO,
	}, nil
}

// Pinning reads the inventory record's beam assignment. Pending values win
// over committed ones since they are the latest decision.
func (c *Client) Pinning(ctx context.Context, id fleet.DeviceID) (fleet.Pinning, error) {
	var cfg cpeConfig
	query := url.Values{"filter": {"acs"}, "type": {"modem"}}
	path := "/cpe_management/cpe/" + id.String()
	if err := c.do(ctx, c.timeout, http.MethodGet, "/cpe_management/cpe/:mac", path, query, nil, &cfg); err != nil {
		return fleet.Pinning{}, err
	}
	return pinningFrom(cfg.ACS.Modem), nil
}

func pinningFrom(m acsModem) fleet.Pinning {
	pin := fleet.Pinning{
		Satellite:       m.PrimarySatelliteID.ptr(),
		Beam:            m.PrimaryBeamID.ptr(),
		SoftwareVersion: m.SoftwareVersion,
	}
	if m.PrimaryBeamPolarization != nil {
		pin.Polarization = normalizePolarization(*m.PrimaryBeamPolarization)
	}
	if p := m.PendingValues; p != nil {
		if p.PrimaryBeamID.Valid {
			pin.Beam = p.PrimaryBeamID.ptr()
		}
		if p.PrimaryBeamPolarization != nil {
			pin.Polarization = normalizePolarization(*p.PrimaryBeamPolarization)
		}
	}
	return pin
}

// SetPinning writes beam and pol to the inventory record.
func (c *Client) SetPinning(ctx context.Context, id fleet.DeviceID, beam int, pol fleet.Polarization) error {
	var body pinRequest
	body.Modem.PrimaryBeamID = beam
	body.Modem.PrimaryBeamPolarization = string(pol)
	path := "/cpe_management/cpe/" + id.String()
	if err := c.do(ctx, c.timeout, http.MethodPut, "/cpe_management/cpe/:mac", path, nil, body, nil); err != nil {
		return err
	}
	log.Debug().Msgf("cmt.Client.SetPinning device=%q beam=%d pol=%q", id, beam, pol)
	return nil
}

// Ping reports whether the device answers. Only an unreachable API or a
// done ctx is an error.
func (c *Client) Ping(ctx context.Context, id fleet.DeviceID) (bool, error) {
	query := url.Values{"count": {"2"}, "interval": {"1"}, "timeout": {"3"}}
	path := "/modems/" + id.String() + "/ping"
	err := c.do(ctx, pingTimeout, http.MethodGet, "/modems/:mac/ping", path, query, nil, nil)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, fleet.ErrUnavailable):
		return false, err
	default:
		return false, nil
	}
}

// ModemQuery filters the modem listing.
type ModemQuery struct {
	Satellite       int
	Beam            int
	VNO             string
	SoftwareVersion string
	Limit           int
	Random          bool
	Online          bool
}

func (q ModemQuery) values() url.Values {
	v := url.Values{}
	if q.Satellite > 0 && q.Beam > 0 {
		v.Set("satellite_id", strconv.Itoa(q.Satellite))
		v.Set("beam_id", strconv.Itoa(q.Beam))
	}
	if q.VNO != "" {
		v.Set("vno", q.VNO)
	}
	if q.Limit > 0 && q.Limit < MaxModems {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Random {
		v.Set("sort", "random")
	}
	if q.Online {
		v.Set("online", "true")
	}
	if q.SoftwareVersion != "" {
		v.Set("sw_version", q.SoftwareVersion)
	}
	return v
}

// Modems lists device ids matching q. Ids the API returns malformed are skipped.
func (c *Client) Modems(ctx context.Context, q ModemQuery) ([]fleet.DeviceID, error) {
	var raw []string
	if err := c.do(ctx, listTimeout, http.MethodGet, "/modems", "/modems", q.values(), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]fleet.DeviceID, 0, len(raw))
	for _, r := range raw {
		id, err := fleet.ParseDeviceID(r)
		if err != nil {
			log.Debug().Msgf("cmt.Client.Modems skipping %q: %v", r, err)
			continue
		}
		out = append(out, id)
	}
	log.Info().Msgf("cmt.Client.Modems query=%q found=%d", q.values().Encode(), len(out))
	return out, nil
}

func (c *Client) OnlineOnBeam(ctx context.Context, satellite, beam, limit int) ([]fleet.DeviceID, error) {
	return c.Modems(ctx, ModemQuery{Satellite: satellite, Beam: beam, Limit: limit, Random: true, Online: true})
}

func (c *Client) validToken(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/whoami", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordUpstream("cmt", http.MethodGet, "/whoami", 0, time.Since(start), false)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	observability.RecordUpstream("cmt", http.MethodGet, "/whoami", resp.StatusCode, time.Since(start), resp.StatusCode == http.StatusOK)
	return resp.StatusCode == http.StatusOK
}

// do sends one request and decodes a 200 response into out. It retries once
// with a fresh token on 401.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, endpoint, path string, query url.Values, in, out any) error {
	for attempt := 0; ; attempt++ {
		code, err := c.send(ctx, timeout, method, endpoint, path, query, in, out)
		if code == http.StatusUnauthorized && attempt == 0 {
			log.Info().Msgf("cmt.Client.do %s %s unauthorized, refreshing token", method, endpoint)
			c.tokens.Invalidate()
			continue
		}
		return err
	}
}

func (c *Client) send(ctx context.Context, timeout time.Duration, method, endpoint, path string, query url.Values, in, out any) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", fleet.ErrUnavailable, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("cmt: encode %s: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, method, target, body)
	if err != nil {
		return 0, fmt.Errorf("cmt: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordUpstream("cmt", method, endpoint, 0, time.Since(start), false)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if isUnreachable(err) {
			return 0, fmt.Errorf("%w: cmt %s %s: %v", fleet.ErrUnavailable, method, endpoint, err)
		}
		return 0, fmt.Errorf("cmt: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	ok := resp.StatusCode == http.StatusOK && readErr == nil
	observability.RecordUpstream("cmt", method, endpoint, resp.StatusCode, time.Since(start), ok)
	if readErr != nil {
		return resp.StatusCode, fmt.Errorf("cmt: read %s: %w", path, readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(string(data), 256)}
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("cmt: decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// isUnreachable separates "cannot reach the API at all" from per-request
// failures such as timeouts.
func isUnreachable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func normalizePolarization(raw string) fleet.Polarization {
	return fleet.Polarization(strings.ToUpper(strings.TrimSpace(raw)))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
