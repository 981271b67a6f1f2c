// Package dns manages A records for subscriber subdomains through the
// registrar's REST API. Every method issues exactly one API call; retry
// policy belongs to the caller.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

const (
	recordTypeA     = "A"
	recordTTL       = 300
	applicationJSON = "application/json"
)

var (
	ErrInvalidIP      = errors.New("invalid IPv4 address")
	ErrRecordNotFound = errors.New("dns record not found")
)

// Record is a DNS record as the registrar reports it.
type Record struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	APIToken   string `mapstructure:"api_token"`
	ZoneID     string `mapstructure:"zone_id"`
	BaseDomain string `mapstructure:"base_domain"`
}

type Client struct {
	baseURL    string
	token      string
	zoneID     string
	baseDomain string
	http       *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.APIToken,
		zoneID:     cfg.ZoneID,
		baseDomain: cfg.BaseDomain,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

// FQDN returns the fully qualified name a subdomain resolves under.
func (c *Client) FQDN(subdomain string) string {
	return subdomain + "." + c.baseDomain
}

// CreateRecord points subdomain at ip with a new A record. The address is
// validated before any API call is made.
func (c *Client) CreateRecord(ctx context.Context, subdomain, ip string) (*Record, error) {
	if err := validateIPv4(ip); err != nil {
		return nil, err
	}

	body := map[string]any{
		"type":    recordTypeA,
		"name":    c.FQDN(subdomain),
		"content": ip,
		"ttl":     recordTTL,
		"proxied": false,
	}
	var rec Record
	if err := c.do(ctx, http.MethodPost, c.recordsPath(), body, &rec); err != nil {
		return nil, fmt.Errorf("create dns record: %w", err)
	}
	return &rec, nil
}

// UpdateRecord repoints an existing record at a new address.
func (c *Client) UpdateRecord(ctx context.Context, recordID, subdomain, ip string) (*Record, error) {
	if err := validateIPv4(ip); err != nil {
		return nil, err
	}

	body := map[string]any{
		"type":    recordTypeA,
		"name":    c.FQDN(subdomain),
		"content": ip,
		"ttl":     recordTTL,
		"proxied": false,
	}
	var rec Record
	if err := c.do(ctx, http.MethodPut, c.recordsPath()+"/"+recordID, body, &rec); err != nil {
		return nil, fmt.Errorf("update dns record: %w", err)
	}
	return &rec, nil
}

func (c *Client) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, c.recordsPath()+"/"+recordID, nil, &rec); err != nil {
		return nil, fmt.Errorf("get dns record: %w", err)
	}
	return &rec, nil
}

func (c *Client) DeleteRecord(ctx context.Context, recordID string) error {
	if err := c.do(ctx, http.MethodDelete, c.recordsPath()+"/"+recordID, nil, nil); err != nil {
		return fmt.Errorf("delete dns record: %w", err)
	}
	return nil
}

// ListRecords returns every A record in the managed zone.
func (c *Client) ListRecords(ctx context.Context) ([]Record, error) {
	var recs []Record
	path := c.recordsPath() + "?type=" + recordTypeA
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, fmt.Errorf("list dns records: %w", err)
	}
	return recs, nil
}

// IsAvailable reports whether no A record exists for the subdomain yet.
// A registrar failure returns an error rather than claiming availability,
// so callers can distinguish "taken" from "could not check".
func (c *Client) IsAvailable(ctx context.Context, subdomain string) (bool, error) {
	var recs []Record
	path := c.recordsPath() + "?type=" + recordTypeA + "&name=" + url.QueryEscape(c.FQDN(subdomain))
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return false, fmt.Errorf("check subdomain availability: %w", err)
	}
	return len(recs) == 0, nil
}

// FindRecordBySubdomain looks up the A record for a subdomain, if any.
func (c *Client) FindRecordBySubdomain(ctx context.Context, subdomain string) (*Record, error) {
	var recs []Record
	path := c.recordsPath() + "?type=" + recordTypeA + "&name=" + url.QueryEscape(c.FQDN(subdomain))
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, fmt.Errorf("find dns record: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrRecordNotFound
	}
	return &recs[0], nil
}

func (c *Client) recordsPath() string {
	return "/zones/" + c.zoneID + "/dns_records"
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", applicationJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrRecordNotFound
	}

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode registrar response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		if len(env.Errors) > 0 {
			return fmt.Errorf("registrar error %d: %s", env.Errors[0].Code, env.Errors[0].Message)
		}
		return fmt.Errorf("registrar request failed with status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode registrar result: %w", err)
		}
	}
	return nil
}

func validateIPv4(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return nil
}
