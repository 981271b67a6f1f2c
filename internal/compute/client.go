// Package compute creates and destroys subscriber VMs through the cloud
// provider's REST API. Like the dns client, every method is a single API
// call with no retry policy of its own.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Server lifecycle states as the provider reports them. A server is usable
// once it reaches StatusRunning.
const (
	StatusInitializing = "initializing"
	StatusStarting     = "starting"
	StatusRunning      = "running"
	StatusOff          = "off"
	StatusDeleting     = "deleting"
)

var (
	ErrServerNotFound = errors.New("server not found")
	ErrNameTaken      = errors.New("server name already in use")
)

// Server is the subset of the provider's server resource we track.
type Server struct {
	ID       int64
	Name     string
	Status   string
	PublicIP string
}

// CreateServerRequest carries the per-VM parameters; machine size, image and
// location come from client configuration.
type CreateServerRequest struct {
	Name     string
	UserData string
	Labels   map[string]string
}

type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	APIToken   string `mapstructure:"api_token"`
	ServerType string `mapstructure:"server_type"`
	Image      string `mapstructure:"image"`
	Location   string `mapstructure:"location"`
}

type Client struct {
	baseURL    string
	token      string
	serverType string
	image      string
	location   string
	http       *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.APIToken,
		serverType: cfg.ServerType,
		image:      cfg.Image,
		location:   cfg.Location,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateServer provisions a new VM that boots immediately with the given
// user data. A name collision surfaces as ErrNameTaken.
func (c *Client) CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error) {
	body := map[string]any{
		"name":               req.Name,
		"server_type":        c.serverType,
		"image":              c.image,
		"location":           c.location,
		"start_after_create": true,
		"user_data":          req.UserData,
		"labels":             req.Labels,
	}

	var out struct {
		Server serverResource `json:"server"`
	}
	if err := c.do(ctx, http.MethodPost, "/servers", body, &out); err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	return out.Server.toServer(), nil
}

// GetServer fetches the current state of a VM.
func (c *Client) GetServer(ctx context.Context, id int64) (*Server, error) {
	var out struct {
		Server serverResource `json:"server"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers/"+strconv.FormatInt(id, 10), nil, &out); err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return out.Server.toServer(), nil
}

// GetServerStatus returns just the lifecycle state of a VM.
func (c *Client) GetServerStatus(ctx context.Context, id int64) (string, error) {
	srv, err := c.GetServer(ctx, id)
	if err != nil {
		return "", err
	}
	return srv.Status, nil
}

// DeleteServer destroys a VM. Deleting an already-gone server returns
// ErrServerNotFound.
func (c *Client) DeleteServer(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, "/servers/"+strconv.FormatInt(id, 10), nil, nil); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return nil
}

// ListServers returns the servers matching a label selector, e.g.
// "managed-by=vmgate".
func (c *Client) ListServers(ctx context.Context, labelSelector string) ([]Server, error) {
	path := "/servers"
	if labelSelector != "" {
		path += "?label_selector=" + url.QueryEscape(labelSelector)
	}

	var out struct {
		Servers []serverResource `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	servers := make([]Server, 0, len(out.Servers))
	for _, s := range out.Servers {
		servers = append(servers, *s.toServer())
	}
	return servers, nil
}

// serverResource mirrors the provider's wire format.
type serverResource struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

func (r *serverResource) toServer() *Server {
	return &Server{
		ID:       r.ID,
		Name:     r.Name,
		Status:   r.Status,
		PublicIP: r.PublicNet.IPv4.IP,
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
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
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrServerNotFound
	case resp.StatusCode >= 400:
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Code != "" {
			if apiErr.Error.Code == "uniqueness_error" {
				return fmt.Errorf("%w: %s", ErrNameTaken, apiErr.Error.Message)
			}
			return fmt.Errorf("provider error %s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("provider request failed with status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}
