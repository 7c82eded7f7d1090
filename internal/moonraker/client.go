// Package moonraker is an HTTP client for the Moonraker API server that fronts
// Klipper. It implements the printer-side collaborators of the numpad
// dispatcher and the file metadata calls used by the metadata scan.
package moonraker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker/v2"
)

// ErrUnavailable is returned while the circuit breaker is open
var ErrUnavailable = errors.New("moonraker unavailable")

// APIError is an error reply from Moonraker. The host was reachable.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("moonraker error %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 reply
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Config configures a Client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Circuit breaker
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultConfig returns settings for a Moonraker on the local host
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://127.0.0.1:7125",
		Timeout:          10 * time.Second,
		FailureThreshold: 3,
		OpenTimeout:      15 * time.Second,
	}
}

// Client talks to one Moonraker instance
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	log     hclog.Logger
}

// NewClient creates a Moonraker client
func NewClient(cfg Config, logger hclog.Logger) (*Client, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultConfig().BaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid moonraker url %q: %w", base, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}

	c := &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:    "moonraker",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// an error reply means the host is up
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || errors.As(err, &apiErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// RunCommand runs a G-code script and waits for it to complete
func (c *Client) RunCommand(ctx context.Context, script string) error {
	_, err := c.call(ctx, http.MethodPost, "/printer/gcode/script", nil, map[string]string{"script": script})
	if err != nil {
		return fmt.Errorf("run %q: %w", script, err)
	}
	return nil
}

// QueryState queries printer objects and returns their status maps
func (c *Client) QueryState(ctx context.Context, objects ...string) (map[string]map[string]any, error) {
	req := map[string]map[string]any{"objects": {}}
	for _, obj := range objects {
		req["objects"][obj] = nil
	}

	raw, err := c.call(ctx, http.MethodPost, "/printer/objects/query", nil, req)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}

	var result struct {
		Status map[string]map[string]any `json:"status"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode object status: %w", err)
	}
	if result.Status == nil {
		result.Status = map[string]map[string]any{}
	}
	return result.Status, nil
}

// SetPersistedVariable stores a variable through Klipper's save_variables
func (c *Client) SetPersistedVariable(ctx context.Context, name string, value any) error {
	return c.RunCommand(ctx, SaveVariableScript(name, value))
}

// SaveVariableScript formats a SAVE_VARIABLE command
func SaveVariableScript(name string, value any) string {
	var v string
	switch x := value.(type) {
	case string:
		v = fmt.Sprintf("'%s'", x)
	case bool:
		if x {
			v = "True"
		} else {
			v = "False"
		}
	default:
		v = fmt.Sprintf("%v", x)
	}
	return fmt.Sprintf("SAVE_VARIABLE VARIABLE=%s VALUE=%s", name, v)
}

// ServerInfo is the subset of /server/info the engine uses
type ServerInfo struct {
	KlippyConnected bool   `json:"klippy_connected"`
	KlippyState     string `json:"klippy_state"`
}

// Info returns the Moonraker server info
func (c *Client) Info(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	raw, err := c.call(ctx, http.MethodGet, "/server/info", nil, nil)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("decode server info: %w", err)
	}
	return info, nil
}

// RootPath returns the filesystem path of a registered file root such as "gcodes"
func (c *Client) RootPath(ctx context.Context, root string) (string, error) {
	raw, err := c.call(ctx, http.MethodGet, "/server/files/roots", nil, nil)
	if err != nil {
		return "", fmt.Errorf("list roots: %w", err)
	}
	var roots []struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &roots); err != nil {
		return "", fmt.Errorf("decode roots: %w", err)
	}
	for _, r := range roots {
		if r.Name == root {
			return r.Path, nil
		}
	}
	return "", fmt.Errorf("root %q not registered", root)
}

// Metadata returns stored metadata for a file relative to the gcodes root,
// or nil when none is stored
func (c *Client) Metadata(ctx context.Context, filename string) (map[string]any, error) {
	raw, err := c.call(ctx, http.MethodGet, "/server/files/metadata", url.Values{"filename": {filename}}, nil)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", filename, err)
	}
	var md map[string]any
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// Metascan asks Moonraker to parse a file's metadata and waits for the result
func (c *Client) Metascan(ctx context.Context, filename string) (map[string]any, error) {
	raw, err := c.call(ctx, http.MethodPost, "/server/files/metascan", url.Values{"filename": {filename}}, nil)
	if err != nil {
		return nil, fmt.Errorf("metascan %s: %w", filename, err)
	}
	var md map[string]any
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// call performs one request through the breaker and returns the "result" field
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	raw, err := c.breaker.Execute(func() (json.RawMessage, error) {
		return c.do(ctx, method, path, query, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return raw, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *APIError       `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		if envelope.Error.Code == 0 {
			envelope.Error.Code = resp.StatusCode
		}
		c.log.Debug("moonraker error reply", "path", path, "request_id", reqID, "error", envelope.Error.Message)
		return nil, envelope.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return envelope.Result, nil
}
