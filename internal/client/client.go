// Package client is the network-side counterpart of the session API: a
// typed HTTP client bound to a single session on a running server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/pkg/types"
)

// ErrSessionGone marks a 404 from the server: the bound session no
// longer exists there.
var ErrSessionGone = errors.New("session is gone")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

// OutputFunc receives streamed output lines as they arrive.
type OutputFunc func(stream, text string)

// Client talks to one session over the HTTP API.
type Client struct {
	baseURL   string
	sessionID string
	cwd       string
	apiKey    string
	hc        *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the shared secret sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithCwd requests a specific working directory when the session is
// created. Empty lets the server pick one under its work dir.
func WithCwd(cwd string) Option {
	return func(c *Client) { c.cwd = cwd }
}

// New binds a client to sessionID on the server at baseURL.
func New(baseURL, sessionID string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		hc:        &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the bound session id.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Start creates the session on the server. A conflict means the
// session already exists and is adopted as-is.
func (c *Client) Start(ctx context.Context) error {
	var resp types.CreateSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions",
		types.CreateSessionRequest{SessionID: c.sessionID, Cwd: c.cwd}, &resp)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		logging.Debug().Str("session", c.sessionID).Msg("session already exists, adopting")
		return nil
	}
	return err
}

// Stop deletes the session. Missing sessions and unreachable servers
// are not errors: the goal state is already true.
func (c *Client) Stop(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, c.sessionPath(""), nil, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	}
	logging.Debug().Err(err).Str("session", c.sessionID).Msg("stop could not reach server")
	return nil
}

// Info fetches session metadata.
func (c *Client) Info(ctx context.Context) (*types.SessionInfo, error) {
	var info types.SessionInfo
	if err := c.do(ctx, http.MethodGet, c.sessionPath(""), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var h types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// LoadPlugin registers plugin source on the session.
func (c *Client) LoadPlugin(ctx context.Context, name, code string, config map[string]any) error {
	return c.do(ctx, http.MethodPost, c.sessionPath("/plugins"),
		types.LoadPluginRequest{Name: name, Code: code, Config: config}, nil)
}

// UpdateVariables merges kv into the session variable store.
func (c *Client) UpdateVariables(ctx context.Context, kv map[string]string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath("/variables"),
		types.UpdateVariablesRequest{Variables: kv}, nil)
}

// UploadFile places content under filename in the session cwd.
func (c *Client) UploadFile(ctx context.Context, filename string, content []byte) error {
	return c.do(ctx, http.MethodPost, c.sessionPath("/files"), types.UploadFileRequest{
		Filename: filename,
		Content:  base64.StdEncoding.EncodeToString(content),
		Encoding: types.EncodingBase64,
	}, nil)
}

// DownloadArtifact fetches the raw bytes of a file in the session cwd.
func (c *Client) DownloadArtifact(ctx context.Context, fileName string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.sessionPath("/artifacts/"+fileName), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, c.statusError(res)
	}
	return io.ReadAll(res.Body)
}

// Execute runs code on the session. With a nil onOutput the call is a
// single synchronous POST; otherwise the streaming pair is used and
// onOutput fires for each output event before the result returns.
func (c *Client) Execute(ctx context.Context, execID, code string, onOutput OutputFunc) (*types.ExecutionResult, error) {
	if onOutput == nil {
		var res types.ExecutionResult
		err := c.do(ctx, http.MethodPost, c.sessionPath("/execute"),
			types.ExecuteRequest{ExecID: execID, Code: code}, &res)
		if err != nil {
			return nil, err
		}
		return &res, nil
	}
	return c.executeStreamed(ctx, execID, code, onOutput)
}

func (c *Client) executeStreamed(ctx context.Context, execID, code string, onOutput OutputFunc) (*types.ExecutionResult, error) {
	var initiated types.ExecuteStreamResponse
	err := c.do(ctx, http.MethodPost, c.sessionPath("/execute"),
		types.ExecuteRequest{ExecID: execID, Code: code, Stream: true}, &initiated)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, initiated.StreamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	// The client-wide timeout is an absolute deadline over the whole
	// body read and would cut long streams off. The stream is bounded
	// by ctx and by the server closing it after done.
	sc := *c.hc
	sc.Timeout = 0
	res, err := sc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, c.statusError(res)
	}
	return parseEventStream(res.Body, onOutput)
}

// parseEventStream consumes SSE lines until the done event. Comment
// lines (keepalives) are skipped.
func parseEventStream(r io.Reader, onOutput OutputFunc) (*types.ExecutionResult, error) {
	var result *types.ExecutionResult
	var name string
	var data bytes.Buffer

	dispatch := func() error {
		defer func() {
			name = ""
			data.Reset()
		}()
		switch name {
		case "output":
			var ev types.OutputEvent
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				return fmt.Errorf("decode output event: %w", err)
			}
			onOutput(ev.Type, ev.Text)
		case "result":
			var res types.ExecutionResult
			if err := json.Unmarshal(data.Bytes(), &res); err != nil {
				return fmt.Errorf("decode result event: %w", err)
			}
			result = &res
		}
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name == "done" {
				if result == nil {
					return nil, errors.New("stream ended without a result event")
				}
				return result, nil
			}
			if name != "" {
				if err := dispatch(); err != nil {
					return nil, err
				}
			}
		case strings.HasPrefix(line, ":"):
			// keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("stream closed before done event")
}

func (c *Client) sessionPath(suffix string) string {
	return "/api/v1/sessions/" + c.sessionID + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// do performs a JSON request, decoding a 2xx body into out when out is
// non-nil and translating error statuses into APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}

	req, err := c.newRequest(ctx, method, path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return c.statusError(res)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

// statusError drains the error body into an APIError, wrapping 404 as
// ErrSessionGone for callers that only care about liveness.
func (c *Client) statusError(res *http.Response) error {
	var body types.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if err := json.Unmarshal(raw, &body); err != nil || body.Detail == "" {
		body.Detail = strings.TrimSpace(string(raw))
	}
	apiErr := &APIError{StatusCode: res.StatusCode, Detail: body.Detail}
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrSessionGone, apiErr)
	}
	return apiErr
}
