package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Remote abstracts the authoritative server.
// Implementations must be safe for concurrent use.
type Remote interface {
	// CheckDelta returns per-collection change counts since lastSync (epoch ms).
	CheckDelta(ctx context.Context, lastSync int64) (*DeltaResponse, error)

	// FetchCollection returns the caller's full view of one collection.
	FetchCollection(ctx context.Context, collection EntityType) (*CollectionSnapshot, error)

	// Replay submits one pending operation to the endpoint an online action would use.
	Replay(ctx context.Context, op *PendingOperation) (*ReplayResult, error)
}

// TokenSetter is implemented by remotes that carry a session token.
type TokenSetter interface {
	SetToken(token string)
}

// HTTPRemote implements Remote using net/http.
type HTTPRemote struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	debug      *DebugLogger

	mu    sync.RWMutex
	token string
}

// NewHTTPRemote creates a server client.
// clientID is optional; if non-empty, it's sent as X-Fieldsync-Client-ID header.
func NewHTTPRemote(serverURL, clientID string) *HTTPRemote {
	return &HTTPRemote{
		baseURL:  strings.TrimSuffix(serverURL, "/"),
		clientID: clientID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPRemote) WithHTTPClient(client *http.Client) *HTTPRemote {
	c.httpClient = client
	return c
}

// WithDebugLogger enables request/response logging.
func (c *HTTPRemote) WithDebugLogger(l *DebugLogger) *HTTPRemote {
	c.debug = l
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *HTTPRemote) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *HTTPRemote) setHeaders(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "fieldsync-client/1.0")
	if strings.TrimSpace(c.clientID) != "" {
		req.Header.Set("X-Fieldsync-Client-ID", c.clientID)
	}
}

// errorBody is the server's error envelope.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Key        string `json:"key"`
	ExistingID string `json:"existing_id"`
}

func newSyncError(op string, statusCode int, body []byte) *SyncError {
	se := &SyncError{Operation: op, StatusCode: statusCode}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		se.Code = eb.Code
		se.Key = eb.Key
		se.ExistingID = eb.ExistingID
	}

	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	se.Err = fmt.Errorf("HTTP %d: %s", statusCode, msg)
	return se
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *HTTPRemote) do(ctx context.Context, op, method, path string, body []byte, header http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &SyncError{Operation: op, Err: err}
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	c.debug.LogRequest(method, req.URL.String(), body)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.debug.LogError(op, err)
		return &SyncError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &SyncError{Operation: op, StatusCode: resp.StatusCode, Err: err}
	}
	c.debug.LogResponse(resp.StatusCode, resp.Status, respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newSyncError(op, resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &SyncError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// CheckDelta calls GET /api/v1/sync/delta?lastSync=<ms>.
// A zero lastSync omits the parameter and the server applies its default window.
func (c *HTTPRemote) CheckDelta(ctx context.Context, lastSync int64) (*DeltaResponse, error) {
	path := "/api/v1/sync/delta"
	if lastSync > 0 {
		path += "?lastSync=" + strconv.FormatInt(lastSync, 10)
	}
	var result DeltaResponse
	if err := c.do(ctx, "delta_check", http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchCollection calls GET /api/v1/{collection}.
func (c *HTTPRemote) FetchCollection(ctx context.Context, collection EntityType) (*CollectionSnapshot, error) {
	var result CollectionSnapshot
	path := "/api/v1/" + url.PathEscape(string(collection))
	if err := c.do(ctx, "fetch_"+string(collection), http.MethodGet, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Replay maps an operation onto its REST call. Targets must already be resolved,
// except for a create.
func (c *HTTPRemote) Replay(ctx context.Context, op *PendingOperation) (*ReplayResult, error) {
	name := "replay_" + string(op.Type)
	base := "/api/v1/" + url.PathEscape(string(op.EntityType))
	header := http.Header{"Idempotency-Key": []string{op.IdempotencyKey}}

	var method, path string
	if op.Type == OpCreate {
		method, path = http.MethodPost, base
	} else {
		serverID, ok := ServerIDOf(op.Target)
		if !ok {
			return nil, &SyncError{Operation: name, Err: fmt.Errorf("target %s is not synced: %w", op.Target.LocalID(), ErrCorruptState)}
		}
		target := base + "/" + url.PathEscape(serverID)
		switch op.Type {
		case OpUpdate:
			method, path = http.MethodPatch, target
		case OpDelete:
			method, path = http.MethodDelete, target
		case OpBulk:
			method, path = http.MethodPost, target+"/"+url.PathEscape(op.Action)
		default:
			return nil, &SyncError{Operation: name, Err: fmt.Errorf("unknown operation type %q", op.Type)}
		}
	}

	var body []byte
	if op.Type != OpDelete {
		body = op.Payload
		if len(body) == 0 {
			body = []byte("{}")
		}
	}

	var result ReplayResult
	if err := c.do(ctx, name, method, path, body, header, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
