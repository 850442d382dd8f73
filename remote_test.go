package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

// recordingServer answers every request with status and body, remembering what it saw.
func recordingServer(t *testing.T, status int, body string) (*httptest.Server, func() capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		last capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(b),
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestHTTPRemote_CheckDelta(t *testing.T) {
	srv, last := recordingServer(t, http.StatusOK,
		`{"hasUpdates":true,"counts":{"actors":2,"locations":0},"entities":{"actors":true},"serverTime":1700000000123}`)
	remote := NewHTTPRemote(srv.URL+"/", "tablet-7")
	remote.SetToken("secret")

	resp, err := remote.CheckDelta(context.Background(), 1699999999000)
	if err != nil {
		t.Fatalf("CheckDelta failed: %v", err)
	}
	if !resp.HasUpdates || resp.Counts["actors"] != 2 || resp.ServerTime != 1700000000123 {
		t.Errorf("resp = %+v", resp)
	}

	req := last()
	if req.method != http.MethodGet || req.path != "/api/v1/sync/delta" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.query != "lastSync=1699999999000" {
		t.Errorf("query = %q", req.query)
	}
	if got := req.header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := req.header.Get("User-Agent"); got != "fieldsync-client/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := req.header.Get("X-Fieldsync-Client-ID"); got != "tablet-7" {
		t.Errorf("client id header = %q", got)
	}
}

func TestHTTPRemote_CheckDelta_ZeroOmitsParameter(t *testing.T) {
	srv, last := recordingServer(t, http.StatusOK, `{"counts":{},"serverTime":5}`)
	remote := NewHTTPRemote(srv.URL, "")

	if _, err := remote.CheckDelta(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	req := last()
	if req.query != "" {
		t.Errorf("query = %q, want none", req.query)
	}
	if _, ok := req.header["Authorization"]; ok {
		t.Error("no token set, Authorization should be absent")
	}
	if _, ok := req.header["X-Fieldsync-Client-Id"]; ok {
		t.Error("empty client id should not be sent")
	}
}

func TestHTTPRemote_FetchCollection(t *testing.T) {
	srv, last := recordingServer(t, http.StatusOK,
		`{"records":[{"id":"srv-1","payload":{"name":"Ana"}}],"server_time":42}`)
	remote := NewHTTPRemote(srv.URL, "")

	snap, err := remote.FetchCollection(context.Background(), EntityActors)
	if err != nil {
		t.Fatalf("FetchCollection failed: %v", err)
	}
	if len(snap.Records) != 1 || snap.Records[0].ID != "srv-1" || snap.ServerTime != 42 {
		t.Errorf("snapshot = %+v", snap)
	}
	if req := last(); req.method != http.MethodGet || req.path != "/api/v1/actors" {
		t.Errorf("request = %s %s", req.method, req.path)
	}
}

func TestHTTPRemote_Replay_Routes(t *testing.T) {
	synced := Synced{Local: NewLocalID(), Server: "srv-9"}

	tests := []struct {
		name       string
		op         PendingOperation
		wantMethod string
		wantPath   string
		wantBody   string
	}{
		{
			name:       "create",
			op:         PendingOperation{Type: OpCreate, EntityType: EntityActors, Target: Unsynced{Local: NewLocalID()}, Payload: json.RawMessage(`{"name":"Ana"}`)},
			wantMethod: http.MethodPost,
			wantPath:   "/api/v1/actors",
			wantBody:   `{"name":"Ana"}`,
		},
		{
			name:       "update",
			op:         PendingOperation{Type: OpUpdate, EntityType: EntityActors, Target: synced, Payload: json.RawMessage(`{"phone":"1"}`)},
			wantMethod: http.MethodPatch,
			wantPath:   "/api/v1/actors/srv-9",
			wantBody:   `{"phone":"1"}`,
		},
		{
			name:       "delete",
			op:         PendingOperation{Type: OpDelete, EntityType: EntityActors, Target: synced},
			wantMethod: http.MethodDelete,
			wantPath:   "/api/v1/actors/srv-9",
			wantBody:   "",
		},
		{
			name:       "bulk",
			op:         PendingOperation{Type: OpBulk, EntityType: EntityCampaigns, Target: synced, Action: "enroll", Payload: json.RawMessage(`{"members":["a"]}`)},
			wantMethod: http.MethodPost,
			wantPath:   "/api/v1/campaigns/srv-9/enroll",
			wantBody:   `{"members":["a"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, last := recordingServer(t, http.StatusOK, `{"id":"srv-9"}`)
			remote := NewHTTPRemote(srv.URL, "")
			tt.op.IdempotencyKey = "key-" + tt.name

			res, err := remote.Replay(context.Background(), &tt.op)
			if err != nil {
				t.Fatalf("Replay failed: %v", err)
			}
			if res.ServerID != "srv-9" {
				t.Errorf("ServerID = %q, want srv-9", res.ServerID)
			}

			req := last()
			if req.method != tt.wantMethod || req.path != tt.wantPath {
				t.Errorf("request = %s %s, want %s %s", req.method, req.path, tt.wantMethod, tt.wantPath)
			}
			if req.body != tt.wantBody {
				t.Errorf("body = %q, want %q", req.body, tt.wantBody)
			}
			if got := req.header.Get("Idempotency-Key"); got != tt.op.IdempotencyKey {
				t.Errorf("Idempotency-Key = %q, want %q", got, tt.op.IdempotencyKey)
			}
		})
	}
}

func TestHTTPRemote_Replay_UnsyncedTarget(t *testing.T) {
	remote := NewHTTPRemote("http://127.0.0.1:0", "")
	op := &PendingOperation{Type: OpUpdate, EntityType: EntityActors, Target: Unsynced{Local: NewLocalID()}}

	_, err := remote.Replay(context.Background(), op)
	if !errors.Is(err, ErrCorruptState) {
		t.Errorf("err = %v, want ErrCorruptState", err)
	}
}

func TestHTTPRemote_ErrorBody(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusConflict,
		`{"error":"duplicate","code":"unique_violation","key":"depot-1","existing_id":"srv-3"}`)
	remote := NewHTTPRemote(srv.URL, "")
	op := &PendingOperation{Type: OpCreate, EntityType: EntityLocations, Target: Unsynced{Local: NewLocalID()}, NaturalKey: "depot-1"}

	_, err := remote.Replay(context.Background(), op)
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SyncError", err)
	}
	if se.StatusCode != http.StatusConflict || se.Code != "unique_violation" || se.Key != "depot-1" || se.ExistingID != "srv-3" {
		t.Errorf("SyncError = %+v", se)
	}
	if !strings.Contains(se.Err.Error(), "HTTP 409") {
		t.Errorf("message = %q", se.Err.Error())
	}
	if id, ok := alreadyApplied(op, err); !ok || id != "srv-3" {
		t.Errorf("alreadyApplied = %q, %v, want srv-3", id, ok)
	}
}

func TestHTTPRemote_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuthorization},
		{http.StatusForbidden, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadGateway, KindTransient},
	}
	for _, tt := range tests {
		srv, _ := recordingServer(t, tt.status, `{"error":"x"}`)
		_, err := NewHTTPRemote(srv.URL, "").CheckDelta(context.Background(), 0)
		if got := Classify(err); got != tt.want {
			t.Errorf("status %d: Classify = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestHTTPRemote_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPRemote(url, "").FetchCollection(context.Background(), EntityActors)
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != KindTransient {
		t.Errorf("Classify = %s, want transient", Classify(err))
	}
}

func TestHTTPRemote_BadJSON(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusOK, `not json`)
	_, err := NewHTTPRemote(srv.URL, "").CheckDelta(context.Background(), 0)
	var se *SyncError
	if !errors.As(err, &se) || !strings.Contains(err.Error(), "decode response") {
		t.Errorf("err = %v, want decode failure", err)
	}
}
