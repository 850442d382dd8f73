package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ErrUnauthenticated is returned by an Authenticator that rejects a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the caller behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Caller, error)
}

// StaticTokens authenticates bearer tokens against a fixed table.
type StaticTokens map[string]Caller

// Authenticate implements Authenticator.
func (t StaticTokens) Authenticate(r *http.Request) (Caller, error) {
	token, ok := bearerToken(r)
	if !ok {
		return Caller{}, ErrUnauthenticated
	}
	caller, ok := t[token]
	if !ok {
		return Caller{}, ErrUnauthenticated
	}
	return caller, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewServer routes the delta check behind auth and exposes a health check.
func NewServer(d *Detector, auth Authenticator) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1/sync", func(r chi.Router) {
		r.Use(authenticate(auth))
		r.Get("/delta", func(w http.ResponseWriter, r *http.Request) {
			caller := callerFrom(r)
			resp, err := d.Check(r.Context(), caller, r.URL.Query().Get("lastSync"))
			if err != nil {
				d.Debug.LogError("delta", err)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "delta check failed", Code: "internal"})
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
	})

	return r
}

type callerKey struct{}

func authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := auth.Authenticate(r)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(r *http.Request) Caller {
	c, _ := r.Context().Value(callerKey{}).(Caller)
	return c
}
