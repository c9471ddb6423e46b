package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestHealthEndpoints(t *testing.T) {
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		method     string
		path       string
		ready      map[string]Pinger
		wantStatus int
		wantBody   string
	}{
		{
			name:       "liveness",
			method:     http.MethodGet,
			path:       "/healthz",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok"}`,
		},
		{
			name:       "liveness head has no body",
			method:     http.MethodHead,
			path:       "/healthz",
			wantStatus: http.StatusOK,
		},
		{
			name:       "ready skips unconfigured deps",
			method:     http.MethodGet,
			path:       "/readyz",
			ready:      map[string]Pinger{"postgres": up, "redis": nil},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok"}`,
		},
		{
			name:       "not ready names the failing dep",
			method:     http.MethodGet,
			path:       "/readyz",
			ready:      map[string]Pinger{"postgres": up, "redis": down},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unavailable","failed":{"redis":"connection refused"}}`,
		},
		{
			name:       "intake absent without a receiver",
			method:     http.MethodPost,
			path:       "/webhook",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(RouterServices{Ready: tt.ready})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody == "" {
				if tt.method == http.MethodHead {
					assert.Zero(t, rec.Body.Len())
				}
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}
