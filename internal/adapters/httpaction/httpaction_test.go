package httpaction

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
)

func TestForwarder_Run_ClassifiesByStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   opid.Kind
	}{
		{"ok", http.StatusOK, opid.KindOk},
		{"created", http.StatusCreated, opid.KindOk},
		{"rate_limited", http.StatusTooManyRequests, opid.KindRetry},
		{"server_error", http.StatusInternalServerError, opid.KindRetry},
		{"bad_request", http.StatusBadRequest, opid.KindFail},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Orbit-Operation-Id") == "" {
					t.Errorf("expected operation id header")
				}
				body, _ := io.ReadAll(r.Body)
				if string(body) != `{"k":"v"}` {
					t.Errorf("unexpected body forwarded: %s", body)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			f := New(srv.URL, time.Second)
			outcome := f.Run(context.Background(), "op-1", opid.Payload(`{"k":"v"}`))
			if outcome.Kind != tc.want {
				t.Fatalf("status %d: got kind %v, want %v", tc.status, outcome.Kind, tc.want)
			}
		})
	}
}

func TestForwarder_Run_UnreachableIsRetry(t *testing.T) {
	f := New("http://127.0.0.1:1", 50*time.Millisecond)
	outcome := f.Run(context.Background(), "op-1", opid.Payload("{}"))
	if outcome.Kind != opid.KindRetry {
		t.Fatalf("got kind %v, want Retry", outcome.Kind)
	}
	if !outcome.Transient {
		t.Fatalf("expected transient=true for an unreachable downstream")
	}
}
