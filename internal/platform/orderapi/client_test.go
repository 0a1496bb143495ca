package orderapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "svc-token", 2*time.Second, zerolog.Nop())
	c.http.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)
	return c
}

func TestFindOpenOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/open" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("sample_id") != "S-1" || r.URL.Query().Get("test_id") != "CBC-WBC" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Order{
			ID: "ORD-1", PatientID: "PAT-1", SampleID: "S-1", Status: "active",
			Tests: []OrderTest{{TestID: "CBC-WBC", Status: "pending"}},
		})
	})

	order, err := c.FindOpenOrder(context.Background(), "S-1", "CBC-WBC")
	if err != nil {
		t.Fatalf("FindOpenOrder() error: %v", err)
	}
	if order.ID != "ORD-1" || order.PatientID != "PAT-1" {
		t.Errorf("unexpected order %+v", order)
	}
}

func TestFindOpenOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"not found", 404, "", func(err error) bool {
			var re *apperr.ResolutionError
			return errors.As(err, &re) && strings.Contains(re.Reason, "no open order")
		}},
		{"test not expected", 200, `{"id":"O1","tests":[{"test_id":"CBC-WBC","status":"final"}]}`, func(err error) bool {
			var re *apperr.ResolutionError
			return errors.As(err, &re) && strings.Contains(re.Reason, "does not expect")
		}},
		{"bad request detail", 422, `{"detail":"sample S-1 is cancelled"}`, func(err error) bool {
			var re *apperr.ResolutionError
			return errors.As(err, &re) && re.Reason == "sample S-1 is cancelled"
		}},
		{"server error", 503, `{"detail":"maintenance"}`, func(err error) bool {
			var te *apperr.TransportError
			return errors.As(err, &te) && te.Status == 503 && te.Detail == "maintenance"
		}},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		})
		_, err := c.FindOpenOrder(context.Background(), "S-1", "CBC-WBC")
		if !tt.check(err) {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
	}
}

func TestFindOpenOrder_NetworkFailure(t *testing.T) {
	c := New("http://127.0.0.1:1", "", 200*time.Millisecond, zerolog.Nop())
	c.http.SetRetryCount(0)
	_, err := c.FindOpenOrder(context.Background(), "S-1", "T")
	var te *apperr.TransportError
	if !errors.As(err, &te) || te.Status != 0 || te.Err == nil {
		t.Fatalf("expected network TransportError, got %v", err)
	}
}

func TestSubmitResult(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/orders/ORD-1/results" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "row-1" {
			t.Errorf("expected idempotency key row-1, got %q", r.Header.Get("Idempotency-Key"))
		}
		var body Result
		json.NewDecoder(r.Body).Decode(&body)
		if body.TestID != "CBC-WBC" || body.Value != "7.2" {
			t.Errorf("unexpected body %+v", body)
		}
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	err := c.SubmitResult(context.Background(), "ORD-1", Result{RowID: "row-1", SampleID: "S-1", TestID: "CBC-WBC", Value: "7.2"})
	if err != nil {
		t.Fatalf("SubmitResult() error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected one retry after 502, got %d calls", calls)
	}
}

func TestSubmitResult_Conflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"detail":"sample S-1 already finalized"}`))
	})
	err := c.SubmitResult(context.Background(), "ORD-1", Result{RowID: "r"})
	var re *apperr.ResolutionError
	if !errors.As(err, &re) || re.Reason != "sample S-1 already finalized" {
		t.Fatalf("expected ResolutionError with detail, got %v", err)
	}
}

func TestOrder_Expects(t *testing.T) {
	o := &Order{Tests: []OrderTest{{TestID: "A", Status: "pending"}, {TestID: "B", Status: "final"}, {TestID: "C", Status: "cancelled"}}}
	if !o.Expects("a") || o.Expects("B") || o.Expects("C") || o.Expects("D") {
		t.Error("unexpected Expects result")
	}
}
