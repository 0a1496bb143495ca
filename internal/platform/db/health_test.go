package db

import (
	"net/http"
	"testing"
)

func TestReadiness(t *testing.T) {
	if readiness(http.StatusOK) != "ready" {
		t.Error("expected ready for 200")
	}
	if readiness(http.StatusServiceUnavailable) != "unavailable" {
		t.Error("expected unavailable for 503")
	}
}
