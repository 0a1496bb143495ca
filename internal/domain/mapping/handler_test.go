package mapping

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/middleware"
	"github.com/ehr/labbridge/internal/platform/validate"
)

func newTestServer(devs ...uuid.UUID) (*Service, *echo.Echo) {
	svc, _ := newTestService(devs...)
	e := echo.New()
	e.Validator = validate.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1/lab", auth.DevAuthMiddleware("default")))
	return svc, e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndList(t *testing.T) {
	d1 := uuid.New()
	_, e := newTestServer(d1)
	base := "/api/v1/lab/devices/" + d1.String() + "/channels"

	rec := doJSON(e, http.MethodPost, base, `{"native_code":"WBC","internal_test_id":"42"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, base, `{"native_code":"wbc"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["field"] != "native_code" || !strings.Contains(body["detail"], "already exists") {
		t.Errorf("unexpected error body %v", body)
	}

	rec = doJSON(e, http.MethodGet, base+"?search=wb", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []Mapping
	json.Unmarshal(rec.Body.Bytes(), &items)
	if len(items) != 1 || items[0].NativeCode != "WBC" {
		t.Errorf("unexpected listing %+v", items)
	}
}

func TestHandler_ListEmptyIsArray(t *testing.T) {
	d1 := uuid.New()
	_, e := newTestServer(d1)
	rec := doJSON(e, http.MethodGet, "/api/v1/lab/devices/"+d1.String()+"/channels", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", rec.Body.String())
	}
}

func TestHandler_UpdateAndDelete(t *testing.T) {
	d1 := uuid.New()
	svc, e := newTestServer(d1)
	m, _ := svc.CreateMapping(context.Background(), manage, d1, CreateRequest{NativeCode: "WBC"})

	rec := doJSON(e, http.MethodPut, "/api/v1/lab/channels/"+m.ID.String(), `{"internal_test_id":"42","is_active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got Mapping
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.IsActive || got.InternalTestID == nil || *got.InternalTestID != "42" {
		t.Errorf("unexpected update result %+v", got)
	}

	rec = doJSON(e, http.MethodDelete, "/api/v1/lab/channels/"+m.ID.String(), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodDelete, "/api/v1/lab/channels/"+m.ID.String(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/api/v1/lab/channels/bad-id", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}
}
