package staging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/ehr/labbridge/internal/domain/device"
	"github.com/ehr/labbridge/internal/domain/staging"
	"github.com/ehr/labbridge/internal/domain/staging/stagingtest"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/events"
	"github.com/ehr/labbridge/internal/platform/middleware"
	"github.com/ehr/labbridge/internal/platform/xlsx"
)

type mockDevices map[uuid.UUID]bool

func (d mockDevices) Lookup(_ context.Context, id uuid.UUID) (*device.Device, error) {
	if !d[id] {
		return nil, apperr.ErrNotFound
	}
	return &device.Device{ID: id, Code: "XN"}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

var view = auth.NewCapabilities(auth.CapView)

func newTestService(devs ...uuid.UUID) (*staging.Service, *stagingtest.Repo, *recordingSink) {
	repo := stagingtest.NewRepo()
	lookup := mockDevices{}
	for _, d := range devs {
		lookup[d] = true
	}
	sink := &recordingSink{}
	svc := staging.NewService(repo, lookup, zerolog.Nop())
	svc.SetEventSink(sink)
	return svc, repo, sink
}

func seed(repo *stagingtest.Repo, deviceID uuid.UUID, sample string, status staging.Status) *staging.Row {
	return repo.Put(&staging.Row{DeviceID: deviceID, SampleID: sample, NativeCode: "GLU", Value: "5.4", Status: status})
}

// -- Service Tests --

func TestListRows_FiltersAndOrder(t *testing.T) {
	d1 := uuid.New()
	svc, repo, _ := newTestService(d1)
	seed(repo, d1, "S-100", staging.StatusStaging)
	seed(repo, d1, "S-200", staging.StatusError)
	seed(repo, d1, "X-100", staging.StatusStaging)
	seed(repo, uuid.New(), "S-100", staging.StatusStaging)
	ctx := context.Background()

	got, err := svc.ListRows(ctx, view, d1, staging.ListFilter{})
	if err != nil {
		t.Fatalf("ListRows() error: %v", err)
	}
	if len(got) != 3 || got[0].SampleID != "X-100" {
		t.Errorf("expected 3 rows newest first, got %v", got)
	}

	got, _ = svc.ListRows(ctx, view, d1, staging.ListFilter{Status: staging.StatusStaging, SampleID: "s-1"})
	if len(got) != 1 || got[0].SampleID != "S-100" {
		t.Errorf("expected exact status and case-insensitive sample match, got %v", got)
	}

	got, _ = svc.ListRows(ctx, view, d1, staging.ListFilter{Limit: 1})
	if len(got) != 1 {
		t.Errorf("expected limit to apply, got %d rows", len(got))
	}
}

func TestListRows_Errors(t *testing.T) {
	d1 := uuid.New()
	svc, _, _ := newTestService(d1)
	ctx := context.Background()

	if _, err := svc.ListRows(ctx, auth.Capabilities{}, d1, staging.ListFilter{}); err == nil {
		t.Error("expected permission error")
	}
	var v *apperr.ValidationError
	if _, err := svc.ListRows(ctx, view, d1, staging.ListFilter{Status: "done"}); !errors.As(err, &v) {
		t.Errorf("expected ValidationError for unknown status, got %v", err)
	}
	if _, err := svc.ListRows(ctx, view, uuid.New(), staging.ListFilter{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown device, got %v", err)
	}
}

func TestTransition_CompareAndSet(t *testing.T) {
	d1 := uuid.New()
	svc, repo, sink := newTestService(d1)
	row := seed(repo, d1, "S1", staging.StatusStaging)
	ctx := context.Background()

	mapped, err := svc.Transition(ctx, row, staging.Mapped{TestID: "GLU"})
	if err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	if mapped.Status != staging.StatusMapped || mapped.Version != row.Version+1 {
		t.Errorf("unexpected row after transition %+v", mapped)
	}

	// row is now stale.
	_, err = svc.Transition(ctx, row, staging.Failed{Reason: "late"})
	var conflict *apperr.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for stale row, got %v", err)
	}
	if repo.Get(row.ID).Status != staging.StatusMapped {
		t.Error("losing transition must not change the row")
	}
	if len(sink.events) != 1 || sink.events[0].FromStatus != "staging" || sink.events[0].ToStatus != "mapped" {
		t.Errorf("expected one transition event, got %+v", sink.events)
	}
}

func TestTransition_Illegal(t *testing.T) {
	d1 := uuid.New()
	svc, repo, _ := newTestService(d1)
	ctx := context.Background()

	posted := repo.Put(&staging.Row{DeviceID: d1, SampleID: "S1", NativeCode: "GLU", Status: staging.StatusPosted,
		InternalTestID: strPtr("GLU"), OrderID: strPtr("O1")})
	if _, err := svc.Transition(ctx, posted, staging.Failed{Reason: "x"}); !errors.Is(err, staging.ErrIllegalTransition) {
		t.Errorf("posted is terminal, got %v", err)
	}

	fresh := seed(repo, d1, "S2", staging.StatusStaging)
	if _, err := svc.Transition(ctx, fresh, staging.Posted{TestID: "GLU", OrderID: "O1"}); !errors.Is(err, staging.ErrIllegalTransition) {
		t.Errorf("staging cannot jump to posted, got %v", err)
	}

	broken := repo.Put(&staging.Row{DeviceID: d1, SampleID: "S3", NativeCode: "GLU", Status: staging.StatusError,
		ParseFailed: true, ErrorMessage: strPtr("OBX-5: not a number")})
	if _, err := svc.Transition(ctx, broken, staging.Staging{}); !errors.Is(err, staging.ErrIllegalTransition) {
		t.Errorf("parse failures cannot be retried, got %v", err)
	}
}

func TestTransition_ConcurrentSingleWinner(t *testing.T) {
	d1 := uuid.New()
	svc, repo, _ := newTestService(d1)
	row := seed(repo, d1, "S1", staging.StatusStaging)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snapshot := *row
			_, err := svc.Transition(context.Background(), &snapshot, staging.Mapped{TestID: "GLU"})
			mu.Lock()
			defer mu.Unlock()
			var c *apperr.ConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &c):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflicts != 7 {
		t.Errorf("expected 1 winner and 7 conflicts, got %d/%d", wins, conflicts)
	}
}

func TestCreateRows_FailurePropagates(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.FailCreate = errors.New("insert failed")
	if err := svc.CreateRows(context.Background(), []*staging.Row{{SampleID: "S1"}}); err == nil {
		t.Error("expected repository failure")
	}
}

func strPtr(s string) *string { return &s }

// -- Handler Tests --

func newTestServer(devs ...uuid.UUID) (*stagingtest.Repo, *echo.Echo) {
	svc, repo, _ := newTestService(devs...)
	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	staging.NewHandler(svc).RegisterRoutes(e.Group("/api/v1/lab", auth.DevAuthMiddleware("default")))
	return repo, e
}

func TestHandler_ListRows(t *testing.T) {
	d1 := uuid.New()
	repo, e := newTestServer(d1)
	seed(repo, d1, "S1", staging.StatusStaging)
	seed(repo, d1, "S2", staging.StatusError)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/lab/devices/"+d1.String()+"/results/staging?status=error&limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data  []staging.Row `json:"data"`
		Count int           `json:"count"`
		Limit int           `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Limit != 5 || body.Data[0].SampleID != "S2" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/lab/devices/"+d1.String()+"/results/staging?status=nope", nil))
	if rec.Code != http.StatusBadRequest || !bytes.Contains(rec.Body.Bytes(), []byte(`"field":"status"`)) {
		t.Errorf("expected 400 on status, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_GetRow(t *testing.T) {
	d1 := uuid.New()
	repo, e := newTestServer(d1)
	row := seed(repo, d1, "S1", staging.StatusStaging)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/lab/staging/"+row.ID.String(), nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"sample_id":"S1"`)) {
		t.Errorf("expected row, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/lab/staging/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ExportRows(t *testing.T) {
	d1 := uuid.New()
	repo, e := newTestServer(d1)
	seed(repo, d1, "S1", staging.StatusStaging)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/lab/devices/"+d1.String()+"/results/staging/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderContentType) != xlsx.ContentType {
		t.Errorf("unexpected content type %s", rec.Header().Get(echo.HeaderContentType))
	}
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("export is not a workbook: %v", err)
	}
	defer f.Close()
	rows, _ := f.GetRows("Staging Results")
	if len(rows) != 2 || rows[1][1] != "S1" || rows[1][10] != "staging" {
		t.Errorf("unexpected export rows %v", rows)
	}
}
