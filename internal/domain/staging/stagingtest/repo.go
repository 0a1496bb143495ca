// Package stagingtest provides an in-memory staging.Repository with the
// same compare-and-set semantics as the PostgreSQL store, for tests of the
// packages built on top of staging.
package stagingtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labbridge/internal/domain/staging"
	"github.com/ehr/labbridge/internal/platform/apperr"
)

type Repo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*staging.Row
	clock time.Time

	// FailCreate, when set, is returned by the next CreateRows call.
	FailCreate error
}

func NewRepo() *Repo {
	return &Repo{
		rows:  make(map[uuid.UUID]*staging.Row),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *Repo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *Repo) CreateRows(_ context.Context, rows []*staging.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		err := m.FailCreate
		m.FailCreate = nil
		return err
	}
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.ResultStatus == "" {
			r.ResultStatus = staging.ResultFinal
		}
		r.Version = 1
		r.ReceivedAt = m.tick()
		r.UpdatedAt = r.ReceivedAt
		cp := *r
		m.rows[r.ID] = &cp
	}
	return nil
}

// Put stores r as-is, for seeding rows in arbitrary states.
func (m *Repo) Put(r *staging.Row) *staging.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	if r.ResultStatus == "" {
		r.ResultStatus = staging.ResultFinal
	}
	if r.Status == "" {
		r.Status = staging.StatusStaging
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = m.tick()
	}
	cp := *r
	m.rows[r.ID] = &cp
	return r
}

// Get returns a copy of the stored row, or nil.
func (m *Repo) Get(id uuid.UUID) *staging.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (m *Repo) All() []*staging.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*staging.Row, 0, len(m.rows))
	for _, r := range m.rows {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (m *Repo) GetByID(_ context.Context, id uuid.UUID) (*staging.Row, error) {
	if r := m.Get(id); r != nil {
		return r, nil
	}
	return nil, apperr.ErrNotFound
}

func (m *Repo) List(_ context.Context, deviceID uuid.UUID, f staging.ListFilter) ([]*staging.Row, error) {
	var out []*staging.Row
	for _, r := range m.All() {
		if r.DeviceID != deviceID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.SampleID != "" && !strings.Contains(strings.ToLower(r.SampleID), strings.ToLower(f.SampleID)) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func in(s staging.Status, set []staging.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (m *Repo) ListForDevice(_ context.Context, deviceID uuid.UUID, statuses []staging.Status, limit int) ([]*staging.Row, error) {
	var out []*staging.Row
	for _, r := range m.All() {
		if r.DeviceID == deviceID && in(r.Status, statuses) {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Repo) ListForSample(_ context.Context, sampleID string, statuses []staging.Status) ([]*staging.Row, error) {
	var out []*staging.Row
	for _, r := range m.All() {
		if r.SampleID == sampleID && in(r.Status, statuses) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Repo) Transition(_ context.Context, id uuid.UUID, expect staging.Expect, next staging.State) (*staging.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if r.Status != expect.Status || r.Version != expect.Version {
		return nil, &apperr.ConflictError{Reason: fmt.Sprintf(
			"row %s already advanced: expected %s v%d, found %s v%d", id, expect.Status, expect.Version, r.Status, r.Version)}
	}
	cp := *r
	if err := cp.Apply(next); err != nil {
		return nil, err
	}
	cp.Version++
	cp.UpdatedAt = m.tick()
	m.rows[id] = &cp
	out := cp
	return &out, nil
}
