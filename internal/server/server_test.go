package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/equihub-lab/equihub-core/internal/api/v1"
	"github.com/equihub-lab/equihub-core/internal/bus"
	"github.com/equihub-lab/equihub-core/internal/cache"
	"github.com/equihub-lab/equihub-core/internal/core/clock"
	"github.com/equihub-lab/equihub-core/internal/core/event"
	coreerr "github.com/equihub-lab/equihub-core/internal/core/errors"
	"github.com/equihub-lab/equihub-core/internal/eventstore"
	"github.com/equihub-lab/equihub-core/internal/kvstore"
	"github.com/equihub-lab/equihub-core/internal/remote"
)

const testOwner = "user-1"

type rebuildSpy struct {
	owners []string
}

func (r *rebuildSpy) RebuildAll(_ context.Context, owner string) error {
	r.owners = append(r.owners, owner)
	return nil
}

type drainSpy struct {
	calls int
}

func (d *drainSpy) Drain(context.Context) { d.calls++ }

type fixture struct {
	srv     *Server
	events  *eventstore.Store
	remote  *remote.Fake
	clock   *clock.Fake
	rebuild *rebuildSpy
	drain   *drainSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		remote:  remote.NewFake(),
		clock:   clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		rebuild: &rebuildSpy{},
		drain:   &drainSpy{},
	}
	f.events = eventstore.New(kvstore.NewMemory(), f.remote, cache.New(f.clock), f.clock, bus.New(), time.UTC)
	f.srv = New(Options{
		Addr:   ":0",
		Events: f.events,
		Notify: f.rebuild,
		Syncer: f.drain,
		Clock:  f.clock,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, withOwner bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if withOwner {
		req.Header.Set(ownerHeader, testOwner)
	}
	w := httptest.NewRecorder()
	f.srv.Engine.ServeHTTP(w, req)
	return w
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp coreerr.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.ErrorType
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMissingOwnerHeader(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/events", nil, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, coreerr.HttpNotAuthenticated, errorType(t, w))
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/events", v1.CreateRequest{
		Kind:            string(event.KindTraining),
		ScheduledAt:     f.clock.Now().Add(48 * time.Hour),
		Title:           "Dressage",
		ReminderEnabled: true,
	}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	var created v1.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.True(t, created.Pending)
	require.Equal(t, "Dressage", created.Title)

	w = f.do(t, http.MethodGet, "/v1/events", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var listed struct {
		Events []v1.Event `json:"events"`
		Count  int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Equal(t, 1, listed.Count)
	require.Equal(t, created.ID, listed.Events[0].ID)
}

func TestCreateRejectsBadDraft(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/events", v1.CreateRequest{
		Kind:  "grooming",
		Title: "Unknown kind",
	}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRejectsBadWindow(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/events?from=tomorrowish", nil, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateVirtualRecurrenceRejected(t *testing.T) {
	f := newFixture(t)
	anchor := f.clock.Now().Add(48 * time.Hour)
	synced, err := f.remote.Insert(context.Background(), event.Event{
		Owner: testOwner, Kind: event.KindTraining,
		ScheduledAt: anchor, Title: "Flatwork",
		Repeat: &event.Repeat{Pattern: event.PatternWeekly},
	})
	require.NoError(t, err)

	virtualID := event.VirtualID(synced.ID, anchor.AddDate(0, 0, 7))
	at := anchor.AddDate(0, 0, 8)
	w := f.do(t, http.MethodPatch, "/v1/events/"+virtualID, v1.PatchRequest{ScheduledAt: &at}, true)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, coreerr.HttpUnsupportedEditError, errorType(t, w))
}

func TestUpdateUnknownID(t *testing.T) {
	f := newFixture(t)
	title := "x"
	w := f.do(t, http.MethodPatch, "/v1/events/2b1f4df4-5ad6-4a58-9d9a-000000000000",
		v1.PatchRequest{Title: &title}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, coreerr.HttpInvalidIdError, errorType(t, w))
}

func TestDeleteAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	synced, err := f.remote.Insert(ctx, event.Event{
		Owner: testOwner, Kind: event.KindTraining,
		ScheduledAt: f.clock.Now().Add(time.Hour), Title: "Ride",
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/v1/events/%s/complete", synced.ID),
		v1.CompleteRequest{LinkedRecordID: "session-7"}, true)
	require.Equal(t, http.StatusOK, w.Code)

	var done v1.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, "session-7", done.LinkedRecordID)

	w = f.do(t, http.MethodDelete, "/v1/events/"+synced.ID, nil, true)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestSyncStatusAndDrain(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/v1/events", v1.CreateRequest{
		Kind:        string(event.KindTraining),
		ScheduledAt: f.clock.Now().Add(time.Hour),
		Title:       "Ride",
	}, true)

	w := f.do(t, http.MethodGet, "/v1/sync/status", nil, true)
	require.Equal(t, http.StatusOK, w.Code)

	var st eventstore.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Equal(t, 1, st.Pending)

	w = f.do(t, http.MethodPost, "/v1/sync/drain", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, f.drain.calls)
}

func TestRebuildNotifications(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/notifications/rebuild", nil, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{testOwner}, f.rebuild.owners)
}

func TestInvalidateCache(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/cache/invalidate", v1.InvalidateRequest{Pattern: "^events:"}, true)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/cache/invalidate", v1.InvalidateRequest{}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/cache/invalidate", v1.InvalidateRequest{Pattern: "(["}, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidJSONBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString("{nope"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ownerHeader, testOwner)
	w := httptest.NewRecorder()
	f.srv.Engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, coreerr.HttpInvalidJsonError, errorType(t, w))
}
