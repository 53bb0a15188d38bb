package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/archivist/internal/model"
	"github.com/dukerupert/archivist/internal/scheduler"
	"github.com/dukerupert/archivist/internal/testutil"
)

type fakeStats struct {
	err error
}

func (f fakeStats) Statistics(context.Context) (*model.Statistics, error) {
	if f.err != nil {
		return nil, f.err
	}
	st := model.NewStatistics()
	st.Total = 3
	st.ByStatus[model.BackupStatusCompleted] = 3
	return st, nil
}

type fakeSchedule []scheduler.Entry

func (f fakeSchedule) Entries() []scheduler.Entry { return f }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	ok := New(fakeStats{}, nil, testutil.Logger(t)).Router()
	rec := get(t, ok, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	down := New(fakeStats{err: errors.New("database is locked")}, nil, testutil.Logger(t)).Router()
	rec = get(t, down, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestStats(t *testing.T) {
	h := New(fakeStats{}, nil, testutil.Logger(t)).Router()
	rec := get(t, h, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var st model.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(3), st.ByStatus[model.BackupStatusCompleted])
}

func TestSchedule(t *testing.T) {
	next := time.Date(2024, 1, 16, 2, 0, 0, 0, time.UTC)
	h := New(fakeStats{}, fakeSchedule{{Job: scheduler.JobCreate, Spec: "0 2 * * *", Next: next}}, testutil.Logger(t)).Router()
	rec := get(t, h, "/schedule")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"job":"create","spec":"0 2 * * *","next":"2024-01-16T02:00:00Z"}]`, rec.Body.String())

	empty := New(fakeStats{}, nil, testutil.Logger(t)).Router()
	assert.JSONEq(t, `[]`, get(t, empty, "/schedule").Body.String())
}

func TestMetrics(t *testing.T) {
	h := New(fakeStats{}, nil, testutil.Logger(t)).Router()
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
