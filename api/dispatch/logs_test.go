package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
)

func seededStore(t *testing.T) logging.LogStore {
	t.Helper()
	st, err := logging.NewJSONLStore(filepath.Join(t.TempDir(), "offers.jsonl"))
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	recs := []logging.LogRecord{
		{Timestamp: base, RideID: "r1", Action: logging.ActionOffer, PickupBlockID: "gate",
			Candidates: []logging.Candidate{{PullerID: "p1", DistanceMeters: 12, EstimatedPoints: 10}}},
		{Timestamp: base.Add(time.Minute), RideID: "r1", Action: logging.ActionRedistribution, PickupBlockID: "gate",
			Candidates: []logging.Candidate{{PullerID: "p2", DistanceMeters: 80, EstimatedPoints: 10}}},
		{Timestamp: base.Add(2 * time.Minute), RideID: "r2", Action: logging.ActionOffer, PickupBlockID: "market",
			Candidates: []logging.Candidate{{PullerID: "p2", DistanceMeters: 300, EstimatedPoints: 7}}},
	}
	for _, r := range recs {
		require.NoError(t, st.Append(context.Background(), r))
	}
	return st
}

func get(t *testing.T, h http.Handler, url, tok string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestLogHandler_AuthAndFilters(t *testing.T) {
	h := NewLogHandler(seededStore(t), "tok")

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/dispatch/logs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/dispatch/logs", "wrong").Code)

	cases := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?ride_id=r1", 2},
		{"?puller_id=p2", 2},
		{"?action=offer", 2},
		{"?ride_id=r1&action=redistribution", 1},
		{"?start=2026-03-01T08:01:00Z", 2},
		{"?end=2026-03-01T08:00:30Z", 1},
		{"?ride_id=zzz", 0},
	}
	for _, tc := range cases {
		rr := get(t, h, "/api/dispatch/logs"+tc.query, "tok")
		require.Equal(t, http.StatusOK, rr.Code, tc.query)
		var out []logging.LogRecord
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		assert.Lenf(t, out, tc.want, "query %q", tc.query)
	}
}

func TestLogHandler_BadParams(t *testing.T) {
	h := NewLogHandler(seededStore(t), "")
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/dispatch/logs?start=yesterday", "").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/dispatch/logs?action=teleport", "").Code)
}
