package cmd

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/api/rides"
	"github.com/kilianp07/ridedispatch/core/dispatch"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/core/scheduler"
	"github.com/kilianp07/ridedispatch/core/store"
	"github.com/kilianp07/ridedispatch/infra/logger"
)

func startAPI(t *testing.T) string {
	t.Helper()
	dispatch.ResetMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { dispatch.ResetMetrics(nil) })
	mem := store.NewMemoryStore()
	mem.PutBlock(model.Block{ID: "gate", Name: "Gate", Lat: 22.46, Lon: 91.97})
	mem.PutBlock(model.Block{ID: "market", Name: "Market", Lat: 22.4633, Lon: 91.9714})
	lat, lon := 22.46, 91.97
	mem.PutPuller(model.Puller{ID: "p1", Name: "Rahim", IsOnline: true, IsActive: true, Lat: &lat, Lon: &lon})
	eng, err := dispatch.NewEngine(dispatch.Config{}, mem, notify.NewMockNotifier(), scheduler.NewManualScheduler(), nil, logger.NopLogger{})
	require.NoError(t, err)
	srv := httptest.NewServer(rides.NewRouter(eng, nil, nil, "tok"))
	t.Cleanup(srv.Close)
	return srv.URL
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	// Point the env file at a path that does not exist.
	rootCmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRideRequestAndGet(t *testing.T) {
	url := startAPI(t)
	out, err := execute(t, "ride", "request", "--from", "gate", "--to", "market", "--server", url)
	require.NoError(t, err)
	var ride model.Ride
	require.NoError(t, json.Unmarshal([]byte(out), &ride))
	assert.Equal(t, model.RideSearching, ride.Status)

	out, err = execute(t, "ride", "get", ride.ID, "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, ride.ID)

	_, err = execute(t, "ride", "get", "missing", "--server", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404 not_found")
}

func TestPullersAndPoints(t *testing.T) {
	url := startAPI(t)

	_, err := execute(t, "points", "adjust", "p1", "--delta", "4", "--server", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	out, err := execute(t, "points", "adjust", "p1", "--delta", "4", "--reason", "REDEMPTION", "--server", url, "--token", "tok")
	require.NoError(t, err)
	var res rides.AdjustResponse
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 4, res.Balance)
	assert.Equal(t, model.ReasonRedemption, res.Entry.Reason)

	out, err = execute(t, "pullers", "ls", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Rahim")
	assert.Contains(t, out, "22.46000,91.97000")

	out, err = execute(t, "pullers", "ledger", "p1", "--format", "csv", "--server", url)
	require.NoError(t, err)
	assert.Contains(t, out, "id,created_at,puller_id,ride_id,reason,points_change,balance")
	assert.Contains(t, out, ",p1,,REDEMPTION,4,4")
}
