package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarsync/internal/metrics"
	"github.com/tejusbharadwaj/solarsync/internal/models"
)

func newTestFetcher(baseURL string, timeout time.Duration, recorder *metrics.Recorder) *TelemetryFetcher {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewTelemetryFetcher(FetcherConfig{
		BaseURL:           baseURL,
		APIKey:            "api-key",
		SystemID:          "4242",
		Timeout:           timeout,
		RequestsPerMinute: 600,
	}, logger, recorder)
}

func meterServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "api-key", r.URL.Query().Get("key"))
		assert.Equal(t, "day", r.URL.Query().Get("granularity"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const (
	consumptionPath = "/api/v4/systems/4242/telemetry/consumption_meter"
	productionPath  = "/api/v4/systems/4242/telemetry/production_meter"
)

func TestFetchFieldMapping(t *testing.T) {
	srv := meterServer(t, map[string]string{
		consumptionPath: `{"system_id":4242,"granularity":"day","intervals":[{"end_at":1100,"devices_reporting":1,"enwh":7.2}]}`,
		productionPath:  `{"system_id":4242,"granularity":"day","intervals":[{"end_at":1100,"devices_reporting":1,"wh_del":12.5}]}`,
	})
	f := newTestFetcher(srv.URL, time.Second, nil)

	consumption, err := f.Fetch(context.Background(), models.Consumption, "token", 1000)
	require.NoError(t, err)
	assert.Equal(t, []models.IntervalReading{{Kind: models.Consumption, EndAt: 1100, WattHours: 7.2}}, consumption)

	production, err := f.Fetch(context.Background(), models.Production, "token", 1000)
	require.NoError(t, err)
	assert.Equal(t, []models.IntervalReading{{Kind: models.Production, EndAt: 1100, WattHours: 12.5}}, production)
}

func TestFetchFiltersAtOrBeforeCursor(t *testing.T) {
	srv := meterServer(t, map[string]string{
		consumptionPath: `{"intervals":[
			{"end_at":900,"enwh":1},
			{"end_at":1000,"enwh":2},
			{"end_at":1001,"enwh":3},
			{"end_at":1100,"enwh":4},
			{"end_at":1200,"enwh":5}
		]}`,
	})
	recorder := metrics.NewRecorder()
	f := newTestFetcher(srv.URL, time.Second, recorder)

	readings, err := f.Fetch(context.Background(), models.Consumption, "token", 1000)
	require.NoError(t, err)

	var ends []int64
	for _, r := range readings {
		assert.Greater(t, r.EndAt, int64(1000))
		ends = append(ends, r.EndAt)
	}
	assert.Equal(t, []int64{1001, 1100, 1200}, ends, "remote order must be preserved")
	assert.Equal(t, 3.0, testutil.ToFloat64(recorder.Intervals.WithLabelValues("consumption")))
}

func TestFetchNothingNew(t *testing.T) {
	srv := meterServer(t, map[string]string{
		productionPath: `{"intervals":[{"end_at":1000,"wh_del":3}]}`,
	})
	f := newTestFetcher(srv.URL, time.Second, nil)

	readings, err := f.Fetch(context.Background(), models.Production, "token", 1000)
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestFetchMalformedFailsOpen(t *testing.T) {
	tests := []struct {
		name string
		kind models.Kind
		body string
	}{
		{name: "missing intervals", kind: models.Consumption, body: `{"message":"Not Authorized"}`},
		{name: "not json", kind: models.Production, body: `<html>oops</html>`},
		{name: "wrong field for kind", kind: models.Production, body: `{"intervals":[{"end_at":1100,"enwh":5}]}`},
		{name: "missing end_at", kind: models.Consumption, body: `{"intervals":[{"enwh":5}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := meterServer(t, map[string]string{
				consumptionPath: tt.body,
				productionPath:  tt.body,
			})
			recorder := metrics.NewRecorder()
			f := newTestFetcher(srv.URL, time.Second, recorder)

			readings, err := f.Fetch(context.Background(), tt.kind, "token", 0)
			assert.NoError(t, err)
			assert.Empty(t, readings)
			assert.Equal(t, 1.0, testutil.ToFloat64(recorder.FetchFailures.WithLabelValues(string(tt.kind), "malformed")))
		})
	}
}

func TestFetchTimeoutFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	recorder := metrics.NewRecorder()
	f := newTestFetcher(srv.URL, 50*time.Millisecond, recorder)

	readings, err := f.Fetch(context.Background(), models.Consumption, "token", 0)
	assert.NoError(t, err)
	assert.Empty(t, readings)
	assert.Equal(t, 1.0, testutil.ToFloat64(recorder.FetchFailures.WithLabelValues("consumption", "timeout")))
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	f := newTestFetcher(base, time.Second, nil)
	_, err := f.Fetch(context.Background(), models.Consumption, "token", 0)
	assert.ErrorIs(t, err, ErrFetchRequest)
}

func TestFetchUnknownKind(t *testing.T) {
	f := newTestFetcher("http://127.0.0.1:1", time.Second, nil)
	_, err := f.Fetch(context.Background(), models.Kind("battery"), "token", 0)
	assert.Error(t, err)
}

func TestListSystems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/systems", r.URL.Path)
		io.WriteString(w, `{"total":2,"systems":[{"system_id":1,"name":"Roof"},{"system_id":2,"name":"Garage"}]}`)
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL, time.Second, nil)
	systems, err := f.ListSystems(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, []System{{SystemID: 1, Name: "Roof"}, {SystemID: 2, Name: "Garage"}}, systems)
}

func TestListSystemsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"total":0}`)
	}))
	defer srv.Close()

	f := newTestFetcher(srv.URL, time.Second, nil)
	_, err := f.ListSystems(context.Background(), "token")
	assert.ErrorContains(t, err, "systems data not found")

	f.cfg.APIKey = ""
	_, err = f.ListSystems(context.Background(), "token")
	assert.ErrorIs(t, err, ErrFetchStatus)
}
