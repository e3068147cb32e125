package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	r.ObserveAPIRequest("consumption_meter", 200, 120*time.Millisecond)
	r.ObserveAPIRequest("consumption_meter", 200, 80*time.Millisecond)
	r.IntervalsFetched("production", 3)
	r.FetchFailed("consumption", "timeout")
	r.TokenGrant("refresh_token", nil)
	r.TokenGrant("refresh_token", errors.New("boom"))
	r.Sent(4, 1100, time.Unix(2000, 0))
	r.RunFinished(OutcomeSent)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.APIRequests.WithLabelValues("consumption_meter", "200")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.Intervals.WithLabelValues("production")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.FetchFailures.WithLabelValues("consumption", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TokenGrants.WithLabelValues("refresh_token", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TokenGrants.WithLabelValues("refresh_token", "error")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.PointsSent))
	assert.Equal(t, 1100.0, testutil.ToFloat64(r.CursorPosition))
	assert.Equal(t, 2000.0, testutil.ToFloat64(r.LastSuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues(OutcomeSent)))
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder

	assert.NotPanics(t, func() {
		r.ObserveAPIRequest("token", 200, time.Second)
		r.IntervalsFetched("consumption", 1)
		r.FetchFailed("consumption", "malformed")
		r.TokenGrant("authorization_code", nil)
		r.Sent(1, 1, time.Now())
		r.RunFinished(OutcomeFailed)
	})
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.Push(context.Background(), "http://example.invalid", "job"))
}

func TestPush(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotMethod = req.Method
		gotPath = req.URL.Path
		gotBody, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder()
	r.RunFinished(OutcomeSkipped)

	err := r.Push(context.Background(), srv.URL, "solarsync")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/metrics/job/solarsync", gotPath)
	assert.Contains(t, string(gotBody), "solarsync_runs_total")
}
