package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tejusbharadwaj/solarsync/internal/metrics"
	"github.com/tejusbharadwaj/solarsync/internal/models"
)

var (
	ErrFetchRequest = errors.New("error making telemetry request")
	ErrFetchStatus  = errors.New("error status from telemetry API")
)

// Failure reasons recorded when a fetch fails open.
const (
	reasonTimeout   = "timeout"
	reasonMalformed = "malformed"
)

type rawInterval struct {
	EndAt *int64   `json:"end_at"`
	Enwh  *float64 `json:"enwh"`
	WhDel *float64 `json:"wh_del"`
}

// TelemetryResponse is the body of the meter telemetry endpoints.
type TelemetryResponse struct {
	SystemID    int64          `json:"system_id"`
	Granularity string         `json:"granularity"`
	Intervals   *[]rawInterval `json:"intervals"`
}

// System is one entry of the systems listing.
type System struct {
	SystemID int64  `json:"system_id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

type systemsResponse struct {
	Systems *[]System `json:"systems"`
}

// FetcherConfig holds the Enlighten API settings used by the fetcher.
type FetcherConfig struct {
	BaseURL           string
	APIKey            string
	SystemID          string
	Timeout           time.Duration
	RequestsPerMinute int
}

// TelemetryFetcher pulls meter intervals from the Enlighten v4 API.
type TelemetryFetcher struct {
	cfg      FetcherConfig
	client   *http.Client
	limiter  *rate.Limiter
	logger   *logrus.Logger
	recorder *metrics.Recorder
}

func NewTelemetryFetcher(cfg FetcherConfig, logger *logrus.Logger, recorder *metrics.Recorder) *TelemetryFetcher {
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &TelemetryFetcher{
		cfg:      cfg,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:   logger,
		recorder: recorder,
	}
}

// Fetch returns the intervals of the given meter that ended after since, in
// the order the API returned them.
//
// A timed-out request or a response without an intervals collection yields
// an empty slice and a nil error so that one failing meter does not stop
// the other from being checked. Both cases are logged and counted.
func (f *TelemetryFetcher) Fetch(ctx context.Context, kind models.Kind, accessToken string, since int64) ([]models.IntervalReading, error) {
	endpoint, err := meterEndpoint(kind)
	if err != nil {
		return nil, err
	}

	log := f.logger.WithFields(logrus.Fields{
		"kind":  kind,
		"since": since,
	})

	path := fmt.Sprintf("/api/v4/systems/%s/telemetry/%s", url.PathEscape(f.cfg.SystemID), endpoint)
	query := url.Values{
		"key":         {f.cfg.APIKey},
		"granularity": {"day"},
	}

	body, status, err := f.get(ctx, endpoint, path, query, accessToken)
	if err != nil {
		if isTimeout(err) {
			log.WithError(err).Warn("Timed out while requesting meter data")
			f.recorder.FetchFailed(string(kind), reasonTimeout)
			return nil, nil
		}
		return nil, err
	}

	var resp TelemetryResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Intervals == nil {
		log.WithFields(logrus.Fields{
			"status":   status,
			"response": truncate(body, 512),
		}).Warn("Unexpected response format")
		f.recorder.FetchFailed(string(kind), reasonMalformed)
		return nil, nil
	}

	readings := make([]models.IntervalReading, 0, len(*resp.Intervals))
	for i, interval := range *resp.Intervals {
		value := interval.Enwh
		if kind == models.Production {
			value = interval.WhDel
		}
		if interval.EndAt == nil || value == nil {
			log.WithField("index", i).Warn("Interval missing end_at or reading, discarding response")
			f.recorder.FetchFailed(string(kind), reasonMalformed)
			return nil, nil
		}
		if *interval.EndAt <= since {
			continue
		}
		readings = append(readings, models.IntervalReading{
			Kind:      kind,
			EndAt:     *interval.EndAt,
			WattHours: *value,
		})
	}

	f.recorder.IntervalsFetched(string(kind), len(readings))
	log.WithFields(logrus.Fields{
		"returned": len(*resp.Intervals),
		"new":      len(readings),
	}).Debug("Fetched meter intervals")
	return readings, nil
}

// ListSystems returns the systems visible to the access token.
func (f *TelemetryFetcher) ListSystems(ctx context.Context, accessToken string) ([]System, error) {
	body, status, err := f.get(ctx, "systems", "/api/v4/systems", url.Values{"key": {f.cfg.APIKey}}, accessToken)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: got %d", ErrFetchStatus, status)
	}

	var resp systemsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	if resp.Systems == nil {
		return nil, fmt.Errorf("systems data not found in response: %s", truncate(body, 512))
	}
	return *resp.Systems, nil
}

// get performs one rate-limited, time-bounded GET and returns the body and
// status code.
func (f *TelemetryFetcher) get(ctx context.Context, endpoint, path string, query url.Values, accessToken string) ([]byte, int, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: rate limiter: %w", ErrFetchRequest, err)
	}

	// The timeout covers the request only, not time spent queued on the limiter.
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	reqURL := strings.TrimRight(f.cfg.BaseURL, "/") + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFetchRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrFetchRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	f.recorder.ObserveAPIRequest(endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading body: %w", ErrFetchRequest, err)
	}
	return body, resp.StatusCode, nil
}

func meterEndpoint(kind models.Kind) (string, error) {
	switch kind {
	case models.Consumption:
		return "consumption_meter", nil
	case models.Production:
		return "production_meter", nil
	default:
		return "", fmt.Errorf("unknown meter kind: %s", kind)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
