// Package runner performs one polling run: load the cursor, obtain a valid
// token, fetch both meters, send the new readings to carbon and advance the
// cursor.
//
// The cursor is persisted only after carbon accepted the batch. A run that
// dies between sending and persisting re-sends the same window next time;
// no ordering of failures can skip an interval.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarsync/internal/clock"
	"github.com/tejusbharadwaj/solarsync/internal/database"
	"github.com/tejusbharadwaj/solarsync/internal/metrics"
	"github.com/tejusbharadwaj/solarsync/internal/models"
)

// DefaultMinInterval is how long after the last delivered interval the API
// is polled again.
const DefaultMinInterval = 900 * time.Second

// ErrNoData aborts a run when either meter returned nothing new.
var ErrNoData = errors.New("no new meter data")

// SeedPolicy picks the cursor used when none has been stored.
type SeedPolicy string

const (
	SeedToday SeedPolicy = "today"
	SeedNow   SeedPolicy = "now"
	SeedEpoch SeedPolicy = "epoch"
)

// Seed returns the initial cursor for now under policy p.
func (p SeedPolicy) Seed(now time.Time) (int64, error) {
	switch p {
	case SeedToday, "":
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix(), nil
	case SeedNow:
		return now.Unix(), nil
	case SeedEpoch:
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown initial cursor policy: %s", p)
	}
}

// TokenSource yields a non-expired access token.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
}

// IntervalFetcher returns the readings of one meter newer than since.
type IntervalFetcher interface {
	Fetch(ctx context.Context, kind models.Kind, accessToken string, since int64) ([]models.IntervalReading, error)
}

// Sink accepts a batch of metric points.
type Sink interface {
	SendBatch(ctx context.Context, points []models.MetricPoint) error
}

// Options tunes a Runner. Zero values select the defaults.
type Options struct {
	MinInterval time.Duration
	Seed        SeedPolicy
	Clock       clock.Clock
	Recorder    *metrics.Recorder
}

// Result describes what a successful run did.
type Result struct {
	RunID string
	// Skipped is set when the last interval is too recent to poll again.
	Skipped bool
	Points  []models.MetricPoint
	// Cursor is the stored cursor at the end of the run.
	Cursor int64
}

type Runner struct {
	cursors database.CursorStore
	tokens  TokenSource
	fetcher IntervalFetcher
	sink    Sink
	logger  *logrus.Logger
	opts    Options
}

func New(
	cursors database.CursorStore,
	tokens TokenSource,
	fetcher IntervalFetcher,
	sink Sink,
	logger *logrus.Logger,
	opts Options,
) *Runner {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Runner{
		cursors: cursors,
		tokens:  tokens,
		fetcher: fetcher,
		sink:    sink,
		logger:  logger,
		opts:    opts,
	}
}

// Run executes one polling run.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}
	log := r.logger.WithField("run_id", result.RunID)

	outcome := metrics.OutcomeFailed
	defer func() { r.opts.Recorder.RunFinished(outcome) }()

	cursor, err := r.loadCursor(ctx, log)
	if err != nil {
		return nil, err
	}
	result.Cursor = cursor

	token, err := r.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	now := r.opts.Clock.Now()
	age := now.Sub(time.Unix(cursor, 0))
	log = log.WithFields(logrus.Fields{
		"cursor":     time.Unix(cursor, 0).UTC().Format(time.RFC3339),
		"cursor_age": age.Round(time.Second).String(),
	})
	if age < r.opts.MinInterval {
		log.Info("Not ready to request next interval")
		result.Skipped = true
		outcome = metrics.OutcomeSkipped
		return result, nil
	}

	consumption, err := r.fetcher.Fetch(ctx, models.Consumption, token, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch consumption: %w", err)
	}
	production, err := r.fetcher.Fetch(ctx, models.Production, token, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch production: %w", err)
	}
	if len(consumption) == 0 || len(production) == 0 {
		log.WithFields(logrus.Fields{
			"consumption": len(consumption),
			"production":  len(production),
		}).Warn("Couldn't retrieve (or didn't receive) meter data; aborting")
		outcome = metrics.OutcomeNoData
		return nil, ErrNoData
	}

	points := BuildBatch(consumption, production)
	if err := r.sink.SendBatch(ctx, points); err != nil {
		return nil, fmt.Errorf("failed to send batch: %w", err)
	}

	next := consumption[len(consumption)-1].EndAt
	if next < cursor {
		// Filtering guarantees end_at > cursor; never move backwards.
		next = cursor
	}
	if err := r.cursors.SaveCursor(ctx, next); err != nil {
		return nil, fmt.Errorf("batch sent but cursor not saved: %w", err)
	}

	result.Points = points
	result.Cursor = next
	outcome = metrics.OutcomeSent
	r.opts.Recorder.Sent(len(points), next, now)

	log.WithFields(logrus.Fields{
		"points":        len(points),
		"last_interval":time.Unix(next, 0).UTC().Format(time.RFC3339),
	}).Info("Delivered meter data to carbon")
	return result, nil
}

// loadCursor returns the stored cursor, seeding and saving one on first run.
func (r *Runner) loadCursor(ctx context.Context, log *logrus.Entry) (int64, error) {
	cursor, err := r.cursors.LoadCursor(ctx)
	if err == nil {
		return cursor, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}

	cursor, err = r.opts.Seed.Seed(r.opts.Clock.Now())
	if err != nil {
		return 0, err
	}
	if err := r.cursors.SaveCursor(ctx, cursor); err != nil {
		return 0, fmt.Errorf("failed to save initial cursor: %w", err)
	}
	log.WithFields(logrus.Fields{
		"policy": r.opts.Seed,
		"cursor": cursor,
	}).Info("No cursor stored, seeded initial cursor")
	return cursor, nil
}

// BuildBatch turns readings into carbon points, consumption first.
func BuildBatch(consumption, production []models.IntervalReading) []models.MetricPoint {
	points := make([]models.MetricPoint, 0, len(consumption)+len(production))
	for _, r := range consumption {
		points = append(points, r.Point())
	}
	for _, r := range production {
		points = append(points, r.Point())
	}
	return points
}
