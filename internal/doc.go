// Package solarsync forwards Enphase Enlighten meter readings to carbon.
//
// # Architecture
//
// One process invocation performs one polling run. The work is split into
// several packages:
//   - auth: OAuth credential lifecycle
//   - api: Enlighten v4 telemetry client
//   - carbon: pickle and plaintext writers for carbon's receivers
//   - database: credential and cursor storage (files or PostgreSQL)
//   - runner: orchestration of a single run
//   - metrics: Prometheus collectors, pushed to a Pushgateway at exit
//   - config, clock, models: shared plumbing
//
// Key Features
//
//   - At-least-once delivery:
//     The cursor only moves after carbon accepted the batch, so a failed
//     run repeats its window instead of dropping it.
//
//   - Fail-open fetching:
//     A timed-out or malformed meter response counts as "no data" and is
//     logged and counted rather than aborting the process with a stack trace.
//
//   - State at rest:
//     Credentials can be sealed with an age X25519 identity when kept in
//     the file store.
//
// Example Usage
//
//	r := runner.New(repo, tokens, fetcher, carbonClient, logger, runner.Options{})
//	result, err := r.Run(ctx)
//	if errors.Is(err, runner.ErrNoData) {
//	    // nothing new this time
//	}
//
// For more information about specific packages, see their respective
// documentation.
package solarsync
