//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/state.go -package=mocks . StateRepository

// Package database persists the state that must survive between runs: the
// OAuth credential set and the fetch cursor.
//
// Two independently keyed records are kept:
//   - credentials: access token, refresh token, expiry
//   - cursor: end of the last interval delivered to carbon
//
// Every save replaces the whole record atomically; a reader observes either
// the previous or the new record, never a mix. The repositories hold no
// business logic and are not safe for concurrent writers.
//
// Example usage:
//
//	repo, err := NewFileRepo("/var/lib/solarsync")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer repo.Close()
//
//	cursor, err := repo.LoadCursor(ctx)
package database

import (
	"context"
	"errors"

	"github.com/tejusbharadwaj/solarsync/internal/models"
)

// ErrNotFound is returned when a record has never been saved.
var ErrNotFound = errors.New("record not found")

// TokenStore persists the credential set.
type TokenStore interface {
	// LoadCredentials returns the stored set or ErrNotFound.
	LoadCredentials(ctx context.Context) (*models.CredentialSet, error)

	// SaveCredentials replaces all three fields and returns once the write
	// is durable.
	SaveCredentials(ctx context.Context, creds models.CredentialSet) error
}

// CursorStore persists the fetch cursor.
type CursorStore interface {
	// LoadCursor returns the end of the last delivered interval or ErrNotFound.
	LoadCursor(ctx context.Context) (int64, error)

	// SaveCursor replaces the stored cursor and returns once the write is durable.
	SaveCursor(ctx context.Context, lastInterval int64) error
}

// StateRepository is a TokenStore and CursorStore backed by one resource.
type StateRepository interface {
	TokenStore
	CursorStore

	// Close releases any resources held by the repository.
	Close() error
}
