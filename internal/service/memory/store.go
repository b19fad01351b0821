// Package memory persists persona conversation turns and serves both similarity
// and chronological recall over them.
//
// Every persona owns exactly one collection. Collections are bound explicitly
// through Register when personas are loaded; operations on an unregistered persona
// fail with ErrUnknownPersona instead of silently creating a collection.
//
// Sequence numbers are assigned by the store, strictly increasing per persona and
// never reused, including after Clear.
package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
)

var (
	// ErrUnknownPersona is returned for personas that were never registered.
	ErrUnknownPersona = errors.New("persona collection not registered")

	collectionIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
)

// Store is the per-persona turn memory.
type Store interface {
	// Register validates personaID and binds (opening or creating) its collection.
	Register(ctx context.Context, personaID string) error

	// Append stores turn in the persona's collection and returns it with the
	// assigned sequence number.
	Append(ctx context.Context, personaID string, turn chat.Turn) (chat.Turn, error)

	// Query returns up to k turns ranked by similarity to queryText, most similar
	// first. Equal similarity ranks the higher sequence number first.
	Query(ctx context.Context, personaID string, queryText string, k int) ([]chat.Turn, error)

	// Recent returns the last n turns, oldest first.
	Recent(ctx context.Context, personaID string, n int) ([]chat.Turn, error)

	// Clear deletes every turn of the persona. Clearing an empty collection succeeds.
	Clear(ctx context.Context, personaID string) error

	// Count returns the number of stored turns.
	Count(ctx context.Context, personaID string) (int, error)

	Close() error
}

// StorageError reports a failed read or write against the underlying index.
// Callers treat it as degraded-but-continuable.
type StorageError struct {
	Op        string
	PersonaID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("memory %s (persona=%s): %v", e.Op, e.PersonaID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op, personaID string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, PersonaID: personaID, Err: err}
}

// ValidatePersonaID checks that id is usable as a collection key.
func ValidatePersonaID(id string) error {
	if !collectionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid persona id %q", id)
	}
	return nil
}

func collectionName(personaID string) string {
	return "persona_" + personaID
}

func documentID(personaID string, seq int64) string {
	return fmt.Sprintf("%s-%012d", personaID, seq)
}

// WithTimeout bounds every call on store with its own deadline.
func WithTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return store
	}
	return &timeoutStore{next: store, timeout: timeout}
}

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

func (s *timeoutStore) Register(ctx context.Context, personaID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Register(ctx, personaID)
}

func (s *timeoutStore) Append(ctx context.Context, personaID string, turn chat.Turn) (chat.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Append(ctx, personaID, turn)
}

func (s *timeoutStore) Query(ctx context.Context, personaID string, queryText string, k int) ([]chat.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Query(ctx, personaID, queryText, k)
}

func (s *timeoutStore) Recent(ctx context.Context, personaID string, n int) ([]chat.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Recent(ctx, personaID, n)
}

func (s *timeoutStore) Clear(ctx context.Context, personaID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Clear(ctx, personaID)
}

func (s *timeoutStore) Count(ctx context.Context, personaID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Count(ctx, personaID)
}

func (s *timeoutStore) Close() error {
	return s.next.Close()
}
