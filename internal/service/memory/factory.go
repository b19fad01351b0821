package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
)

const (
	BackendChromem  = "chromem"
	BackendPostgres = "postgres"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	Dir         string
	DatabaseURL string
	Embed       chromem.EmbeddingFunc
	OpTimeout   time.Duration
}

// NewStore creates the configured backend, registers every persona collection and
// wraps the result with the per-operation timeout. An empty backend picks postgres
// when a database URL is configured and chromem otherwise.
func NewStore(ctx context.Context, opts Options, personaIDs []string) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = BackendChromem
		if strings.TrimSpace(opts.DatabaseURL) != "" {
			backend = BackendPostgres
		}
	}

	var (
		store Store
		err   error
	)
	switch backend {
	case BackendChromem:
		store, err = NewChromemStore(opts.Dir, opts.Embed)
	case BackendPostgres:
		store, err = NewPostgresStore(ctx, opts.DatabaseURL, opts.Embed)
	default:
		return nil, fmt.Errorf("unsupported memory backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}

	store = WithTimeout(store, opts.OpTimeout)
	for _, id := range personaIDs {
		if err := store.Register(ctx, id); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("register persona %s: %w", id, err)
		}
	}

	log.Info().Str("backend", backend).Int("personas", len(personaIDs)).Msg("memory store ready")
	return store, nil
}
