package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
)

// PostgresStore persists persona turns in PostgreSQL with pgvector similarity.
// Sequence counters live in their own table, so deleting turns never rewinds them.
type PostgresStore struct {
	pool  *pgxpool.Pool
	embed chromem.EmbeddingFunc

	mu         sync.RWMutex
	registered map[string]struct{}
}

func NewPostgresStore(ctx context.Context, databaseURL string, embed chromem.EmbeddingFunc) (*PostgresStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("postgres store: embedding func is required")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:       pool,
		embed:      embed,
		registered: make(map[string]struct{}),
	}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		`CREATE TABLE IF NOT EXISTS persona_sequences (
			persona_id TEXT PRIMARY KEY,
			last_seq BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS memory_turns (
			persona_id TEXT NOT NULL REFERENCES persona_sequences (persona_id),
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (persona_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Register(ctx context.Context, personaID string) error {
	if err := ValidatePersonaID(personaID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO persona_sequences (persona_id) VALUES ($1) ON CONFLICT (persona_id) DO NOTHING`,
		personaID,
	)
	if err != nil {
		return storageErr("register", personaID, err)
	}

	s.mu.Lock()
	s.registered[personaID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) checkRegistered(personaID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.registered[personaID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, personaID string, turn chat.Turn) (chat.Turn, error) {
	if err := s.checkRegistered(personaID); err != nil {
		return chat.Turn{}, err
	}
	if !turn.Role.Valid() {
		return chat.Turn{}, fmt.Errorf("append: invalid role %q", turn.Role)
	}

	embedding, err := s.embed(ctx, turn.Content)
	if err != nil {
		return chat.Turn{}, storageErr("append", personaID, fmt.Errorf("embed turn: %w", err))
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	turn.PersonaID = personaID

	// The row lock taken by the counter update serialises appends per persona.
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`UPDATE persona_sequences SET last_seq = last_seq + 1 WHERE persona_id = $1 RETURNING last_seq`,
			personaID,
		).Scan(&turn.Seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO memory_turns (persona_id, seq, role, content, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5::vector, $6)`,
			personaID, turn.Seq, string(turn.Role), turn.Content, formatVector(embedding), turn.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Turn{}, storageErr("append", personaID, err)
	}
	return turn, nil
}

func (s *PostgresStore) Query(ctx context.Context, personaID string, queryText string, k int) ([]chat.Turn, error) {
	if err := s.checkRegistered(personaID); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	count, err := s.Count(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	embedding, err := s.embed(ctx, queryText)
	if err != nil {
		return nil, storageErr("query", personaID, fmt.Errorf("embed query: %w", err))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT persona_id, seq, role, content, created_at FROM memory_turns
		 WHERE persona_id = $1
		 ORDER BY embedding <=> $2::vector, seq DESC
		 LIMIT $3`,
		personaID, formatVector(embedding), k,
	)
	if err != nil {
		return nil, storageErr("query", personaID, err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, storageErr("query", personaID, err)
	}
	return turns, nil
}

func (s *PostgresStore) Recent(ctx context.Context, personaID string, n int) ([]chat.Turn, error) {
	if err := s.checkRegistered(personaID); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT persona_id, seq, role, content, created_at FROM memory_turns
		 WHERE persona_id = $1 ORDER BY seq DESC LIMIT $2`,
		personaID, n,
	)
	if err != nil {
		return nil, storageErr("recent", personaID, err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, storageErr("recent", personaID, err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PostgresStore) Clear(ctx context.Context, personaID string) error {
	if err := s.checkRegistered(personaID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_turns WHERE persona_id = $1`, personaID)
	if err != nil {
		return storageErr("clear", personaID, err)
	}
	log.Info().Str("persona", personaID).Int64("deleted", tag.RowsAffected()).Msg("memory cleared")
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, personaID string) (int, error) {
	if err := s.checkRegistered(personaID); err != nil {
		return 0, err
	}
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memory_turns WHERE persona_id = $1`, personaID,
	).Scan(&count); err != nil {
		return 0, storageErr("count", personaID, err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTurns(rows pgx.Rows) ([]chat.Turn, error) {
	defer rows.Close()

	var turns []chat.Turn
	for rows.Next() {
		var (
			t    chat.Turn
			role string
		)
		if err := rows.Scan(&t.PersonaID, &t.Seq, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = chat.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

// formatVector renders a pgvector text literal, e.g. "[0.1,0.2]".
func formatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
