package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
)

const (
	metaPersonaID = "persona_id"
	metaRole      = "role"
	metaSeq       = "seq"
	metaCreatedAt = "created_at"
)

// ChromemStore keeps persona turns in chromem-go, an embedded vector database.
// With a directory it persists collections as gob files under that root; without
// one everything stays in memory.
type ChromemStore struct {
	db     *chromem.DB
	embed  chromem.EmbeddingFunc
	ledger *sequenceLedger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection // persona ID -> collection
	writeLocks  map[string]*sync.Mutex
}

// NewChromemStore opens (or creates) a chromem database rooted at dir. embed turns
// turn text into vectors for both writes and similarity queries.
func NewChromemStore(dir string, embed chromem.EmbeddingFunc) (*ChromemStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("chromem store: embedding func is required")
	}

	var (
		db  *chromem.DB
		err error
	)
	if dir == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	ledger, err := openLedger(dir)
	if err != nil {
		return nil, err
	}

	return &ChromemStore{
		db:          db,
		embed:       embed,
		ledger:      ledger,
		collections: make(map[string]*chromem.Collection),
		writeLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// Register binds the persona to its collection, creating it on first use.
func (s *ChromemStore) Register(ctx context.Context, personaID string) error {
	if err := ValidatePersonaID(personaID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[personaID]; ok {
		return nil
	}

	col, err := s.db.GetOrCreateCollection(collectionName(personaID), map[string]string{metaPersonaID: personaID}, s.embed)
	if err != nil {
		return storageErr("register", personaID, fmt.Errorf("open collection: %w", err))
	}
	scan := func() (int64, int64, error) { return s.scanSequences(ctx, col) }
	if err := s.ledger.reconcile(personaID, col.Count(), scan); err != nil {
		return storageErr("register", personaID, err)
	}

	s.collections[personaID] = col
	s.writeLocks[personaID] = &sync.Mutex{}
	log.Debug().Str("persona", personaID).Int("turns", col.Count()).Msg("memory collection registered")
	return nil
}

func (s *ChromemStore) collection(personaID string) (*chromem.Collection, *sync.Mutex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[personaID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	}
	return col, s.writeLocks[personaID], nil
}

// Append embeds and stores a turn under the next sequence number.
func (s *ChromemStore) Append(ctx context.Context, personaID string, turn chat.Turn) (chat.Turn, error) {
	if !turn.Role.Valid() {
		return chat.Turn{}, fmt.Errorf("append: invalid role %q", turn.Role)
	}

	// Resolve the collection under the write lock so a concurrent Clear cannot
	// swap it between lookup and write.
	_, lock, err := s.collection(personaID)
	if err != nil {
		return chat.Turn{}, err
	}
	lock.Lock()
	defer lock.Unlock()
	col, _, err := s.collection(personaID)
	if err != nil {
		return chat.Turn{}, err
	}

	seq, err := s.ledger.next(personaID)
	if err != nil {
		return chat.Turn{}, storageErr("append", personaID, err)
	}

	turn.PersonaID = personaID
	turn.Seq = seq
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	doc := chromem.Document{
		ID:      documentID(personaID, seq),
		Content: turn.Content,
		Metadata: map[string]string{
			metaPersonaID: personaID,
			metaRole:      string(turn.Role),
			metaSeq:       strconv.FormatInt(seq, 10),
			metaCreatedAt: turn.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return chat.Turn{}, storageErr("append", personaID, fmt.Errorf("add document: %w", err))
	}

	log.Debug().Str("persona", personaID).Int64("seq", seq).Str("role", string(turn.Role)).Msg("turn stored")
	return turn, nil
}

// Query runs a similarity search over the persona's collection.
func (s *ChromemStore) Query(ctx context.Context, personaID string, queryText string, k int) ([]chat.Turn, error) {
	col, _, err := s.collection(personaID)
	if err != nil {
		return nil, err
	}

	total := col.Count()
	if k > total {
		k = total
	}
	if k <= 0 {
		return nil, nil
	}

	embedding, err := s.embed(ctx, queryText)
	if err != nil {
		return nil, storageErr("query", personaID, fmt.Errorf("embed query: %w", err))
	}

	// chromem cuts at nResults without a stable order among equal scores, so
	// widen until the last fetched result scores strictly below the k-th one.
	// Every turn tied with the k-th is then in hand for the seq tie-break.
	n := min(k+1, total)
	var results []chromem.Result
	for {
		results, err = col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, storageErr("query", personaID, fmt.Errorf("chromem query: %w", err))
		}
		if n >= total || len(results) <= k || results[len(results)-1].Similarity < results[k-1].Similarity {
			break
		}
		n = min(n*2, total)
	}

	type scored struct {
		turn       chat.Turn
		similarity float32
	}
	ranked := make([]scored, 0, len(results))
	for i, result := range results {
		turn, err := turnFromMetadata(result.Content, result.Metadata)
		if err != nil {
			log.Warn().Err(err).Str("persona", personaID).Int("result", i+1).Msg("skipping unreadable memory")
			continue
		}
		ranked = append(ranked, scored{turn: turn, similarity: result.Similarity})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].similarity != ranked[j].similarity {
			return ranked[i].similarity > ranked[j].similarity
		}
		return ranked[i].turn.Seq > ranked[j].turn.Seq
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	turns := make([]chat.Turn, len(ranked))
	for i, r := range ranked {
		turns[i] = r.turn
	}
	return turns, nil
}

// Recent walks back from the newest sequence number. Documents are keyed by
// sequence, so this never needs a vector search.
func (s *ChromemStore) Recent(ctx context.Context, personaID string, n int) ([]chat.Turn, error) {
	col, _, err := s.collection(personaID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	total := col.Count()
	if total < n {
		n = total
	}
	if n == 0 {
		return nil, nil
	}

	floor, last := s.ledger.bounds(personaID)
	turns := make([]chat.Turn, 0, n)
	for seq := last; seq > floor && len(turns) < n; seq-- {
		doc, err := col.GetByID(ctx, documentID(personaID, seq))
		if err != nil {
			// Gaps come from writes that failed after their number was handed out.
			continue
		}
		turn, err := turnFromMetadata(doc.Content, doc.Metadata)
		if err != nil {
			return nil, storageErr("recent", personaID, err)
		}
		turns = append(turns, turn)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Clear drops the persona's collection and starts an empty one. The sequence
// counter keeps counting from where it was.
func (s *ChromemStore) Clear(_ context.Context, personaID string) error {
	_, lock, err := s.collection(personaID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	name := collectionName(personaID)
	if err := s.db.DeleteCollection(name); err != nil {
		return storageErr("clear", personaID, fmt.Errorf("delete collection: %w", err))
	}
	col, err := s.db.CreateCollection(name, map[string]string{metaPersonaID: personaID}, s.embed)
	if err != nil {
		return storageErr("clear", personaID, fmt.Errorf("recreate collection: %w", err))
	}
	if err := s.ledger.reset(personaID); err != nil {
		return storageErr("clear", personaID, err)
	}

	s.mu.Lock()
	s.collections[personaID] = col
	s.mu.Unlock()

	log.Info().Str("persona", personaID).Msg("memory cleared")
	return nil
}

// Count returns the number of stored turns for the persona.
func (s *ChromemStore) Count(_ context.Context, personaID string) (int, error) {
	col, _, err := s.collection(personaID)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close releases resources. chromem-go writes through on every change, so there
// is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

// scanSequences reads every stored turn's seq. chromem has no listing API, so
// this runs a full-size similarity query; it only happens on ledger recovery.
func (s *ChromemStore) scanSequences(ctx context.Context, col *chromem.Collection) (lo, hi int64, err error) {
	total := col.Count()
	if total == 0 {
		return 0, 0, nil
	}
	embedding, err := s.embed(ctx, "sequence recovery")
	if err != nil {
		return 0, 0, fmt.Errorf("embed probe text: %w", err)
	}
	results, err := col.QueryEmbedding(ctx, embedding, total, nil, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("list turns: %w", err)
	}
	for _, r := range results {
		seq, err := strconv.ParseInt(r.Metadata[metaSeq], 10, 64)
		if err != nil {
			continue
		}
		if lo == 0 || seq < lo {
			lo = seq
		}
		if seq > hi {
			hi = seq
		}
	}
	return lo, hi, nil
}

func turnFromMetadata(content string, metadata map[string]string) (chat.Turn, error) {
	seq, err := strconv.ParseInt(metadata[metaSeq], 10, 64)
	if err != nil {
		return chat.Turn{}, fmt.Errorf("parse seq: %w", err)
	}
	role, ok := chat.ParseRole(metadata[metaRole])
	if !ok {
		return chat.Turn{}, fmt.Errorf("unknown role %q", metadata[metaRole])
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, metadata[metaCreatedAt])

	return chat.Turn{
		PersonaID: metadata[metaPersonaID],
		Seq:       seq,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}
