package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
	"github.com/zhouzirui/dyno-tavern/backend/internal/observability"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ai"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ingest"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/retrieval"
)

var (
	ErrBusy             = errors.New("a reply is still being generated")
	ErrSwitchNotAllowed = errors.New("persona can only be switched while idle")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrInvalidWindow    = fmt.Errorf("context window must be between %d and %d", retrieval.MinWindow, retrieval.MaxWindow)
	ErrPersonaNotFound  = errors.New("persona not found")
)

// HistoryLimit caps the turns kept for display per session.
const HistoryLimit = 200

// ContextRetriever picks the prior turns for a new message.
type ContextRetriever interface {
	Retrieve(ctx context.Context, personaID, message string, w int) []chat.Turn
}

// Deps are the collaborators shared by every coordinator.
type Deps struct {
	Personas     persona.Store
	Store        memory.Store
	Retriever    ContextRetriever
	Assembler    *ai.Assembler
	Orchestrator *ai.Orchestrator
	Metrics      *observability.Metrics
	// Extractor splits uploaded documents; nil means default excerpt sizes.
	Extractor *ingest.Extractor

	// DefaultWindow applies when a session is created without a window.
	DefaultWindow int
}

// Coordinator owns one conversation: the active persona, the display cache and
// the idle / awaiting_reply / error state machine. It is the only writer of turns
// for its session.
type Coordinator struct {
	id        string
	deps      Deps
	createdAt time.Time

	mu         sync.Mutex
	persona    persona.Persona
	history    []chat.Turn
	turnCount  int
	window     int
	state      chat.State
	lastErr    error
	current    *Reply
	opening    context.CancelFunc // set while a submit has no Reply yet
	exclusive  string             // persona switch or document import in progress
	epoch      uint64
	lastActive time.Time
}

// NewCoordinator binds a session to personaID and loads its history.
func NewCoordinator(ctx context.Context, id string, deps Deps, personaID string, window int) (*Coordinator, error) {
	if window == 0 {
		window = deps.DefaultWindow
	}
	if window == 0 {
		window = retrieval.DefaultWindow
	}
	if err := validateWindow(window); err != nil {
		return nil, err
	}
	p, ok := deps.Personas.FindByID(personaID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}

	now := time.Now().UTC()
	c := &Coordinator{
		id:         id,
		deps:       deps,
		createdAt:  now,
		persona:    p,
		window:     window,
		state:      chat.StateIdle,
		lastActive: now,
	}
	c.history, c.turnCount = c.loadHistory(ctx, p.ID)
	return c, nil
}

func validateWindow(n int) error {
	if n < retrieval.MinWindow || n > retrieval.MaxWindow {
		return fmt.Errorf("%w: got %d", ErrInvalidWindow, n)
	}
	return nil
}

// loadHistory degrades to an empty cache when the store is unreachable.
func (c *Coordinator) loadHistory(ctx context.Context, personaID string) ([]chat.Turn, int) {
	turns, err := c.deps.Store.Recent(ctx, personaID, HistoryLimit)
	if err != nil {
		c.deps.Metrics.ObserveStorageError("recent")
		log.Warn().Err(err).Str("session", c.id).Str("persona", personaID).Msg("history unavailable")
		turns = nil
	}
	count, err := c.deps.Store.Count(ctx, personaID)
	if err != nil {
		c.deps.Metrics.ObserveStorageError("count")
		log.Warn().Err(err).Str("session", c.id).Str("persona", personaID).Msg("turn count unavailable")
		count = len(turns)
	}
	return turns, count
}

func (c *Coordinator) ID() string { return c.id }

// Submit starts a reply to msg. The returned Reply streams fragments; the
// coordinator settles its state when the reply ends. While a reply is in flight
// further submits fail with ErrBusy.
func (c *Coordinator) Submit(ctx context.Context, msg string) (*Reply, error) {
	if strings.TrimSpace(msg) == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state == chat.StateAwaitingReply || c.exclusive != "" {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.state = chat.StateAwaitingReply
	c.lastErr = nil
	c.lastActive = time.Now().UTC()
	c.opening = cancel
	epoch := c.epoch
	p := c.persona
	window := c.window
	c.mu.Unlock()

	logger := log.With().Str("session", c.id).Str("persona", p.ID).Logger()

	turns := c.deps.Retriever.Retrieve(subCtx, p.ID, msg, window)
	req, err := c.deps.Assembler.Assemble(subCtx, &p, turns, msg)
	if err != nil {
		cancel()
		c.abort(epoch, err)
		return nil, err
	}

	gen, err := c.deps.Orchestrator.Generate(subCtx, req, msg)
	if err != nil {
		cancel()
		logger.Warn().Err(err).Msg("reply could not start")
		c.abort(epoch, err)
		return nil, err
	}

	reply := &Reply{c: c, gen: gen, epoch: epoch, release: cancel}

	c.mu.Lock()
	if c.epoch != epoch {
		// Cleared while the stream was opening.
		c.mu.Unlock()
		gen.Cancel()
		cancel()
		return nil, ai.ErrCanceled
	}
	c.opening = nil
	c.current = reply
	c.mu.Unlock()

	logger.Debug().Int("context_turns", len(turns)).Msg("reply started")
	return reply, nil
}

// abort settles a submit that failed before a Reply existed.
func (c *Coordinator) abort(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.opening = nil
	outcome := "failed"
	if errors.Is(err, ai.ErrCanceled) {
		c.state = chat.StateIdle
		outcome = "canceled"
	} else {
		c.state = chat.StateError
		c.lastErr = err
	}
	c.deps.Metrics.ObserveTurn(c.persona.ID, outcome)
}

// settle records the outcome of a finished reply.
func (c *Coordinator) settle(r *Reply) {
	res := r.gen.Result()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != r || c.epoch != r.epoch {
		return
	}
	c.current = nil
	c.lastActive = time.Now().UTC()

	c.appendHistory(res.UserTurn)
	if res.UserCommitted {
		c.turnCount++
	}
	if res.AssistantTurn != nil {
		c.appendHistory(*res.AssistantTurn)
		c.turnCount++
	} else if res.Err == nil && strings.TrimSpace(res.Reply) != "" {
		// Shown to the user even though it was not stored.
		c.appendHistory(chat.NewTurn(c.persona.ID, chat.RoleAssistant, res.Reply))
	}

	outcome := "completed"
	switch {
	case res.Err == nil:
		c.state = chat.StateIdle
	case errors.Is(res.Err, ai.ErrCanceled):
		c.state = chat.StateIdle
		outcome = "canceled"
	default:
		c.state = chat.StateError
		c.lastErr = res.Err
		outcome = "failed"
	}
	c.deps.Metrics.ObserveTurn(c.persona.ID, outcome)
}

func (c *Coordinator) appendHistory(turn chat.Turn) {
	c.history = append(c.history, turn)
	if len(c.history) > HistoryLimit {
		c.history = append([]chat.Turn(nil), c.history[len(c.history)-HistoryLimit:]...)
	}
}

// Cancel stops the in-flight reply, if any, and returns to idle. Partial text is
// not stored.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	r := c.current
	opening := c.opening
	c.mu.Unlock()
	if r != nil {
		r.Cancel()
		return true
	}
	if opening != nil {
		// Submit sees the canceled context and settles back to idle.
		opening()
		return true
	}
	return false
}

// Clear deletes the active persona's memory. It is allowed in any state,
// cancels an in-flight reply and always leaves the coordinator idle.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	opening := c.opening
	c.current = nil
	c.opening = nil
	c.epoch++
	c.state = chat.StateIdle
	c.lastErr = nil
	c.lastActive = time.Now().UTC()
	personaID := c.persona.ID
	c.mu.Unlock()

	if opening != nil {
		opening()
	}
	if r != nil {
		r.gen.Cancel()
	}

	if err := c.deps.Store.Clear(ctx, personaID); err != nil {
		c.deps.Metrics.ObserveStorageError("clear")
		return fmt.Errorf("clear memory of %s: %w", personaID, err)
	}

	c.mu.Lock()
	if c.persona.ID == personaID {
		c.history = nil
		c.turnCount = 0
	}
	c.mu.Unlock()

	log.Info().Str("session", c.id).Str("persona", personaID).Msg("conversation memory cleared")
	return nil
}

// SwitchPersona rebinds the session to another persona. Only allowed while idle;
// the previous persona's memory is left untouched.
func (c *Coordinator) SwitchPersona(ctx context.Context, personaID string) error {
	p, ok := c.deps.Personas.FindByID(personaID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPersonaNotFound, personaID)
	}

	c.mu.Lock()
	if c.state != chat.StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrSwitchNotAllowed, state)
	}
	if c.exclusive != "" {
		busy := c.exclusive
		c.mu.Unlock()
		return fmt.Errorf("%w: %s in progress", ErrSwitchNotAllowed, busy)
	}
	if c.persona.ID == p.ID {
		c.mu.Unlock()
		return nil
	}
	// Hold off submits while the new history loads.
	c.exclusive = "persona switch"
	epoch := c.epoch
	c.mu.Unlock()

	history, count := c.loadHistory(ctx, p.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.exclusive = ""
	if c.epoch != epoch {
		return fmt.Errorf("%w: session changed during switch", ErrSwitchNotAllowed)
	}
	previous := c.persona.ID
	c.persona = p
	c.history = history
	c.turnCount = count
	c.lastActive = time.Now().UTC()

	log.Info().Str("session", c.id).Str("from", previous).Str("to", p.ID).Int("turns", count).Msg("persona switched")
	return nil
}

// DocumentResult describes a stored document.
type DocumentResult struct {
	Source   string `json:"source"`
	Excerpts int    `json:"excerpts"`
	FirstSeq int64  `json:"firstSeq"`
	LastSeq  int64  `json:"lastSeq"`
}

// IngestDocument splits the document read from r into excerpts and stores them
// as user turns of the active persona, so later messages can recall them.
// Submits are refused until it returns. A Clear while it runs stops it.
func (c *Coordinator) IngestDocument(ctx context.Context, name string, r io.Reader) (DocumentResult, error) {
	extractor := c.deps.Extractor
	if extractor == nil {
		var err error
		if extractor, err = ingest.NewExtractor(0); err != nil {
			return DocumentResult{}, err
		}
	}
	excerpts, err := extractor.Extract(ctx, name, r)
	if err != nil {
		return DocumentResult{}, err
	}

	c.mu.Lock()
	if c.state == chat.StateAwaitingReply || c.exclusive != "" {
		c.mu.Unlock()
		return DocumentResult{}, ErrBusy
	}
	c.exclusive = "document import"
	epoch := c.epoch
	personaID := c.persona.ID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.exclusive = ""
		c.lastActive = time.Now().UTC()
		c.mu.Unlock()
	}()

	res := DocumentResult{Source: excerpts[0].Source}
	for _, excerpt := range excerpts {
		c.mu.Lock()
		cleared := c.epoch != epoch
		c.mu.Unlock()
		if cleared {
			return res, fmt.Errorf("%w: memory cleared during import", ai.ErrCanceled)
		}

		stored, err := c.deps.Store.Append(ctx, personaID, chat.NewTurn(personaID, chat.RoleUser, excerpt.Content()))
		if err != nil {
			c.deps.Metrics.ObserveStorageError("append")
			return res, fmt.Errorf("store %s part %d: %w", res.Source, excerpt.Part, err)
		}

		c.mu.Lock()
		if c.epoch == epoch {
			c.appendHistory(stored)
			c.turnCount++
		}
		c.mu.Unlock()

		if res.FirstSeq == 0 {
			res.FirstSeq = stored.Seq
		}
		res.LastSeq = stored.Seq
		res.Excerpts++
	}
	c.deps.Metrics.ObserveDocumentExcerpts(personaID, res.Excerpts)

	log.Info().Str("session", c.id).Str("persona", personaID).Str("source", res.Source).
		Int("excerpts", res.Excerpts).Msg("document stored in memory")
	return res, nil
}

// SetWindow changes the context window size used for the next submit.
func (c *Coordinator) SetWindow(n int) error {
	if err := validateWindow(n); err != nil {
		return err
	}
	c.mu.Lock()
	c.window = n
	c.lastActive = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// History returns the cached display history, oldest first.
func (c *Coordinator) History() []chat.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Turn(nil), c.history...)
}

func (c *Coordinator) Persona() persona.Persona {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persona
}

func (c *Coordinator) State() chat.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator) Stats() chat.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := chat.Stats{
		SessionID:     c.id,
		PersonaID:     c.persona.ID,
		State:         c.state,
		TurnCount:     c.turnCount,
		ContextWindow: c.window,
		CreatedAt:     c.createdAt,
		LastActiveAt:  c.lastActive,
	}
	if c.lastErr != nil {
		stats.LastError = c.lastErr.Error()
	}
	return stats
}

// idleSince reports when the session was last used, and whether it is
// currently streaming.
func (c *Coordinator) idleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive, c.current != nil || c.opening != nil || c.exclusive != ""
}

// Reply is the caller's handle on one in-flight reply.
type Reply struct {
	c     *Coordinator
	gen   *ai.Generation
	epoch uint64
	once  sync.Once

	release context.CancelFunc
}

// Next returns the next fragment, io.EOF after a committed reply, or the error
// that ended the turn.
func (r *Reply) Next() (string, error) {
	frag, err := r.gen.Next()
	if err != nil {
		r.settle()
	}
	return frag, err
}

// Cancel closes the stream without storing the partial reply.
func (r *Reply) Cancel() {
	r.gen.Cancel()
	r.settle()
}

// Result is final once Next has returned an error.
func (r *Reply) Result() ai.Result {
	return r.gen.Result()
}

func (r *Reply) settle() {
	r.once.Do(func() {
		r.c.settle(r)
		r.release()
	})
}
