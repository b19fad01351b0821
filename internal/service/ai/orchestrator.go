package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/observability"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
)

var (
	// ErrServiceUnavailable means the inference service could not be reached
	// or refused the request before any reply was streamed.
	ErrServiceUnavailable = errors.New("inference service unavailable")
	ErrStreamInterrupted  = errors.New("reply stream interrupted")
	ErrGenerationTimeout  = errors.New("no reply progress before timeout")
	ErrCanceled           = errors.New("generation canceled")
)

const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultProbeTimeout = 3 * time.Second
)

// Prober checks inference service liveness before a stream is opened.
type Prober interface {
	Ping(ctx context.Context) error
}

// Orchestrator runs one streamed generation per call and commits the resulting
// turns to memory.
type Orchestrator struct {
	model        model.BaseChatModel
	store        memory.Store
	prober       Prober
	idleTimeout  time.Duration
	probeTimeout time.Duration
	metrics      *observability.Metrics
}

type Option func(*Orchestrator)

// WithProber overrides the liveness probe. By default the chat model is used
// when it implements Prober.
func WithProber(p Prober) Option {
	return func(o *Orchestrator) { o.prober = p }
}

// WithIdleTimeout sets the longest wait for the next reply fragment.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(chatModel model.BaseChatModel, store memory.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:        chatModel,
		store:        store,
		idleTimeout:  DefaultIdleTimeout,
		probeTimeout: DefaultProbeTimeout,
	}
	if p, ok := chatModel.(Prober); ok {
		o.prober = p
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ping reports inference liveness. Models without a probe are assumed up.
func (o *Orchestrator) Ping(ctx context.Context) error {
	if o.prober == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()
	if err := o.prober.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	return nil
}

// Generate opens the reply stream for req. Once the stream is open the user
// message is committed to memory, so a returned error means nothing was stored.
// The caller drains the reply with Generation.Next.
func (o *Orchestrator) Generate(ctx context.Context, req *Request, message string) (*Generation, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("generate: empty request")
	}
	started := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if err := o.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		o.metrics.ObserveGenerationError(errorKind(ErrServiceUnavailable))
		return nil, err
	}

	var opts []model.Option
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sr, err := o.model.Stream(streamCtx, req.Messages, opts...)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		o.metrics.ObserveGenerationError(errorKind(ErrServiceUnavailable))
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	g := &Generation{
		o:         o,
		personaID: req.PersonaID,
		ctx:       ctx,
		commitCtx: context.WithoutCancel(ctx),
		cancel:    cancel,
		frames:    make(chan frame),
		done:      make(chan struct{}),
		started:   started,
	}

	// The caller may have given up while the stream was opening.
	if err := ctx.Err(); err != nil {
		cancel()
		sr.Close()
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	userTurn, err := o.store.Append(ctx, req.PersonaID, chat.NewTurn(req.PersonaID, chat.RoleUser, message))
	if err != nil {
		o.metrics.ObserveStorageError("append_user")
		log.Warn().Err(err).Str("persona", req.PersonaID).Msg("user turn not stored")
		g.result.Warnings = append(g.result.Warnings, fmt.Sprintf("your message was not saved to memory: %v", err))
		g.result.UserTurn = chat.NewTurn(req.PersonaID, chat.RoleUser, message)
	} else {
		g.result.UserTurn = userTurn
		g.result.UserCommitted = true
	}

	go g.pump(sr)
	return g, nil
}

type frame struct {
	msg *schema.Message
	err error
}

// Result is the outcome of a finished generation.
type Result struct {
	Reply              string
	UserTurn           chat.Turn
	UserCommitted      bool
	AssistantTurn      *chat.Turn
	Warnings           []string
	Err                error
	FirstFragmentDelay time.Duration
}

// Generation is a cancellable stream of reply fragments. Next and Cancel may be
// called from different goroutines.
type Generation struct {
	o         *Orchestrator
	personaID string
	ctx       context.Context
	commitCtx context.Context
	cancel    context.CancelFunc
	frames    chan frame
	done      chan struct{}
	started   time.Time

	mu       sync.Mutex
	parts    []*schema.Message
	result   Result
	finished bool
}

// pump owns the stream reader.
func (g *Generation) pump(sr *schema.StreamReader[*schema.Message]) {
	defer sr.Close()
	for {
		msg, err := sr.Recv()
		select {
		case g.frames <- frame{msg: msg, err: err}:
		case <-g.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next reply fragment. It returns io.EOF once the reply is
// complete and committed, or the error that ended the generation.
func (g *Generation) Next() (string, error) {
	timer := time.NewTimer(g.o.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-g.done:
			return "", g.terminalErr()
		default:
		}

		select {
		case f := <-g.frames:
			switch {
			case errors.Is(f.err, io.EOF):
				return "", g.finish(nil)
			case f.err != nil:
				if g.ctx.Err() != nil {
					return "", g.finish(fmt.Errorf("%w: %w", ErrCanceled, f.err))
				}
				return "", g.finish(fmt.Errorf("%w: %w", ErrStreamInterrupted, f.err))
			}
			if f.msg == nil {
				continue
			}
			if content := g.record(f.msg); content != "" {
				return content, nil
			}
			// Empty chunks still count as progress.
			timer.Reset(g.o.idleTimeout)
		case <-g.ctx.Done():
			return "", g.finish(fmt.Errorf("%w: %w", ErrCanceled, g.ctx.Err()))
		case <-timer.C:
			return "", g.finish(fmt.Errorf("%w: nothing received for %s", ErrGenerationTimeout, g.o.idleTimeout))
		case <-g.done:
			return "", g.terminalErr()
		}
	}
}

func (g *Generation) record(msg *schema.Message) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished {
		return ""
	}
	if msg.Content != "" && g.result.FirstFragmentDelay == 0 {
		g.result.FirstFragmentDelay = time.Since(g.started)
		g.o.metrics.ObserveFirstFragmentLatency(g.result.FirstFragmentDelay)
	}
	g.parts = append(g.parts, msg)
	return msg.Content
}

// Cancel stops the generation and closes the stream. Nothing more is committed.
// It is a no-op once the generation has finished.
func (g *Generation) Cancel() {
	g.finish(ErrCanceled)
}

// Done is closed when the generation has finished.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Result returns a snapshot of the outcome. It is final once Done is closed.
func (g *Generation) Result() Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := g.result
	res.Warnings = append([]string(nil), g.result.Warnings...)
	return res
}

func (g *Generation) terminalErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.result.Err != nil {
		return g.result.Err
	}
	return io.EOF
}

func (g *Generation) finish(err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.finished {
		if g.result.Err != nil {
			return g.result.Err
		}
		return io.EOF
	}
	g.finished = true
	g.cancel()
	close(g.done)

	logger := log.With().Str("persona", g.personaID).Logger()
	if err != nil {
		g.result.Err = err
		g.o.metrics.ObserveGenerationError(errorKind(err))
		logger.Warn().Err(err).Int("fragments", len(g.parts)).Msg("generation ended without a reply")
		return err
	}

	reply, concatErr := concatReply(g.parts)
	if concatErr != nil {
		g.result.Err = fmt.Errorf("%w: %w", ErrStreamInterrupted, concatErr)
		g.o.metrics.ObserveGenerationError(errorKind(ErrStreamInterrupted))
		return g.result.Err
	}
	g.result.Reply = reply

	if strings.TrimSpace(reply) == "" {
		logger.Warn().Msg("empty reply, nothing committed")
		return io.EOF
	}

	turn, appendErr := g.o.store.Append(g.commitCtx, g.personaID, chat.NewTurn(g.personaID, chat.RoleAssistant, reply))
	if appendErr != nil {
		g.o.metrics.ObserveStorageError("append_assistant")
		logger.Warn().Err(appendErr).Msg("assistant turn not stored")
		g.result.Warnings = append(g.result.Warnings, fmt.Sprintf("reply was not saved to memory: %v", appendErr))
		return io.EOF
	}
	g.result.AssistantTurn = &turn
	logger.Info().Int64("seq", turn.Seq).Int("length", len(reply)).
		Dur("first_fragment", g.result.FirstFragmentDelay).Msg("reply committed")
	return io.EOF
}

func concatReply(parts []*schema.Message) (string, error) {
	if len(parts) == 0 {
		return "", nil
	}
	msg, err := schema.ConcatMessages(parts)
	if err != nil {
		return "", fmt.Errorf("concat reply chunks: %w", err)
	}
	return msg.Content, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrGenerationTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrStreamInterrupted):
		return "stream_interrupted"
	default:
		return "other"
	}
}
