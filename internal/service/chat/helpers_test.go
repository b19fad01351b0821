package chat_test

import (
	"context"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ai"
	chat "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory/memorytest"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/retrieval"
)

// fakeModel replays a script; fields may be changed between submits.
type fakeModel struct {
	mu      sync.Mutex
	openErr error
	chunks  []string
	endErr  error
	hang    bool

	// When gate is set, Stream reports on opened and then blocks on gate
	// before returning, whatever the context says.
	opened chan struct{}
	gate   chan struct{}
}

func (m *fakeModel) set(fn func(m *fakeModel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *fakeModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("unused", nil), nil
}

func (m *fakeModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	openErr, chunks, endErr, hang := m.openErr, append([]string(nil), m.chunks...), m.endErr, m.hang
	opened, gate := m.opened, m.gate
	m.mu.Unlock()

	if gate != nil {
		opened <- struct{}{}
		<-gate
	}

	if openErr != nil {
		return nil, openErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range chunks {
			if sw.Send(schema.AssistantMessage(c, nil), nil) {
				return
			}
		}
		if hang {
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
			return
		}
		if endErr != nil {
			sw.Send(nil, endErr)
		}
	}()
	return sr, nil
}

type fixture struct {
	llm   *fakeModel
	store memory.Store
	deps  chat.Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	personas := persona.NewMemoryStore(append(persona.Seed(), persona.Persona{ID: "dina", Name: "Dina"}))
	store, err := memory.NewChromemStore("", memorytest.BagOfWords)
	require.NoError(t, err)
	for _, p := range personas.List() {
		require.NoError(t, store.Register(ctx, p.ID))
	}

	llm := &fakeModel{chunks: []string{"Hi", " there", "!"}}
	return &fixture{
		llm:   llm,
		store: store,
		deps: chat.Deps{
			Personas:     personas,
			Store:        store,
			Retriever:    retrieval.NewRetriever(store, nil),
			Assembler:    ai.NewAssembler(nil),
			Orchestrator: ai.NewOrchestrator(llm, store),
		},
	}
}

func (f *fixture) coordinator(t *testing.T, personaID string) *chat.Coordinator {
	t.Helper()
	c, err := chat.NewCoordinator(context.Background(), "test-session", f.deps, personaID, 0)
	require.NoError(t, err)
	return c
}

func drainReply(r *chat.Reply) (string, error) {
	var text string
	for {
		frag, err := r.Next()
		if err != nil {
			return text, err
		}
		text += frag
	}
}
