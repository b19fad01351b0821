// Package chattest builds a session service over an in-memory store and a
// scripted chat model for handler tests.
package chattest

import (
	"context"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ai"
	chat "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory/memorytest"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/retrieval"
)

// ScriptedModel streams Chunks, then EndErr if set. With Hang it blocks after
// the chunks until the stream context ends. With Gate it reports on Opened and
// holds the stream open call until Gate closes or the context ends.
type ScriptedModel struct {
	mu      sync.Mutex
	OpenErr error
	Chunks  []string
	EndErr  error
	Hang    bool
	Opened  chan struct{}
	Gate    chan struct{}
}

// Set changes the script between turns.
func (m *ScriptedModel) Set(fn func(m *ScriptedModel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *ScriptedModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("", nil), nil
}

func (m *ScriptedModel) Stream(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	openErr, chunks, endErr, hang := m.OpenErr, append([]string(nil), m.Chunks...), m.EndErr, m.Hang
	opened, gate := m.Opened, m.Gate
	m.mu.Unlock()

	if gate != nil {
		opened <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
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
		switch {
		case hang:
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
		case endErr != nil:
			sw.Send(nil, endErr)
		}
	}()
	return sr, nil
}

// Env is a wired session service.
type Env struct {
	Model        *ScriptedModel
	Personas     *persona.MemoryStore
	Store        memory.Store
	Orchestrator *ai.Orchestrator
	Service      *chat.Service
}

// New wires the seed personas to a fresh in-memory store. The model replies
// "Hi there!" in three fragments until changed.
func New(t testing.TB) *Env {
	t.Helper()
	ctx := context.Background()

	personas := persona.NewMemoryStore(persona.Seed())
	store, err := memory.NewChromemStore("", memorytest.BagOfWords)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, p := range personas.List() {
		if err := store.Register(ctx, p.ID); err != nil {
			t.Fatalf("register %s: %v", p.ID, err)
		}
	}

	llm := &ScriptedModel{Chunks: []string{"Hi", " there", "!"}}
	orch := ai.NewOrchestrator(llm, store)
	svc := chat.NewService(chat.Deps{
		Personas:     personas,
		Store:        store,
		Retriever:    retrieval.NewRetriever(store, nil),
		Assembler:    ai.NewAssembler(nil),
		Orchestrator: orch,
	}, 0)
	t.Cleanup(func() {
		svc.Stop()
		store.Close()
	})

	return &Env{Model: llm, Personas: personas, Store: store, Orchestrator: orch, Service: svc}
}
