package ai

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// scriptedModel streams a fixed list of chunks, then ends the way it is told to.
type scriptedModel struct {
	openErr error
	chunks  []string
	endErr  error // sent after the chunks; nil closes the stream normally
	hang    bool  // after the chunks, block until the request context ends

	// With gate set, Stream signals opened and waits for gate to close,
	// ignoring the context, before it returns.
	opened chan struct{}
	gate   chan struct{}

	mu     sync.Mutex
	inputs [][]*schema.Message
	opts   *model.Options
}

var _ model.BaseChatModel = (*scriptedModel)(nil)

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	sr, err := m.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer sr.Close()
	var parts []*schema.Message
	for {
		msg, err := sr.Recv()
		if err != nil {
			break
		}
		parts = append(parts, msg)
	}
	return schema.ConcatMessages(parts)
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, input)
	m.opts = model.GetCommonOptions(&model.Options{}, opts...)
	m.mu.Unlock()

	if m.gate != nil {
		m.opened <- struct{}{}
		<-m.gate
	}
	if m.openErr != nil {
		return nil, m.openErr
	}

	sr, sw := schema.Pipe[*schema.Message](len(m.chunks) + 1)
	go func() {
		defer sw.Close()
		for _, chunk := range m.chunks {
			if closed := sw.Send(schema.AssistantMessage(chunk, nil), nil); closed {
				return
			}
		}
		if m.hang {
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
			return
		}
		if m.endErr != nil {
			sw.Send(nil, m.endErr)
		}
	}()
	return sr, nil
}

func (m *scriptedModel) lastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return nil
	}
	return m.inputs[len(m.inputs)-1]
}

type stubProber struct{ err error }

func (p stubProber) Ping(context.Context) error { return p.err }
