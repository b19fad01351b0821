package chat_test

import (
	"context"
	"testing"
	"time"

	chat "github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
)

func TestServiceGetSession(t *testing.T) {
	f := newFixture(t)
	svc := chat.NewService(f.deps, time.Minute)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "mario", 0)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	got, err := svc.GetSession(ctx, session.ID())
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}

	if got.ID() != session.ID() {
		t.Fatalf("unexpected session ID: got %s want %s", got.ID(), session.ID())
	}
	if got.Persona().ID != "mario" {
		t.Fatalf("unexpected persona ID: got %s", got.Persona().ID)
	}
	if got.Stats().ContextWindow != 5 {
		t.Fatalf("unexpected default window: %d", got.Stats().ContextWindow)
	}
}

func TestServiceGetSessionNotFound(t *testing.T) {
	f := newFixture(t)
	svc := chat.NewService(f.deps, time.Minute)

	if _, err := svc.GetSession(context.Background(), "missing"); err != chat.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestServiceCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	svc := chat.NewService(f.deps, time.Minute)
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "", 0); err != chat.ErrPersonaRequired {
		t.Fatalf("expected ErrPersonaRequired, got %v", err)
	}
	if _, err := svc.CreateSession(ctx, "bowser", 0); err == nil {
		t.Fatal("expected error for unknown persona")
	}
	if svc.Len() != 0 {
		t.Fatalf("failed creates must not register sessions, have %d", svc.Len())
	}
}

func TestServiceEndSession(t *testing.T) {
	f := newFixture(t)
	svc := chat.NewService(f.deps, time.Minute)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "dyno", 0)
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if err := svc.EndSession(ctx, session.ID()); err != nil {
		t.Fatalf("EndSession err: %v", err)
	}
	if err := svc.EndSession(ctx, session.ID()); err != chat.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound on second end, got %v", err)
	}
}

func TestServiceExpireIdle(t *testing.T) {
	f := newFixture(t)
	svc := chat.NewService(f.deps, time.Minute)
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "dyno", 0); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if _, err := svc.CreateSession(ctx, "dyna", 0); err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	if n := svc.ExpireIdle(time.Now()); n != 0 {
		t.Fatalf("fresh sessions expired: %d", n)
	}
	if n := svc.ExpireIdle(time.Now().Add(2 * time.Minute)); n != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", n)
	}
	if svc.Len() != 0 {
		t.Fatalf("sessions left after expiry: %d", svc.Len())
	}
}

func TestServiceJanitorSchedule(t *testing.T) {
	f := newFixture(t)
	svc := chat.NewService(f.deps, time.Minute)

	if err := svc.StartJanitor("not a schedule"); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if err := svc.StartJanitor("@every 1h"); err != nil {
		t.Fatalf("StartJanitor err: %v", err)
	}
	svc.Stop()
}
