package api

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soaringjerry/persuasion/internal/models"
	"github.com/soaringjerry/persuasion/internal/services"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	start := time.Now()
	if err := s.CreateSession(&models.ParticipantSession{ID: "a", State: models.StateCreated, StartedAt: start}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateSession(&models.ParticipantSession{ID: "a"}); err == nil {
		t.Fatalf("duplicate create must fail")
	}

	got, err := s.GetSession("a")
	if err != nil || got == nil || got.State != models.StateCreated {
		t.Fatalf("get: %+v %v", got, err)
	}
	got.State = models.StateRecorded
	again, _ := s.GetSession("a")
	if again.State != models.StateCreated {
		t.Fatalf("GetSession must return a copy")
	}

	wantErr := errors.New("nope")
	if err := s.UpdateSession("a", func(p *models.ParticipantSession) error {
		p.State = models.StateAttributesCollected
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error, got %v", err)
	}
	again, _ = s.GetSession("a")
	if again.State != models.StateCreated {
		t.Fatalf("failed update must not be applied")
	}

	if err := s.UpdateSession("a", func(p *models.ParticipantSession) error {
		p.State = models.StateAttributesCollected
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ = s.GetSession("a")
	if again.State != models.StateAttributesCollected {
		t.Fatalf("update not applied")
	}

	if err := s.DeleteSession("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.GetSession("a"); got != nil {
		t.Fatalf("deleted session still readable")
	}
	if err := s.UpdateSession("a", func(*models.ParticipantSession) error { return nil }); !errors.Is(err, services.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStoreCleanupBefore(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	_ = s.CreateSession(&models.ParticipantSession{ID: "old", StartedAt: now.Add(-2 * time.Hour)})
	_ = s.CreateSession(&models.ParticipantSession{ID: "new", StartedAt: now})
	if n := s.CleanupBefore(now.Add(-time.Hour)); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", s.Len())
	}
	if got, _ := s.GetSession("old"); got != nil {
		t.Fatalf("stale session survived cleanup")
	}
}

func TestMemoryStoreSerialisesUpdates(t *testing.T) {
	s := NewMemoryStore()
	_ = s.CreateSession(&models.ParticipantSession{ID: "a"})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.UpdateSession("a", func(p *models.ParticipantSession) error {
				p.Answers = append(p.Answers, "x")
				return nil
			})
		}()
	}
	wg.Wait()
	got, _ := s.GetSession("a")
	if len(got.Answers) != 50 {
		t.Fatalf("expected 50 serialised updates, got %d", len(got.Answers))
	}
}
