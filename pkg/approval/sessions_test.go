package approval

import "testing"

func TestEditSessionsLastWins(t *testing.T) {
	s := NewEditSessions()

	s.Set("tg:1", 10)
	s.Set("tg:1", 20)

	id, ok := s.Get("tg:1")
	if !ok || id != 20 {
		t.Fatalf("got (%d, %v), want latest session", id, ok)
	}
}

func TestEditSessionsScopedByKey(t *testing.T) {
	s := NewEditSessions()

	s.Set("tg:1", 10)
	s.Set("web:1", 30)

	if id, _ := s.Get("tg:1"); id != 10 {
		t.Fatalf("tg session = %d", id)
	}
	if id, _ := s.Get("web:1"); id != 30 {
		t.Fatalf("web session = %d", id)
	}

	s.Delete("tg:1")
	if _, ok := s.Get("tg:1"); ok {
		t.Fatalf("deleted session still present")
	}
	if _, ok := s.Get("web:1"); !ok {
		t.Fatalf("unrelated session dropped")
	}
}
