package viewstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleState() ViewState {
	return ViewState{
		Source:     "scan",
		Width:      800,
		Height:     600,
		Scale:      0.5,
		OriginX:    -12,
		OriginY:    40,
		Bands:      [3]int{2, 1, 0},
		DataMap:    DataMap{Colormap: "viridis", Low: 10, High: 200},
		Background: [4]uint8{0, 0, 0, 255},
	}
}

func TestSaveAndGetSession(t *testing.T) {
	s := newStore(t)

	saved, err := s.SaveSession("overview", sampleState())
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", saved)
	}

	got, err := s.GetSession("overview")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected session")
	}
	if got.State != sampleState() {
		t.Errorf("state mismatch:\n got %+v\nwant %+v", got.State, sampleState())
	}
}

func TestGetMissingSession(t *testing.T) {
	s := newStore(t)
	got, err := s.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestSaveSessionReplaces(t *testing.T) {
	s := newStore(t)
	first, err := s.SaveSession("a", sampleState())
	if err != nil {
		t.Fatal(err)
	}

	st := sampleState()
	st.Scale = 4
	st.Source = "mosaic"
	second, err := s.SaveSession("a", st)
	if err != nil {
		t.Fatal(err)
	}
	if second.State.Scale != 4 || second.State.Source != "mosaic" {
		t.Errorf("expected replaced state, got %+v", second.State)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	all, err := s.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 session, got %d", len(all))
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"b", "a", "c"} {
		st := sampleState()
		if name == "c" {
			st.Source = "other"
		}
		if _, err := s.SaveSession(name, st); err != nil {
			t.Fatal(err)
		}
	}

	bySource, err := s.ListSessionsBySource("scan")
	if err != nil {
		t.Fatal(err)
	}
	if len(bySource) != 2 {
		t.Errorf("expected 2 sessions for scan, got %d", len(bySource))
	}

	if err := s.DeleteSession("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession("a"); err != nil {
		t.Fatalf("deleting a missing session: %v", err)
	}
	all, _ := s.ListSessions()
	if len(all) != 2 {
		t.Errorf("expected 2 sessions after delete, got %d", len(all))
	}

	n, err := s.DeleteExpiredSessions(1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected fresh sessions kept, deleted %d", n)
	}
	n, err = s.DeleteExpiredSessions(-1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired sessions, got %d", n)
	}
}

func TestSaveSessionRequiresName(t *testing.T) {
	s := newStore(t)
	if _, err := s.SaveSession("", sampleState()); !errors.Is(err, ErrName) {
		t.Fatalf("expected ErrName, got %v", err)
	}
}
