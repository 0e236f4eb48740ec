package history

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "history.sqlite3"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)

	if err := s.StartSession("abc", "server", ":7777"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	records := []struct {
		kind string
		peer int
		size int
	}{
		{KindConnected, 2, 0},
		{KindHandshake, 2, 0},
		{KindPacketIn, 2, 12},
		{KindPacketIn, 2, 30},
		{KindDisconnected, 2, 0},
	}
	for _, r := range records {
		if err := s.Record("abc", r.kind, r.peer, r.size); err != nil {
			t.Fatalf("Record %s failed: %v", r.kind, err)
		}
	}

	events, err := s.Events("abc", 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != len(records) {
		t.Fatalf("expected %d events, got %d", len(records), len(events))
	}
	if events[0].Kind != KindDisconnected {
		t.Errorf("expected newest event first, got %s", events[0].Kind)
	}

	latest, err := s.Events("abc", 2)
	if err != nil {
		t.Fatalf("Events with limit failed: %v", err)
	}
	if len(latest) != 2 {
		t.Errorf("expected 2 events, got %d", len(latest))
	}

	counts, err := s.Counts("abc")
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[KindPacketIn] != 2 || counts[KindConnected] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestUnknownSession(t *testing.T) {
	s := openTestStore(t)

	if err := s.Record("missing", KindConnected, 2, 0); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Record: expected ErrUnknownSession, got %v", err)
	}
	if _, err := s.Events("missing", 0); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Events: expected ErrUnknownSession, got %v", err)
	}
	if err := s.EndSession("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("EndSession: expected ErrUnknownSession, got %v", err)
	}
}

func TestSessionsIsolated(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"one", "two"} {
		if err := s.StartSession(id, "client", "127.0.0.1:7777"); err != nil {
			t.Fatalf("StartSession %s failed: %v", id, err)
		}
	}
	if err := s.Record("one", KindPacketOut, 1, 4); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	events, err := s.Events("two", 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events for session two, got %d", len(events))
	}

	if err := s.EndSession("one"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	sessions, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 || sessions[0].EndedAt == 0 || sessions[1].EndedAt != 0 {
		t.Errorf("unexpected sessions %+v", sessions)
	}
}

func TestDuplicateSession(t *testing.T) {
	s := openTestStore(t)

	if err := s.StartSession("dup", "server", ":1"); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := s.StartSession("dup", "server", ":1"); err == nil {
		t.Error("expected duplicate session id to fail")
	}
}
