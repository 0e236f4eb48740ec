package cli

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/rudransh-shrivastava/peerlink/internal/history"
)

// ledger records session events when a history path is configured and does
// nothing otherwise. Write failures are logged, never returned.
type ledger struct {
	store   *history.Store
	session string
	logger  *slog.Logger
}

func openLedger(path, role, address string, logger *slog.Logger) (*ledger, error) {
	l := &ledger{session: uuid.New().String(), logger: logger}
	if path == "" {
		return l, nil
	}

	store, err := history.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.StartSession(l.session, role, address); err != nil {
		_ = store.Close()
		return nil, err
	}

	l.store = store
	logger.Info("Recording session history", "path", path, "session", l.session)
	return l, nil
}

func (l *ledger) record(kind string, peerID, size int) {
	if l.store == nil {
		return
	}
	if err := l.store.Record(l.session, kind, peerID, size); err != nil {
		l.logger.Warn("Failed to record history", "kind", kind, "error", err)
	}
}

func (l *ledger) close() {
	if l.store == nil {
		return
	}
	if counts, err := l.store.Counts(l.session); err == nil {
		l.logger.Info("Session summary", "session", l.session, "events", counts)
	}
	if err := l.store.EndSession(l.session); err != nil {
		l.logger.Warn("Failed to end history session", "error", err)
	}
	if err := l.store.Close(); err != nil {
		l.logger.Warn("Failed to close history", "error", err)
	}
}
