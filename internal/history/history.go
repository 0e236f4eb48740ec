// Package history keeps an optional sqlite ledger of what happened in a
// session: peers joining and leaving, handshakes and packets.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	KindConnected    = "connected"
	KindDisconnected = "disconnected"
	KindHandshake    = "handshake"
	KindPacketIn     = "packet_in"
	KindPacketOut    = "packet_out"
)

var ErrUnknownSession = errors.New("unknown session")

type Store struct {
	DB *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &Event{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) StartSession(sessionID, role, address string) error {
	session := Session{
		SessionID: sessionID,
		Role:      role,
		Address:   address,
		StartedAt: time.Now().Unix(),
	}
	return s.DB.Create(&session).Error
}

func (s *Store) EndSession(sessionID string) error {
	res := s.DB.Model(&Session{}).
		Where("session_id = ?", sessionID).
		Update("ended_at", time.Now().Unix())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return nil
}

// Record appends an event to a started session.
func (s *Store) Record(sessionID, kind string, peerID, size int) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}

	event := Event{
		SessionID: session.ID,
		Kind:      kind,
		PeerID:    peerID,
		Size:      size,
		CreatedAt: time.Now().UnixNano(),
	}
	return s.DB.Create(&event).Error
}

// Events returns the newest events of a session first. A limit of zero or
// less returns all of them.
func (s *Store) Events(sessionID string, limit int) ([]Event, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	q := s.DB.Where("session_id = ?", session.ID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// Counts tallies a session's events by kind.
func (s *Store) Counts(sessionID string) (map[string]int64, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Kind  string
		Total int64
	}
	err = s.DB.Model(&Event{}).
		Select("kind, count(*) AS total").
		Where("session_id = ?", session.ID).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Kind] = r.Total
	}
	return counts, nil
}

func (s *Store) Sessions() ([]Session, error) {
	var sessions []Session
	if err := s.DB.Order("id").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) session(sessionID string) (Session, error) {
	var session Session
	err := s.DB.First(&session, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return session, err
}
