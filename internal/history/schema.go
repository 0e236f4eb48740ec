package history

type Session struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"uniqueIndex;not null"`
	Role      string
	Address   string
	StartedAt int64
	EndedAt   int64
}

type Event struct {
	ID        uint    `gorm:"primaryKey"`
	SessionID uint    `gorm:"not null;index"`
	Session   Session `gorm:"constraint:OnDelete:CASCADE"`
	Kind      string  `gorm:"index"`
	PeerID    int
	Size      int
	CreatedAt int64
}
