package main

import (
	"time"

	"gorm.io/gorm"

	"multichess"
)

// User represents a registered player.
type User struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"type:text;uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"type:text" json:"-"`
	Score        float64   `gorm:"default:0" json:"score"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Game represents a game session in the database. The board column is the
// wholesale-replaced JSON snapshot; turn ownership and the move counter are
// the only values the server derives itself.
type Game struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug      string    `gorm:"type:text;uniqueIndex" json:"slug"`
	CreatorID int64     `gorm:"index;not null" json:"creator_id"`
	JoinerID  *int64    `gorm:"index" json:"joiner_id,omitempty"`
	Status    string    `gorm:"type:text;default:'waiting'" json:"status"`
	Turn      string    `gorm:"type:text;default:'white'" json:"turn"`
	Board     string    `gorm:"type:text" json:"-"`
	State     string    `gorm:"type:text;default:'ongoing'" json:"state"`
	MoveIndex int       `gorm:"default:0" json:"move_index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Associations
	Creator *User `gorm:"foreignKey:CreatorID" json:"creator,omitempty"`
	Joiner  *User `gorm:"foreignKey:JoinerID" json:"joiner,omitempty"`
}

// TurnColor returns the typed turn owner.
func (g *Game) TurnColor() multichess.Color {
	return multichess.Color(g.Turn)
}

// Move is an append-only history row, written in the same transaction as
// each accepted move. The authoritative position stays on the game row.
type Move struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GameID     int64     `gorm:"index;not null" json:"game_id"`
	PlayerID   int64     `gorm:"not null" json:"player_id"`
	MoveNumber int       `gorm:"not null" json:"move_number"`
	Board      string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"created_at"`

	// Associations
	Game Game `gorm:"foreignKey:GameID" json:"-"`
}

// AutoMigrate runs the database migrations
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Game{}, &Move{})
}
