package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ifo/sanic"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"moul.io/zapgorm2"

	"multichess"
)

// slugWorker issues the ids behind game slugs. A single shared worker keeps
// slugs unique across requests; its timestamp resolution is one second, so a
// fresh worker per call would repeat ids. NextID is safe for concurrent use.
var slugWorker = sanic.NewWorker7()

// getDB opens the configured database. DATABASE_URL selects postgres;
// otherwise the store is a single sqlite file at CHESS_DB.
func getDB() (*gorm.DB, error) {
	gormLogger := zapgorm2.New(log.Desugar())
	gormLogger.SetAsDefault()
	config := &gorm.Config{Logger: gormLogger}

	var db *gorm.DB
	var err error
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err = gorm.Open(postgres.Open(dbURL), config)
	} else {
		path := os.Getenv("CHESS_DB")
		if path == "" {
			path = "multichess.db"
		}
		db, err = gorm.Open(sqlite.Open(path), config)
	}
	if err != nil {
		return nil, err
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run auto-migration: %v", err)
	}

	return db, nil
}

// createGame opens a new game session owned by creatorID: canonical opening
// position, white to move, waiting for an opponent. There is no cap on how
// many waiting games a single creator can hold open.
func createGame(db *gorm.DB, creatorID int64) (*Game, error) {
	board, err := multichess.StartingBoard().Marshal()
	if err != nil {
		return nil, err
	}

	slug := slugWorker.IDString(slugWorker.NextID())

	game := Game{
		Slug:      slug,
		CreatorID: creatorID,
		Status:    multichess.StatusWaiting,
		Turn:      string(multichess.White),
		Board:     string(board),
		State:     multichess.StateOngoing,
		MoveIndex: 0,
	}

	if err := db.Create(&game).Error; err != nil {
		return nil, err
	}

	return &game, nil
}

// joinGame binds joinerID as the opponent and activates the game. The write
// is a single conditional update so two racing joiners can never both win:
// joiner_id is write-once by construction.
func joinGame(db *gorm.DB, gameID, joinerID int64) (*Game, error) {
	res := db.Model(&Game{}).
		Where("id = ? AND joiner_id IS NULL AND status = ?", gameID, multichess.StatusWaiting).
		Updates(map[string]interface{}{
			"joiner_id": joinerID,
			"status":    multichess.StatusInProgress,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	game, err := getGame(db, gameID)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 0 {
		// The game exists but somebody already holds the seat.
		return nil, multichess.ErrAlreadyJoined
	}

	return game, nil
}

// openGames lists every game still waiting for an opponent, newest first.
func openGames(db *gorm.DB) ([]Game, error) {
	var games []Game
	err := db.Preload("Creator").
		Where("status = ?", multichess.StatusWaiting).
		Order("created_at DESC").
		Find(&games).Error
	return games, err
}

// getGame loads a game with both player associations.
func getGame(db *gorm.DB, gameID int64) (*Game, error) {
	var game Game
	if err := db.Preload("Creator").Preload("Joiner").First(&game, gameID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, multichess.ErrGameNotFound
		}
		return nil, err
	}
	return &game, nil
}

// submitMove authorizes actorID against the current turn owner and commits
// the client-supplied board. Preconditions are checked in order: existence,
// active status, turn ownership, then the pluggable validator. The commit is
// one conditional update keyed on the turn we read, so a concurrent writer
// that got there first turns our write into a zero-row update instead of a
// lost-update race.
func submitMove(db *gorm.DB, gameID, actorID int64, board multichess.Board, declared multichess.Color, validator multichess.MoveValidator) (*Game, error) {
	game, err := getGame(db, gameID)
	if err != nil {
		return nil, err
	}

	if game.Status != multichess.StatusInProgress {
		return nil, multichess.ErrGameNotActive
	}

	turn := game.TurnColor()
	if declared != turn {
		return nil, multichess.ErrNotYourTurn
	}
	switch turn {
	case multichess.White:
		if actorID != game.CreatorID {
			return nil, multichess.ErrNotYourTurn
		}
	case multichess.Black:
		if game.JoinerID == nil || actorID != *game.JoinerID {
			return nil, multichess.ErrNotYourTurn
		}
	}

	if validator != nil {
		before, err := multichess.ParseBoard([]byte(game.Board))
		if err != nil {
			return nil, err
		}
		if err := validator.Validate(before, board, turn); err != nil {
			return nil, fmt.Errorf("illegal move: %w", err)
		}
	}

	raw, err := board.Marshal()
	if err != nil {
		return nil, err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Game{}).
			Where("id = ? AND status = ? AND turn = ?", gameID, multichess.StatusInProgress, string(turn)).
			Updates(map[string]interface{}{
				"board":      string(raw),
				"turn":       string(turn.Opponent()),
				"move_index": gorm.Expr("move_index + ?", 1),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent move flipped the turn between our read and this
			// update.
			return multichess.ErrNotYourTurn
		}

		// A successful conditional update implies move_index was unchanged
		// since the read: any intervening move would have flipped the turn.
		move := Move{
			GameID:     gameID,
			PlayerID:   actorID,
			MoveNumber: game.MoveIndex + 1,
			Board:      string(raw),
		}
		return tx.Create(&move).Error
	})
	if err != nil {
		return nil, err
	}

	return getGame(db, gameID)
}

// finishGame records a terminal outcome. No HTTP route calls this yet; the
// request surface has no path that ends a game.
func finishGame(db *gorm.DB, gameID int64, state string) (*Game, error) {
	res := db.Model(&Game{}).
		Where("id = ? AND status = ?", gameID, multichess.StatusInProgress).
		Updates(map[string]interface{}{
			"status": multichess.StatusEnded,
			"state":  state,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	game, err := getGame(db, gameID)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 0 {
		return nil, multichess.ErrGameNotActive
	}

	return game, nil
}
