package main

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"multichess"
)

func setupTestDB(t *testing.T) *gorm.DB {
	// Use in-memory SQLite for testing with silent logger to avoid test output pollution
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// Run auto-migration
	err = AutoMigrate(db)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *User {
	user, err := registerUser(db, username, "password123", "password123")
	if err != nil {
		t.Fatalf("Failed to create test user %s: %v", username, err)
	}
	return user
}

// boardAfterOpening is the starting position after 1. e4.
func boardAfterOpening() multichess.Board {
	b := multichess.StartingBoard()
	b[6][4] = ""
	b[4][4] = "P"
	return b
}

func TestCreateGame(t *testing.T) {
	db := setupTestDB(t)
	creator := createTestUser(t, db, "alice")

	game, err := createGame(db, creator.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	if game.Slug == "" {
		t.Error("Expected non-empty slug")
	}
	if game.Status != multichess.StatusWaiting {
		t.Errorf("Expected status waiting, got %s", game.Status)
	}
	if game.Turn != string(multichess.White) {
		t.Errorf("Expected white to move, got %s", game.Turn)
	}
	if game.MoveIndex != 0 {
		t.Errorf("Expected move_index 0, got %d", game.MoveIndex)
	}
	if game.JoinerID != nil {
		t.Error("Expected no joiner on a fresh game")
	}

	board, err := multichess.ParseBoard([]byte(game.Board))
	if err != nil {
		t.Fatalf("Stored board does not parse: %v", err)
	}
	if board != multichess.StartingBoard() {
		t.Error("Expected canonical opening position")
	}
}

func TestCreateGameSlugsUnique(t *testing.T) {
	db := setupTestDB(t)
	creator := createTestUser(t, db, "alice")

	// Burst creation well inside one second. Slugs come from a shared
	// snowflake worker, so every insert must clear the unique index.
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		game, err := createGame(db, creator.ID)
		if err != nil {
			t.Fatalf("Failed to create game %d: %v", i, err)
		}
		if seen[game.Slug] {
			t.Fatalf("Slug %q repeated on game %d", game.Slug, i)
		}
		seen[game.Slug] = true
	}
}

func TestJoinGame(t *testing.T) {
	db := setupTestDB(t)
	creator := createTestUser(t, db, "alice")
	joiner := createTestUser(t, db, "bob")

	game, err := createGame(db, creator.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	joined, err := joinGame(db, game.ID, joiner.ID)
	if err != nil {
		t.Fatalf("Failed to join game: %v", err)
	}

	if joined.Status != multichess.StatusInProgress {
		t.Errorf("Expected status in_progress, got %s", joined.Status)
	}
	if joined.JoinerID == nil || *joined.JoinerID != joiner.ID {
		t.Error("Expected joiner to be bound")
	}

	// joiner_id is write-once: a second join never overwrites.
	third := createTestUser(t, db, "carol")
	if _, err := joinGame(db, game.ID, third.ID); err != multichess.ErrAlreadyJoined {
		t.Errorf("Expected ErrAlreadyJoined, got %v", err)
	}
	reloaded, err := getGame(db, game.ID)
	if err != nil {
		t.Fatalf("Failed to reload game: %v", err)
	}
	if *reloaded.JoinerID != joiner.ID {
		t.Error("Second join attempt overwrote joiner_id")
	}

	// Unknown game
	if _, err := joinGame(db, 9999, joiner.ID); err != multichess.ErrGameNotFound {
		t.Errorf("Expected ErrGameNotFound, got %v", err)
	}
}

func TestCreatorCanJoinOwnGame(t *testing.T) {
	db := setupTestDB(t)
	creator := createTestUser(t, db, "alice")

	game, err := createGame(db, creator.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	// Nothing stops a creator from taking the black seat themselves.
	joined, err := joinGame(db, game.ID, creator.ID)
	if err != nil {
		t.Fatalf("Expected creator to be able to join their own game: %v", err)
	}
	if *joined.JoinerID != creator.ID {
		t.Error("Expected creator bound as joiner")
	}
}

func TestSubmitMoveScenario(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	game, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}
	if _, err := joinGame(db, game.ID, bob.ID); err != nil {
		t.Fatalf("Failed to join game: %v", err)
	}

	// White's move by the creator
	after, err := submitMove(db, game.ID, alice.ID, boardAfterOpening(), multichess.White, moveValidator)
	if err != nil {
		t.Fatalf("Failed to submit white move: %v", err)
	}
	if after.Turn != string(multichess.Black) {
		t.Errorf("Expected turn to flip to black, got %s", after.Turn)
	}
	if after.MoveIndex != 1 {
		t.Errorf("Expected move_index 1, got %d", after.MoveIndex)
	}

	// Black's move by the joiner
	reply := boardAfterOpening()
	reply[1][4] = ""
	reply[3][4] = "p" // 1... e5
	after, err = submitMove(db, game.ID, bob.ID, reply, multichess.Black, moveValidator)
	if err != nil {
		t.Fatalf("Failed to submit black move: %v", err)
	}
	if after.Turn != string(multichess.White) {
		t.Errorf("Expected turn to flip back to white, got %s", after.Turn)
	}
	if after.MoveIndex != 2 {
		t.Errorf("Expected move_index 2, got %d", after.MoveIndex)
	}

	// Turn alternation invariant: after N moves, white iff N even.
	if after.MoveIndex%2 != 0 && after.Turn == string(multichess.White) {
		t.Error("Turn alternation invariant broken")
	}

	// Bob may not move on white's turn, and Alice may not declare black.
	if _, err := submitMove(db, game.ID, bob.ID, reply, multichess.White, moveValidator); err != multichess.ErrNotYourTurn {
		t.Errorf("Expected ErrNotYourTurn for joiner on white's turn, got %v", err)
	}
	if _, err := submitMove(db, game.ID, alice.ID, reply, multichess.Black, moveValidator); err != multichess.ErrNotYourTurn {
		t.Errorf("Expected ErrNotYourTurn for mismatched declared turn, got %v", err)
	}
}

func TestSubmitMoveRejectedLeavesStateUnchanged(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	eve := createTestUser(t, db, "eve")

	game, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}
	if _, err := joinGame(db, game.ID, bob.ID); err != nil {
		t.Fatalf("Failed to join game: %v", err)
	}

	before, err := getGame(db, game.ID)
	if err != nil {
		t.Fatalf("Failed to load game: %v", err)
	}

	// A third party is never the turn owner.
	if _, err := submitMove(db, game.ID, eve.ID, boardAfterOpening(), multichess.White, moveValidator); err != multichess.ErrNotYourTurn {
		t.Errorf("Expected ErrNotYourTurn for outsider, got %v", err)
	}

	after, err := getGame(db, game.ID)
	if err != nil {
		t.Fatalf("Failed to reload game: %v", err)
	}
	if after.Board != before.Board || after.Turn != before.Turn || after.MoveIndex != before.MoveIndex {
		t.Error("Rejected move changed persisted state")
	}
}

func TestSubmitMovePreconditions(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestUser(t, db, "alice")

	game, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	// Not found beats everything else.
	if _, err := submitMove(db, 9999, alice.ID, boardAfterOpening(), multichess.White, moveValidator); err != multichess.ErrGameNotFound {
		t.Errorf("Expected ErrGameNotFound, got %v", err)
	}

	// A waiting game is not active.
	if _, err := submitMove(db, game.ID, alice.ID, boardAfterOpening(), multichess.White, moveValidator); err != multichess.ErrGameNotActive {
		t.Errorf("Expected ErrGameNotActive, got %v", err)
	}
}

func TestMoveHistory(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	game, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}
	if _, err := joinGame(db, game.ID, bob.ID); err != nil {
		t.Fatalf("Failed to join game: %v", err)
	}

	if _, err := submitMove(db, game.ID, alice.ID, boardAfterOpening(), multichess.White, moveValidator); err != nil {
		t.Fatalf("Failed to submit move: %v", err)
	}
	reply := boardAfterOpening()
	reply[1][4] = ""
	reply[3][4] = "p"
	if _, err := submitMove(db, game.ID, bob.ID, reply, multichess.Black, moveValidator); err != nil {
		t.Fatalf("Failed to submit move: %v", err)
	}

	var moves []Move
	if err := db.Where("game_id = ?", game.ID).Order("move_number").Find(&moves).Error; err != nil {
		t.Fatalf("Failed to load move history: %v", err)
	}
	if len(moves) != 2 {
		t.Fatalf("Expected 2 history rows, got %d", len(moves))
	}
	if moves[0].MoveNumber != 1 || moves[1].MoveNumber != 2 {
		t.Errorf("Expected history numbers 1,2, got %d,%d", moves[0].MoveNumber, moves[1].MoveNumber)
	}
	if moves[0].PlayerID != alice.ID || moves[1].PlayerID != bob.ID {
		t.Error("History rows attributed to the wrong players")
	}
}

func TestFinishGame(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	game, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	// A waiting game has nothing to finish.
	if _, err := finishGame(db, game.ID, multichess.StateDraw); err != multichess.ErrGameNotActive {
		t.Errorf("Expected ErrGameNotActive, got %v", err)
	}

	if _, err := joinGame(db, game.ID, bob.ID); err != nil {
		t.Fatalf("Failed to join game: %v", err)
	}

	finished, err := finishGame(db, game.ID, multichess.StateCreatorWin)
	if err != nil {
		t.Fatalf("Failed to finish game: %v", err)
	}
	if finished.Status != multichess.StatusEnded {
		t.Errorf("Expected status ended, got %s", finished.Status)
	}
	if finished.State != multichess.StateCreatorWin {
		t.Errorf("Expected creator_win, got %s", finished.State)
	}

	// Finishing twice fails, and an ended game rejects moves.
	if _, err := finishGame(db, game.ID, multichess.StateDraw); err != multichess.ErrGameNotActive {
		t.Errorf("Expected ErrGameNotActive on double finish, got %v", err)
	}
	if _, err := submitMove(db, game.ID, alice.ID, boardAfterOpening(), multichess.White, moveValidator); err != multichess.ErrGameNotActive {
		t.Errorf("Expected ErrGameNotActive for move on ended game, got %v", err)
	}
}

func TestOpenGames(t *testing.T) {
	db := setupTestDB(t)
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	older, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}
	// Push the first game into the past so ordering is deterministic.
	if err := db.Model(&Game{}).Where("id = ?", older.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("Failed to backdate game: %v", err)
	}

	newer, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}

	joined, err := createGame(db, alice.ID)
	if err != nil {
		t.Fatalf("Failed to create game: %v", err)
	}
	if _, err := joinGame(db, joined.ID, bob.ID); err != nil {
		t.Fatalf("Failed to join game: %v", err)
	}

	games, err := openGames(db)
	if err != nil {
		t.Fatalf("Failed to list open games: %v", err)
	}

	if len(games) != 2 {
		t.Fatalf("Expected 2 open games, got %d", len(games))
	}
	if games[0].ID != newer.ID || games[1].ID != older.ID {
		t.Error("Expected newest-first ordering")
	}
	for _, g := range games {
		if g.Status != multichess.StatusWaiting {
			t.Errorf("Open game %d has status %s", g.ID, g.Status)
		}
		if g.Creator == nil || g.Creator.Username != "alice" {
			t.Errorf("Open game %d missing creator association", g.ID)
		}
	}
}
