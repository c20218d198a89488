package multichess

import (
	"encoding/json"
	"fmt"
)

// BoardSize is the side length of the grid. Chess boards are always 8x8.
const BoardSize = 8

// Board is the full piece placement, stored and replaced wholesale on each
// move. Row 0 is rank 8 (black's back rank), matching FEN ordering. Squares
// hold single-letter piece symbols, uppercase for white and lowercase for
// black, or the empty string.
type Board [BoardSize][BoardSize]string

// StartingBoard returns the canonical opening position.
func StartingBoard() Board {
	return Board{
		{"r", "n", "b", "q", "k", "b", "n", "r"},
		{"p", "p", "p", "p", "p", "p", "p", "p"},
		{"", "", "", "", "", "", "", ""},
		{"", "", "", "", "", "", "", ""},
		{"", "", "", "", "", "", "", ""},
		{"", "", "", "", "", "", "", ""},
		{"P", "P", "P", "P", "P", "P", "P", "P"},
		{"R", "N", "B", "Q", "K", "B", "N", "R"},
	}
}

// ParseBoard decodes a serialized board snapshot. It rejects anything that is
// not exactly an 8x8 grid so a bad client payload never reaches storage.
func ParseBoard(data []byte) (Board, error) {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return Board{}, fmt.Errorf("could not decode board: %w", err)
	}

	var b Board
	if len(rows) != BoardSize {
		return Board{}, fmt.Errorf("board has %d rows, want %d", len(rows), BoardSize)
	}
	for i, row := range rows {
		if len(row) != BoardSize {
			return Board{}, fmt.Errorf("board row %d has %d squares, want %d", i, len(row), BoardSize)
		}
		copy(b[i][:], row)
	}

	return b, nil
}

// Marshal serializes the board for storage. ParseBoard(b.Marshal()) always
// reproduces an identical grid.
func (b Board) Marshal() ([]byte, error) {
	return json.Marshal(b)
}
