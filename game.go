package multichess

import "errors"

// Color identifies the side whose player is currently permitted to move.
type Color string

const (
	// White moves first and always belongs to the game's creator.
	White Color = "white"
	// Black belongs to the joiner.
	Black Color = "black"
)

// Opponent returns the other color.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// ParseColor validates a client-supplied turn value.
func ParseColor(s string) (Color, error) {
	switch Color(s) {
	case White, Black:
		return Color(s), nil
	}
	return "", errors.New("turn must be \"white\" or \"black\"")
}

// Game status values. A game waits for an opponent, then stays in progress;
// nothing in the request surface moves it to ended (storage exposes the
// transition, see the server package).
const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusEnded      = "ended"
)

// Terminal outcome values. The schema carries these for a future rules
// engine; no server path currently sets anything but ongoing.
const (
	StateOngoing    = "ongoing"
	StateCreatorWin = "creator_win"
	StateJoinerWin  = "joiner_win"
	StateDraw       = "draw"
)

// Domain errors, returned by the store and mapped to HTTP statuses by the
// server.
var (
	ErrMissingField       = errors.New("missing required field")
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrInvalidCredentials = errors.New("invalid username and/or password")
	ErrGameNotFound       = errors.New("game not found")
	ErrGameNotActive      = errors.New("game is not active")
	ErrAlreadyJoined      = errors.New("game already has an opponent")
	ErrNotYourTurn        = errors.New("not your turn")
)

// MoveValidator is the legality seam. The server accepts any board the
// client submits; a real rules engine plugs in here, between turn
// authorization and the commit.
type MoveValidator interface {
	Validate(before, after Board, turn Color) error
}

// AcceptAll is the default MoveValidator. It trusts the client entirely;
// turn authorization is the only gate on a submitted board.
type AcceptAll struct{}

// Validate never fails.
func (AcceptAll) Validate(before, after Board, turn Color) error {
	return nil
}
