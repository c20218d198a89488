package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jessevdk/go-flags"

	"multichess"
)

var opts struct {
	Server string `short:"s" long:"server" description:"Server base URL" default:"http://localhost:8080"`
}

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	itemStyle = lipgloss.NewStyle().
			MarginLeft(2)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("170")).
				Bold(true).
				MarginLeft(2)

	boardStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1).
			MarginLeft(2)

	cellStyle = lipgloss.NewStyle().
			Width(3).
			Height(1).
			Align(lipgloss.Center)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true).
			MarginLeft(2)
)

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	p := tea.NewProgram(
		initialModel(opts.Server),
		tea.WithAltScreen(),
	)

	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type screen int

const (
	screenLogin screen = iota
	screenLobby
	screenGame
)

type model struct {
	api    *apiClient
	screen screen

	// Login state
	username textinput.Model
	password textinput.Model
	userID   int64

	// Lobby state
	lobbyCursor int
	openGames   []clientGame

	// Game state
	game      *clientGame
	moveInput textinput.Model
	entering  bool

	// UI state
	width  int
	height int
	error  string
}

func initialModel(serverURL string) model {
	username := textinput.New()
	username.Placeholder = "username"
	username.Focus()

	password := textinput.New()
	password.Placeholder = "password"
	password.EchoMode = textinput.EchoPassword

	moveInput := textinput.New()
	moveInput.Placeholder = "e2e4"
	moveInput.CharLimit = 4

	return model{
		api:       newAPIClient(serverURL),
		screen:    screenLogin,
		username:  username,
		password:  password,
		moveInput: moveInput,
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

// Messages

type loggedIn struct {
	userID int64
}

type lobbyLoaded struct {
	games []clientGame
}

type gameLoaded struct {
	game *clientGame
}

type apiError struct {
	error string
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case loggedIn:
		m.userID = msg.userID
		m.screen = screenLobby
		m.error = ""
		return m, m.loadLobby()

	case lobbyLoaded:
		m.openGames = msg.games
		if m.lobbyCursor >= len(m.openGames) {
			m.lobbyCursor = 0
		}
		m.error = ""
		return m, nil

	case gameLoaded:
		m.game = msg.game
		m.screen = screenGame
		m.entering = false
		m.moveInput.SetValue("")
		m.error = ""
		return m, nil

	case apiError:
		m.error = msg.error
		return m, nil

	case tea.KeyMsg:
		switch m.screen {
		case screenLogin:
			return m.updateLogin(msg)
		case screenLobby:
			return m.updateLobby(msg)
		case screenGame:
			return m.updateGame(msg)
		}
	}

	return m, nil
}

func (m model) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "tab", "shift+tab":
		if m.username.Focused() {
			m.username.Blur()
			m.password.Focus()
		} else {
			m.password.Blur()
			m.username.Focus()
		}
		return m, nil

	case "enter":
		return m, m.login(false)

	case "ctrl+n":
		// Register a new account with the same fields
		return m, m.login(true)
	}

	var cmd tea.Cmd
	if m.username.Focused() {
		m.username, cmd = m.username.Update(msg)
	} else {
		m.password, cmd = m.password.Update(msg)
	}
	return m, cmd
}

func (m model) updateLobby(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.lobbyCursor > 0 {
			m.lobbyCursor--
		}

	case "down", "j":
		if m.lobbyCursor < len(m.openGames)-1 {
			m.lobbyCursor++
		}

	case "r":
		return m, m.loadLobby()

	case "c":
		return m, m.createGame()

	case "enter":
		if len(m.openGames) > 0 {
			return m, m.joinGame(m.openGames[m.lobbyCursor].ID)
		}
	}

	return m, nil
}

func (m model) updateGame(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.entering {
		switch msg.String() {
		case "esc":
			m.entering = false
			m.moveInput.SetValue("")
			m.error = ""
			return m, nil
		case "enter":
			move := m.moveInput.Value()
			if move != "" {
				return m, m.makeMove(move)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.moveInput, cmd = m.moveInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.screen = screenLobby
		m.game = nil
		return m, m.loadLobby()
	case "ctrl+c":
		return m, tea.Quit
	case "r":
		if m.game != nil {
			return m, m.refreshGame(m.game.ID)
		}
	case "m":
		m.entering = true
		m.moveInput.Focus()
		m.error = ""
		return m, textinput.Blink
	}

	return m, nil
}

// Commands

func (m model) login(register bool) tea.Cmd {
	username := m.username.Value()
	password := m.password.Value()
	return func() tea.Msg {
		var userID int64
		var err error
		if register {
			userID, err = m.api.register(username, password)
		} else {
			userID, err = m.api.login(username, password)
		}
		if err != nil {
			return apiError{err.Error()}
		}
		return loggedIn{userID}
	}
}

func (m model) loadLobby() tea.Cmd {
	return func() tea.Msg {
		games, err := m.api.findGames()
		if err != nil {
			return apiError{err.Error()}
		}
		return lobbyLoaded{games}
	}
}

func (m model) createGame() tea.Cmd {
	return func() tea.Msg {
		game, err := m.api.createGame()
		if err != nil {
			return apiError{err.Error()}
		}
		return gameLoaded{game}
	}
}

func (m model) joinGame(id int64) tea.Cmd {
	return func() tea.Msg {
		game, err := m.api.joinGame(id)
		if err != nil {
			return apiError{err.Error()}
		}
		return gameLoaded{game}
	}
}

func (m model) refreshGame(id int64) tea.Cmd {
	return func() tea.Msg {
		game, err := m.api.getGame(id)
		if err != nil {
			return apiError{err.Error()}
		}
		return gameLoaded{game}
	}
}

func (m model) makeMove(move string) tea.Cmd {
	game := m.game
	return func() tea.Msg {
		board, err := applyMove(game.Board, move)
		if err != nil {
			return apiError{err.Error()}
		}
		updated, err := m.api.submitMove(game.ID, board, game.Turn)
		if err != nil {
			return apiError{err.Error()}
		}
		return gameLoaded{updated}
	}
}

// applyMove rewrites the local board for a coordinate move like "e2e4". The
// server stores whatever we send; legality is on us.
func applyMove(board multichess.Board, move string) (multichess.Board, error) {
	move = strings.ToLower(strings.TrimSpace(move))
	if len(move) != 4 {
		return board, fmt.Errorf("moves look like e2e4")
	}

	fromCol, fromRow, err := parseSquare(move[0:2])
	if err != nil {
		return board, err
	}
	toCol, toRow, err := parseSquare(move[2:4])
	if err != nil {
		return board, err
	}

	piece := board[fromRow][fromCol]
	if piece == "" {
		return board, fmt.Errorf("no piece on %s", move[0:2])
	}

	board[fromRow][fromCol] = ""
	board[toRow][toCol] = piece
	return board, nil
}

func parseSquare(sq string) (col, row int, err error) {
	if sq[0] < 'a' || sq[0] > 'h' || sq[1] < '1' || sq[1] > '8' {
		return 0, 0, fmt.Errorf("bad square %q", sq)
	}
	col = int(sq[0] - 'a')
	// Row 0 is rank 8.
	row = multichess.BoardSize - 1 - int(sq[1]-'1')
	return col, row, nil
}

// Views

func (m model) View() string {
	switch m.screen {
	case screenLogin:
		return m.viewLogin()
	case screenLobby:
		return m.viewLobby()
	case screenGame:
		return m.viewGame()
	default:
		return "Unknown screen"
	}
}

func (m model) viewLogin() string {
	title := titleStyle.Render("MultiChess")

	form := lipgloss.JoinVertical(lipgloss.Left,
		itemStyle.Render(m.username.View()),
		itemStyle.Render(m.password.View()),
	)

	help := itemStyle.Render("Tab: switch field | Enter: log in | Ctrl+N: register | Ctrl+C: quit")
	info := itemStyle.Render(fmt.Sprintf("Server: %s", m.api.baseURL))

	content := lipgloss.JoinVertical(lipgloss.Left, title, "", form, "", info, help)

	if m.error != "" {
		content = lipgloss.JoinVertical(lipgloss.Left, content, "", errorStyle.Render("Error: "+m.error))
	}

	return content
}

func (m model) viewLobby() string {
	title := titleStyle.Render("Open games")

	list := ""
	if len(m.openGames) == 0 {
		list = itemStyle.Render("Nobody is waiting. Press c to create a game.") + "\n"
	}
	for i, g := range m.openGames {
		line := fmt.Sprintf("#%d by %s", g.ID, g.creatorName())
		if i == m.lobbyCursor {
			list += selectedItemStyle.Render("> "+line) + "\n"
		} else {
			list += itemStyle.Render("  "+line) + "\n"
		}
	}

	help := itemStyle.Render("Enter: join | c: create | r: refresh | q: quit")
	content := lipgloss.JoinVertical(lipgloss.Left, title, "", list, help)

	if m.error != "" {
		content = lipgloss.JoinVertical(lipgloss.Left, content, "", errorStyle.Render("Error: "+m.error))
	}

	return content
}

func (m model) viewGame() string {
	title := titleStyle.Render(fmt.Sprintf("Game #%d", m.game.ID))

	info := itemStyle.Render(fmt.Sprintf("Status: %s | Turn: %s | Move: %d",
		m.game.Status, m.game.Turn, m.game.MoveIndex))

	board := m.renderBoard()

	var controls string
	if m.entering {
		controls = itemStyle.Render("Move: " + m.moveInput.View() + " (Enter: submit, Esc: cancel)")
	} else {
		controls = itemStyle.Render("m: enter move | r: refresh | q: lobby")
	}

	content := []string{title, "", info, "", board, "", controls}
	if m.error != "" {
		content = append(content, "", errorStyle.Render("Error: "+m.error))
	}

	return lipgloss.JoinVertical(lipgloss.Left, content...)
}

func (m model) renderBoard() string {
	var rows []string

	header := "   "
	for i := 0; i < multichess.BoardSize; i++ {
		header += fmt.Sprintf(" %c ", 'a'+i)
	}
	rows = append(rows, header)

	for r := 0; r < multichess.BoardSize; r++ {
		rank := multichess.BoardSize - r
		row := fmt.Sprintf("%2d ", rank)
		for c := 0; c < multichess.BoardSize; c++ {
			row += m.renderSquare(m.game.Board[r][c], r, c)
		}
		row += fmt.Sprintf(" %d", rank)
		rows = append(rows, row)
	}

	footer := "   "
	for i := 0; i < multichess.BoardSize; i++ {
		footer += fmt.Sprintf(" %c ", 'a'+i)
	}
	rows = append(rows, footer)

	return boardStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m model) renderSquare(piece string, r, c int) string {
	var bgColor, fgColor string

	if (r+c)%2 == 0 {
		bgColor = "180"
	} else {
		bgColor = "94"
	}

	content := piece
	if piece == "" {
		content = " "
	} else if piece == strings.ToUpper(piece) {
		fgColor = "255" // White pieces
	} else {
		fgColor = "16" // Black pieces
	}

	return cellStyle.
		Background(lipgloss.Color(bgColor)).
		Foreground(lipgloss.Color(fgColor)).
		Render(content)
}

// API client

type clientGame struct {
	ID        int64            `json:"id"`
	CreatorID int64            `json:"creator_id"`
	JoinerID  *int64           `json:"joiner_id"`
	Status    string           `json:"status"`
	Turn      string           `json:"turn"`
	MoveIndex int              `json:"move_index"`
	Board     multichess.Board `json:"board"`
	Creator   *struct {
		Username string `json:"username"`
	} `json:"creator"`
}

func (g clientGame) creatorName() string {
	if g.Creator != nil {
		return g.Creator.Username
	}
	return fmt.Sprintf("user %d", g.CreatorID)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			// The server answers game mutations with redirects; we want the
			// Location, not a replayed POST.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *apiClient) do(method, path string, body, out interface{}) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return resp, fmt.Errorf("%s", e.Error)
		}
		return resp, fmt.Errorf("server returned %s", resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

type authResponse struct {
	Token string `json:"token"`
	User  struct {
		ID int64 `json:"id"`
	} `json:"user"`
}

func (c *apiClient) login(username, password string) (int64, error) {
	var resp authResponse
	if _, err := c.do("POST", "/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp); err != nil {
		return 0, err
	}
	c.token = resp.Token
	return resp.User.ID, nil
}

func (c *apiClient) register(username, password string) (int64, error) {
	var resp authResponse
	if _, err := c.do("POST", "/register", map[string]string{
		"username":     username,
		"password":     password,
		"confirmation": password,
	}, &resp); err != nil {
		return 0, err
	}
	c.token = resp.Token
	return resp.User.ID, nil
}

func (c *apiClient) findGames() ([]clientGame, error) {
	var games []clientGame
	if _, err := c.do("GET", "/findgame", nil, &games); err != nil {
		return nil, err
	}
	return games, nil
}

// followGame resolves a redirect to /playgame/{id} into the game state.
func (c *apiClient) followGame(resp *http.Response) (*clientGame, error) {
	loc := resp.Header.Get("Location")
	idStr := loc[strings.LastIndex(loc, "/")+1:]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unexpected redirect %q", loc)
	}
	return c.getGame(id)
}

func (c *apiClient) createGame() (*clientGame, error) {
	resp, err := c.do("POST", "/creategame", nil, nil)
	if err != nil {
		return nil, err
	}
	return c.followGame(resp)
}

func (c *apiClient) joinGame(id int64) (*clientGame, error) {
	resp, err := c.do("POST", fmt.Sprintf("/joingame/%d", id), nil, nil)
	if err != nil {
		return nil, err
	}
	return c.followGame(resp)
}

func (c *apiClient) getGame(id int64) (*clientGame, error) {
	var game clientGame
	if _, err := c.do("GET", fmt.Sprintf("/playgame/%d", id), nil, &game); err != nil {
		return nil, err
	}
	return &game, nil
}

func (c *apiClient) submitMove(id int64, board multichess.Board, turn string) (*clientGame, error) {
	raw, err := board.Marshal()
	if err != nil {
		return nil, err
	}
	var game clientGame
	if _, err := c.do("POST", fmt.Sprintf("/playgame/%d", id), map[string]interface{}{
		"board": json.RawMessage(raw),
		"turn":  turn,
	}, &game); err != nil {
		return nil, err
	}
	return &game, nil
}
