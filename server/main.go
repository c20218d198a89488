package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/icco/gutil/logging"
	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/unrolled/render"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"multichess"
	_ "multichess/server/docs"
)

var (
	// Renderer is a renderer for all occasions. These are our preferred default options.
	// See:
	//  - https://github.com/unrolled/render/blob/v1/README.md
	//  - https://godoc.org/gopkg.in/unrolled/render.v1
	Renderer = render.New(render.Options{
		Charset:                   "UTF-8",
		Directory:                 "views",
		DisableHTTPErrorRendering: false,
		Extensions:                []string{".tmpl", ".html"},
		IndentJSON:                false,
		IndentXML:                 true,
		Layout:                    "layout",
		RequirePartials:           true,
		Funcs:                     []template.FuncMap{},
	})

	log       = logging.Must(logging.NewLogger(multichess.Service))
	ugcPolicy = bluemonday.StrictPolicy()

	db *gorm.DB

	// moveValidator is the legality seam. AcceptAll persists whatever the
	// client sends.
	moveValidator multichess.MoveValidator = multichess.AcceptAll{}
)

// @title MultiChess API
// @version 1.0
// @description A two-player chess session server. Board legality is left to the client.
// @contact.name API Support
// @license.name MIT
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT token in format: Bearer {token}

func main() {
	port := "8080"
	if fromEnv := os.Getenv("PORT"); fromEnv != "" {
		port = fromEnv
	}
	log.Infow("Starting up", "host", fmt.Sprintf("http://localhost:%s", port))

	var err error
	db, err = getDB()
	if err != nil {
		log.Panicw("could not get db", zap.Error(err))
		return
	}

	if err := initMetrics(); err != nil {
		log.Panicw("could not set up metrics", zap.Error(err))
		return
	}

	r := newRouter()

	server := &http.Server{
		Addr:           ":" + port,
		Handler:        otelhttp.NewHandler(r, multichess.Service),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	log.Fatal(server.ListenAndServe())
}

func newRouter() chi.Router {
	isDev := os.Getenv("CHESS_ENV") != "production"

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(log.Desugar()))

	r.Use(cors.New(cors.Options{
		AllowCredentials:   true,
		OptionsPassthrough: true,
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:     []string{"Link"},
		MaxAge:             300, // Maximum value not ignored by any of major browsers
	}).Handler)

	r.NotFound(notFoundHandler)

	// Stuff that does not ssl redirect
	r.Group(func(r chi.Router) {
		r.Use(secure.New(secure.Options{
			BrowserXssFilter:   true,
			ContentTypeNosniff: true,
			FrameDeny:          true,
			HostsProxyHeaders:  []string{"X-Forwarded-Host"},
			IsDevelopment:      isDev,
			SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
		}).Handler)

		r.Get("/healthz", healthCheckHandler)
		r.Mount("/metrics", promhttp.Handler())
	})

	// Everything that does SSL only
	r.Group(func(r chi.Router) {
		r.Use(secure.New(secure.Options{
			BrowserXssFilter:     true,
			ContentTypeNosniff:   true,
			FrameDeny:            true,
			HostsProxyHeaders:    []string{"X-Forwarded-Host"},
			IsDevelopment:        isDev,
			SSLProxyHeaders:      map[string]string{"X-Forwarded-Proto": "https"},
			SSLRedirect:          !isDev,
			STSIncludeSubdomains: true,
			STSPreload:           true,
			STSSeconds:           315360000,
		}).Handler)

		// Public routes
		r.Get("/", rootHandler)
		r.Get("/swagger/*", httpSwagger.Handler(
			httpSwagger.URL("/swagger/doc.json"),
		))

		r.Post("/register", registerHandler)
		r.Post("/login", loginHandler)
		r.Get("/logout", logoutHandler)

		// Social login (JWT + Google)
		if socialLoginEnabled() {
			r.Mount("/auth", AuthRoutes())
		}

		// Protected routes requiring authentication
		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/creategame", createGameHandler)
			r.Post("/joingame/{id}", joinGameHandler)
			r.Get("/findgame", findGameHandler)
			r.Get("/playgame/{id}", playGameHandler)
			r.Post("/playgame/{id}", playGameMoveHandler)
			r.Post("/update_game", updateGameHandler)
		})
	})

	return r
}

// GameResponse is a game row with the board decoded back into its 8x8 grid.
type GameResponse struct {
	Game
	BoardGrid multichess.Board `json:"board"`
}

func newGameResponse(game *Game) (*GameResponse, error) {
	grid, err := multichess.ParseBoard([]byte(game.Board))
	if err != nil {
		return nil, err
	}
	return &GameResponse{Game: *game, BoardGrid: grid}, nil
}

// MoveRequest represents a move submission
type MoveRequest struct {
	GameID int64           `json:"game_id" example:"1"`
	Board  json.RawMessage `json:"board" description:"8x8 grid of piece symbols"`
	Turn   string          `json:"turn" example:"white"`
}

// UpdateGameResponse is the structured result of /update_game
type UpdateGameResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func renderError(w http.ResponseWriter, status int, msg string) {
	if err := Renderer.JSON(w, status, map[string]string{"error": msg}); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

// errorStatus maps domain errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.As(err, &parseErr{}):
		return http.StatusBadRequest
	case errors.Is(err, multichess.ErrMissingField), errors.Is(err, multichess.ErrPasswordMismatch):
		return http.StatusBadRequest
	case errors.Is(err, multichess.ErrUsernameTaken), errors.Is(err, multichess.ErrAlreadyJoined):
		return http.StatusConflict
	case errors.Is(err, multichess.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, multichess.ErrGameNotFound):
		return http.StatusNotFound
	case errors.Is(err, multichess.ErrGameNotActive), errors.Is(err, multichess.ErrNotYourTurn):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func gameIDParam(r *http.Request) (int64, error) {
	raw := ugcPolicy.Sanitize(chi.URLParamFromCtx(r.Context(), "id"))
	return strconv.ParseInt(raw, 10, 64)
}

// @Summary Create a new game
// @Description Creates a waiting game owned by the current user and redirects to its play view
// @Tags game
// @Produce json
// @Security BearerAuth
// @Success 303 {string} string "Redirect to play view"
// @Failure 500 {object} map[string]string
// @Router /creategame [post]
func createGameHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	game, err := createGame(db, user.ID)
	if err != nil {
		log.Errorw("could not create game", zap.Error(err))
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	countOne(r.Context(), gamesCreated)
	log.Infow("game created", "game_id", game.ID, "creator_id", user.ID)
	// 303 so a redirect-following client lands on GET /playgame/{id}; the
	// POST route there is move submission, not the play view.
	http.Redirect(w, r, fmt.Sprintf("/playgame/%d", game.ID), http.StatusSeeOther)
}

// @Summary Join an open game
// @Description Binds the current user as opponent and activates the game
// @Tags game
// @Produce json
// @Security BearerAuth
// @Param id path int true "Game id"
// @Success 303 {string} string "Redirect to play view"
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /joingame/{id} [post]
func joinGameHandler(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	gameID, err := gameIDParam(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid game id")
		return
	}

	game, err := joinGame(db, gameID, user.ID)
	if err != nil {
		log.Warnw("join rejected", "game_id", gameID, "joiner_id", user.ID, "error", err.Error())
		renderError(w, errorStatus(err), err.Error())
		return
	}

	log.Infow("game joined", "game_id", game.ID, "joiner_id", user.ID)
	http.Redirect(w, r, fmt.Sprintf("/playgame/%d", game.ID), http.StatusSeeOther)
}

// @Summary List open games
// @Description Returns every game waiting for an opponent, newest first
// @Tags game
// @Produce json
// @Security BearerAuth
// @Success 200 {array} GameResponse
// @Failure 500 {object} map[string]string
// @Router /findgame [get]
func findGameHandler(w http.ResponseWriter, r *http.Request) {
	games, err := openGames(db)
	if err != nil {
		log.Errorw("could not list open games", zap.Error(err))
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]GameResponse, 0, len(games))
	for i := range games {
		resp, err := newGameResponse(&games[i])
		if err != nil {
			log.Errorw("stored board is corrupt", "game_id", games[i].ID, zap.Error(err))
			renderError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, *resp)
	}

	if err := Renderer.JSON(w, http.StatusOK, out); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

// @Summary Get game state
// @Description Returns the current state of a game, board decoded
// @Tags game
// @Produce json
// @Security BearerAuth
// @Param id path int true "Game id"
// @Success 200 {object} GameResponse
// @Failure 404 {object} map[string]string
// @Router /playgame/{id} [get]
func playGameHandler(w http.ResponseWriter, r *http.Request) {
	gameID, err := gameIDParam(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid game id")
		return
	}

	game, err := getGame(db, gameID)
	if err != nil {
		renderError(w, errorStatus(err), err.Error())
		return
	}

	resp, err := newGameResponse(game)
	if err != nil {
		log.Errorw("stored board is corrupt", "game_id", game.ID, zap.Error(err))
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := Renderer.JSON(w, http.StatusOK, resp); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

// @Summary Submit a move
// @Description Commits the submitted board for the game in the path, flips the turn and increments the move counter
// @Tags game
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Game id"
// @Param move body MoveRequest true "Board snapshot and declared turn"
// @Success 200 {object} GameResponse
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /playgame/{id} [post]
func playGameMoveHandler(w http.ResponseWriter, r *http.Request) {
	gameID, err := gameIDParam(r)
	if err != nil {
		renderError(w, http.StatusBadRequest, "invalid game id")
		return
	}

	game, err := applyMoveRequest(r, gameID)
	if err != nil {
		countOne(r.Context(), movesRejected)
		renderError(w, errorStatus(err), err.Error())
		return
	}

	countOne(r.Context(), movesAccepted)
	resp, err := newGameResponse(game)
	if err != nil {
		renderError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := Renderer.JSON(w, http.StatusOK, resp); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

// @Summary Update game state
// @Description Same move submission as POST /playgame/{id}, with the game id in the body and a structured success flag in the response
// @Tags game
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param move body MoveRequest true "Game id, board snapshot and declared turn"
// @Success 200 {object} UpdateGameResponse
// @Failure 400 {object} UpdateGameResponse
// @Failure 403 {object} UpdateGameResponse
// @Router /update_game [post]
func updateGameHandler(w http.ResponseWriter, r *http.Request) {
	game, err := applyMoveRequest(r, 0)
	if err != nil {
		countOne(r.Context(), movesRejected)
		if renderErr := Renderer.JSON(w, errorStatus(err), UpdateGameResponse{Success: false, Error: err.Error()}); renderErr != nil {
			log.Errorw("failed to render JSON", zap.Error(renderErr))
		}
		return
	}

	countOne(r.Context(), movesAccepted)
	log.Infow("move accepted", "game_id", game.ID, "move_index", game.MoveIndex, "turn", game.Turn)
	if err := Renderer.JSON(w, http.StatusOK, UpdateGameResponse{Success: true}); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

// parseErr wraps request-shape problems so errorStatus maps them to 400.
type parseErr struct{ msg string }

func (e parseErr) Error() string { return e.msg }

// applyMoveRequest decodes a move submission and runs it through the store.
// gameID == 0 means the id comes from the body (/update_game).
func applyMoveRequest(r *http.Request, gameID int64) (*Game, error) {
	user := userFromContext(r.Context())

	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, parseErr{"invalid request body"}
	}
	if gameID == 0 {
		gameID = req.GameID
	}

	board, err := multichess.ParseBoard(req.Board)
	if err != nil {
		return nil, parseErr{err.Error()}
	}

	turn, err := multichess.ParseColor(req.Turn)
	if err != nil {
		return nil, parseErr{err.Error()}
	}

	game, err := submitMove(db, gameID, user.ID, board, turn, moveValidator)
	if err != nil {
		log.Warnw("move rejected", "game_id", gameID, "actor_id", user.ID, "error", err.Error())
		return nil, err
	}

	return game, nil
}

// @Summary Get API information
// @Description Returns basic API information and available endpoints
// @Tags info
// @Produce html
// @Success 200 {string} string "HTML page with API information"
// @Router / [get]
func rootHandler(w http.ResponseWriter, r *http.Request) {
	html := `
<html>
  <head>
    <title>MultiChess</title>
    <style>
      body { font-family: Arial, sans-serif; max-width: 800px; margin: 40px auto; padding: 20px; }
    </style>
  </head>
  <body>
    <h1>MultiChess</h1>
    <p>A two-player chess session server. Moves are stored as submitted.</p>
    <p><a href="/swagger/">View Swagger Documentation</a></p>
    <ul>
      <li>POST /register - Register a new user</li>
      <li>POST /login - Log in</li>
      <li>GET /logout - Log out</li>
      <li>POST /creategame - Create a new game</li>
      <li>POST /joingame/{id} - Join an open game</li>
      <li>GET /findgame - List open games</li>
      <li>GET /playgame/{id} - Get game state</li>
      <li>POST /playgame/{id} - Submit a move</li>
      <li>POST /update_game - Submit a move (structured result)</li>
      <li>GET /healthz - Health check</li>
    </ul>
  </body>
</html>`

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(html)); err != nil {
		log.Errorw("failed to write response", zap.Error(err))
	}
}

// @Summary Health check
// @Description Returns service health status
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /healthz [get]
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := Renderer.JSON(w, http.StatusOK, map[string]string{
		"healthy":  "true",
		"revision": os.Getenv("GIT_REVISION"),
		"tag":      os.Getenv("GIT_TAG"),
		"branch":   os.Getenv("GIT_BRANCH"),
	}); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	renderError(w, http.StatusNotFound, "404: This page could not be found")
}
