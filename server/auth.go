package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"multichess"
)

// Define context key type to avoid collisions
type contextKey string

const (
	userContextKey contextKey = "user"
	sessionCookie  string     = "session"
	sessionTTL                = 24 * time.Hour
)

func jwtSecret() []byte {
	if s := os.Getenv("SESSION_SECRET"); s != "" {
		return []byte(s)
	}
	return []byte("dev-secret-change-me") // fallback for dev
}

// JWTClaims represents the session token claims
type JWTClaims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// RegisterRequest is the request body for user registration
type RegisterRequest struct {
	Username     string `json:"username" example:"magnus"`
	Password     string `json:"password" example:"secretpassword"`
	Confirmation string `json:"confirmation" example:"secretpassword"`
}

// LoginRequest is the request body for user login
type LoginRequest struct {
	Username string `json:"username" example:"magnus"`
	Password string `json:"password" example:"secretpassword"`
}

// AuthResponse is returned on successful registration or login.
type AuthResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// registerUser validates the registration form and creates the user row.
// The username pre-check gives a clean error message; the unique index on
// username is the authoritative guard when two registrations race.
func registerUser(db *gorm.DB, username, password, confirmation string) (*User, error) {
	username = ugcPolicy.Sanitize(strings.TrimSpace(username))
	if username == "" || password == "" || confirmation == "" {
		return nil, multichess.ErrMissingField
	}
	if password != confirmation {
		return nil, multichess.ErrPasswordMismatch
	}

	var existing User
	err := db.Where("username = ?", username).First(&existing).Error
	if err == nil {
		return nil, multichess.ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := User{
		Username:     username,
		PasswordHash: string(hash),
	}
	if err := db.Create(&user).Error; err != nil {
		if isDuplicateErr(err) {
			return nil, multichess.ErrUsernameTaken
		}
		return nil, err
	}

	return &user, nil
}

// isDuplicateErr recognizes unique-constraint violations across the sqlite
// and postgres drivers.
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// loginUser verifies credentials. Unknown usernames and wrong passwords
// produce the same error so a caller cannot tell which one occurred.
func loginUser(db *gorm.DB, username, password string) (*User, error) {
	username = ugcPolicy.Sanitize(strings.TrimSpace(username))

	var user User
	if err := db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, multichess.ErrInvalidCredentials
		}
		return nil, err
	}

	// bcrypt's compare is the constant-time check.
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, multichess.ErrInvalidCredentials
	}

	return &user, nil
}

// newSessionToken issues the signed session identity for a user.
func newSessionToken(user *User) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

func parseSessionToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid session token")
	}
	return claims, nil
}

// setSession attaches the session cookie; the token is also returned in the
// JSON body for API clients that prefer a bearer header.
func setSession(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(sessionTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSession expires the cookie. Idempotent; clearing an absent session is
// fine.
func clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionToken pulls the raw token from the cookie or the Authorization
// header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// getCurrentUser resolves the request's session identity to a user row.
// Social logins carry a go-pkgz token instead of ours; those fall through to
// socialUser.
func getCurrentUser(r *http.Request) (*User, error) {
	tokenString := sessionToken(r)
	if tokenString == "" {
		return socialUser(r)
	}

	claims, err := parseSessionToken(tokenString)
	if err != nil {
		return nil, err
	}

	var user User
	if err := db.First(&user, claims.UserID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// requireUser protects routes that need an authenticated session.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := getCurrentUser(r)
		if err != nil {
			if err := Renderer.JSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"}); err != nil {
				log.Errorw("failed to render JSON", zap.Error(err))
			}
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFromContext returns the user set by requireUser.
func userFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// decodeForm fills dst from a JSON body or an HTML form post. Browsers post
// forms; API clients send JSON.
func decodeForm(r *http.Request, dst interface{}, fields map[string]*string) error {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return json.NewDecoder(r.Body).Decode(dst)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	for name, target := range fields {
		*target = r.PostFormValue(name)
	}
	return nil
}

// @Summary Register a new user
// @Description Register with username, password and confirmation
// @Tags auth
// @Accept json
// @Produce json
// @Param user body RegisterRequest true "Registration form"
// @Success 201 {object} AuthResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /register [post]
func registerHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeForm(r, &req, map[string]*string{
		"username":     &req.Username,
		"password":     &req.Password,
		"confirmation": &req.Confirmation,
	}); err != nil {
		renderError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := registerUser(db, req.Username, req.Password, req.Confirmation)
	if err != nil {
		log.Warnw("registration rejected", "username", req.Username, "error", err.Error())
		renderError(w, errorStatus(err), err.Error())
		return
	}

	token, err := newSessionToken(user)
	if err != nil {
		log.Errorw("could not sign session token", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "could not establish session")
		return
	}

	setSession(w, token)
	user.PasswordHash = ""
	if err := Renderer.JSON(w, http.StatusCreated, AuthResponse{Token: token, User: *user}); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

// @Summary Log in
// @Description Verify credentials and establish a session
// @Tags auth
// @Accept json
// @Produce json
// @Param user body LoginRequest true "Login form"
// @Success 200 {object} AuthResponse
// @Failure 401 {object} map[string]string
// @Router /login [post]
func loginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeForm(r, &req, map[string]*string{
		"username": &req.Username,
		"password": &req.Password,
	}); err != nil {
		renderError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := loginUser(db, req.Username, req.Password)
	if err != nil {
		renderError(w, errorStatus(err), err.Error())
		return
	}

	token, err := newSessionToken(user)
	if err != nil {
		log.Errorw("could not sign session token", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "could not establish session")
		return
	}

	setSession(w, token)
	user.PasswordHash = ""
	if err := Renderer.JSON(w, http.StatusOK, AuthResponse{Token: token, User: *user}); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}

// @Summary Log out
// @Description Clears the session cookie
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string
// @Router /logout [get]
func logoutHandler(w http.ResponseWriter, r *http.Request) {
	clearSession(w)
	if err := Renderer.JSON(w, http.StatusOK, map[string]string{"message": "logged out"}); err != nil {
		log.Errorw("failed to render JSON", zap.Error(err))
	}
}
