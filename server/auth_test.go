package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-pkgz/auth/v2/token"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"multichess"
)

func TestRegisterUser(t *testing.T) {
	db := setupTestDB(t)

	user, err := registerUser(db, "alice", "password123", "password123")
	if err != nil {
		t.Fatalf("Failed to register user: %v", err)
	}
	if user.ID == 0 {
		t.Error("Expected a persisted user id")
	}
	if user.PasswordHash == "password123" {
		t.Error("Password stored in the clear")
	}

	// Every field is required.
	cases := [][3]string{
		{"", "password123", "password123"},
		{"bob", "", "password123"},
		{"bob", "password123", ""},
	}
	for _, c := range cases {
		if _, err := registerUser(db, c[0], c[1], c[2]); err != multichess.ErrMissingField {
			t.Errorf("Expected ErrMissingField for %v, got %v", c, err)
		}
	}

	if _, err := registerUser(db, "bob", "password123", "different"); err != multichess.ErrPasswordMismatch {
		t.Errorf("Expected ErrPasswordMismatch, got %v", err)
	}

	if _, err := registerUser(db, "alice", "password123", "password123"); err != multichess.ErrUsernameTaken {
		t.Errorf("Expected ErrUsernameTaken, got %v", err)
	}

	// At most one row with that username persists.
	var count int64
	if err := db.Model(&User{}).Where("username = ?", "alice").Count(&count).Error; err != nil {
		t.Fatalf("Failed to count users: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly one alice, got %d", count)
	}
}

func TestLoginUser(t *testing.T) {
	db := setupTestDB(t)

	if _, err := registerUser(db, "alice", "password123", "password123"); err != nil {
		t.Fatalf("Failed to register user: %v", err)
	}

	user, err := loginUser(db, "alice", "password123")
	if err != nil {
		t.Fatalf("Failed to log in: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("Expected alice, got %s", user.Username)
	}

	// Wrong password and unknown user fail identically.
	if _, err := loginUser(db, "alice", "wrongpassword"); err != multichess.ErrInvalidCredentials {
		t.Errorf("Expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := loginUser(db, "nobody", "password123"); err != multichess.ErrInvalidCredentials {
		t.Errorf("Expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	password := "testpassword123"

	// Test password hashing
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	// Test password verification
	if err := bcrypt.CompareHashAndPassword(hashedPassword, []byte(password)); err != nil {
		t.Error("Password verification failed")
	}

	// Test wrong password
	if err := bcrypt.CompareHashAndPassword(hashedPassword, []byte("wrongpassword")); err == nil {
		t.Error("Wrong password should not verify")
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	user := &User{ID: 42, Username: "alice"}

	token, err := newSessionToken(user)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	claims, err := parseSessionToken(token)
	if err != nil {
		t.Fatalf("Failed to parse token: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" {
		t.Errorf("Claims changed in transit: %+v", claims)
	}

	if _, err := parseSessionToken("not-a-token"); err == nil {
		t.Error("Expected garbage token to be rejected")
	}
}

func TestSocialIdentityProvisioning(t *testing.T) {
	db := setupTestDB(t)

	user, err := userForSocialIdentity(db, "gopher")
	if err != nil {
		t.Fatalf("Failed to provision social user: %v", err)
	}
	if user.ID == 0 {
		t.Error("Expected a persisted user id")
	}

	// Second sight reuses the row.
	again, err := userForSocialIdentity(db, "gopher")
	if err != nil {
		t.Fatalf("Failed to resolve existing social user: %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("Expected the same row, got %d and %d", user.ID, again.ID)
	}

	var count int64
	if err := db.Model(&User{}).Where("username = ?", "gopher").Count(&count).Error; err != nil {
		t.Fatalf("Failed to count users: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly one gopher, got %d", count)
	}

	// No password hash means password login stays closed.
	if _, err := loginUser(db, "gopher", "anything"); err != multichess.ErrInvalidCredentials {
		t.Errorf("Expected ErrInvalidCredentials for social account, got %v", err)
	}

	if _, err := userForSocialIdentity(db, "   "); err != multichess.ErrMissingField {
		t.Errorf("Expected ErrMissingField for blank identity, got %v", err)
	}
}

func TestSocialTokenSession(t *testing.T) {
	db = setupTestDB(t)
	t.Setenv("GOOGLE_CLIENT_ID", "test-client")
	t.Setenv("GOOGLE_CLIENT_SECRET", "test-secret")
	AuthRoutes()

	now := time.Now()
	claims := token.Claims{
		User: &token.User{ID: "google_123", Name: "gopher"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    multichess.Service,
			Audience:  jwt.ClaimStrings{multichess.Service},
			ID:        "session-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := authService.TokenService().Token(claims)
	if err != nil {
		t.Fatalf("Failed to sign social token: %v", err)
	}

	var seen *User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = userFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	protected := requireUser(next)

	req := httptest.NewRequest("POST", "/creategame", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "JWT", Value: signed})
	rr := httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 with social token, got %d", rr.Code)
	}
	if seen == nil || seen.Username != "gopher" {
		t.Fatalf("Expected provisioned gopher in context, got %+v", seen)
	}

	// The same identity resolves to the same row next time.
	first := seen.ID
	rr = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/creategame", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "JWT", Value: signed})
	protected.ServeHTTP(rr, req)
	if seen == nil || seen.ID != first {
		t.Error("Expected the same user row on repeat visits")
	}
}

func TestRequireUser(t *testing.T) {
	db = setupTestDB(t)

	user := createTestUser(t, db, "alice")
	token, err := newSessionToken(user)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	var seen *User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = userFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	protected := requireUser(next)

	// No session at all
	req := httptest.NewRequest("POST", "/creategame", http.NoBody)
	rr := httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without session, got %d", rr.Code)
	}

	// Bearer token
	req = httptest.NewRequest("POST", "/creategame", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 with bearer token, got %d", rr.Code)
	}
	if seen == nil || seen.ID != user.ID {
		t.Error("Expected user attached to request context")
	}

	// Session cookie
	req = httptest.NewRequest("POST", "/creategame", http.NoBody)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 with session cookie, got %d", rr.Code)
	}
}
