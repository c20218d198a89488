package main

import (
	"errors"
	"net/http"
	"os"
	"strings"

	auth2 "github.com/go-pkgz/auth/v2"
	"github.com/go-pkgz/auth/v2/avatar"
	"github.com/go-pkgz/auth/v2/token"
	"gorm.io/gorm"

	"multichess"
)

// authService is set once at router construction when social login is
// configured; socialUser reads tokens through it.
var authService *auth2.Service

// socialLoginEnabled reports whether the optional Google login should be
// mounted.
func socialLoginEnabled() bool {
	return os.Getenv("GOOGLE_CLIENT_ID") != "" && os.Getenv("GOOGLE_CLIENT_SECRET") != ""
}

func newAuthService() *auth2.Service {
	service := auth2.NewService(auth2.Opts{
		SecretReader:  token.SecretFunc(func(aud string) (string, error) { return string(jwtSecret()), nil }),
		TokenDuration: sessionTTL,
		Issuer:        multichess.Service,
		URL:           siteURL(),
		DisableXSRF:   true,             // for API only
		AvatarStore:   avatar.NewNoOp(), // disable avatars support
	})

	service.AddProvider("google", os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))

	return service
}

// AuthRoutes exposes the go-pkgz social login handlers, mounted at /auth.
func AuthRoutes() http.Handler {
	authService = newAuthService()
	authHandler, _ := authService.Handlers() // avatarHandler not used here
	return authHandler
}

// socialUser resolves a go-pkgz token (JWT cookie or X-JWT header) to a User
// row, provisioning the row on first sight.
func socialUser(r *http.Request) (*User, error) {
	if authService == nil {
		return nil, errors.New("missing session")
	}

	claims, _, err := authService.TokenService().Get(r)
	if err != nil {
		return nil, err
	}
	if claims.User == nil {
		return nil, errors.New("token carries no user")
	}

	username := claims.User.Name
	if username == "" {
		username = claims.User.ID
	}
	return userForSocialIdentity(db, username)
}

// userForSocialIdentity finds or creates the User row behind a social
// identity, keyed by username. The row has no password hash, so password
// login stays closed for it.
func userForSocialIdentity(db *gorm.DB, username string) (*User, error) {
	username = ugcPolicy.Sanitize(strings.TrimSpace(username))
	if username == "" {
		return nil, multichess.ErrMissingField
	}

	var user User
	err := db.Where("username = ?", username).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	user = User{Username: username}
	if err := db.Create(&user).Error; err != nil {
		if isDuplicateErr(err) {
			// Lost the first-login race; the row exists now.
			if err := db.Where("username = ?", username).First(&user).Error; err != nil {
				return nil, err
			}
			return &user, nil
		}
		return nil, err
	}

	return &user, nil
}

func siteURL() string {
	if u := os.Getenv("SITE_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}
