// Package auth guards the read-only HTTP endpoints a running job exposes.
//
// Ownership boundary: bearer token checks only. Tokens come from the job
// config; nothing here stores or rotates them.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts a single shared token. An empty Token accepts nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken pulls the token out of an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Require checks the request's bearer token against v. On failure it aborts
// the request with 401 and returns false.
func Require(c *gin.Context, v Validator) bool {
	token, ok := BearerToken(c.GetHeader("Authorization"))
	if ok && v.Validate(token) == nil {
		return true
	}
	log.Debug().Msgf("auth.Require path=%q client_ip=%q denied", c.Request.URL.Path, c.ClientIP())
	c.Header("WWW-Authenticate", `Bearer realm="beamctl"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
	return false
}
