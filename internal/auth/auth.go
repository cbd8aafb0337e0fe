// Package auth gates the flight and bridge routes behind a shared token.
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

// TokenQueryParam carries the token for clients that cannot set headers,
// such as browser websockets.
const TokenQueryParam = "token"

// Validator checks a presented token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one token. An empty Token rejects everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" || token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// TokenFromRequest reads a bearer Authorization header, falling back to the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
}

// SetBearer stamps token onto an outgoing header set.
func SetBearer(h http.Header, token string) {
	if token == "" {
		return
	}
	h.Set("Authorization", "Bearer "+token)
}

// Middleware aborts with 401 unless v accepts the request token. A nil
// validator lets every request through.
func Middleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		if err := v.Validate(TokenFromRequest(c.Request)); err != nil {
			log.Debug().
				Str("path", c.FullPath()).
				Str("remote", c.ClientIP()).
				Msg("auth: rejected request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}
