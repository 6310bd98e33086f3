package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	huberrors "intelligence-hub/internal/errors"
)

// tokenGuard authorizes one access area (collector, processor or rpc).
// Configured entries are either plaintext tokens or bcrypt hashes;
// hashes are recognized by the "$2" modular-crypt prefix. An empty
// token list denies every request.
type tokenGuard struct {
	area   string
	plain  [][]byte
	hashed [][]byte
}

func newTokenGuard(area string, tokens []string) *tokenGuard {
	g := &tokenGuard{area: area}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		switch {
		case token == "":
		case strings.HasPrefix(token, "$2"):
			g.hashed = append(g.hashed, []byte(token))
		default:
			g.plain = append(g.plain, []byte(token))
		}
	}
	return g
}

// match checks a presented credential against every configured entry.
// All entries are always compared so timing does not reveal which one
// matched.
func (g *tokenGuard) match(candidate string) bool {
	if candidate == "" {
		return false
	}
	presented := []byte(candidate)
	ok := false
	for _, token := range g.plain {
		if subtle.ConstantTimeCompare(token, presented) == 1 {
			ok = true
		}
	}
	for _, hash := range g.hashed {
		if bcrypt.CompareHashAndPassword(hash, presented) == nil {
			ok = true
		}
	}
	return ok
}

func (g *tokenGuard) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if len(g.plain)+len(g.hashed) == 0 {
			huberrors.NewUnauthorizedError(g.area + " access is not configured").WriteHTTPError(w)
			return
		}
		token, err := bearerToken(req)
		if err != nil {
			huberrors.New(huberrors.ErrorCodeValidationError, "Unreadable request body", nil).WriteHTTPError(w)
			return
		}
		if !g.match(token) {
			huberrors.New(huberrors.ErrorCodeInvalidToken, "Invalid "+g.area+" token", nil).WriteHTTPError(w)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// bearerToken extracts the caller's credential. The Authorization
// header wins; collectors built on plain HTTP posts may instead carry
// a top-level "token" field in the JSON body. The body is restored for
// the handler either way.
func bearerToken(req *http.Request) (string, error) {
	if h := req.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), nil
	}
	if h := req.Header.Get("X-Access-Token"); h != "" {
		return strings.TrimSpace(h), nil
	}
	if req.Body == nil || req.Method == http.MethodGet {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBytes))
	if err != nil {
		return "", err
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))

	var probe struct {
		Token string `json:"token"`
	}
	// A non-JSON or array body simply has no embedded token; the
	// handler produces the shape error.
	_ = json.Unmarshal(body, &probe)
	return probe.Token, nil
}
