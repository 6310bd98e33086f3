package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenGuardDeniesWithoutCredential(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/statistics", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, rec))

	rec = doRequest(t, router, http.MethodGet, "/api/statistics", "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenGuardDeniesByDefaultWhenUnconfigured(t *testing.T) {
	router, _ := newTestRouter(t, func(o *Options) {
		o.Config.Web.RPCAPI.Tokens = nil
	})

	rec := doRequest(t, router, http.MethodGet, "/api/statistics", testToken, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestTokenGuardAcceptsHeaderVariants(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/statistics", testToken, "")
	assert.Equal(t, http.StatusOK, rec.Code, "Authorization bearer")

	req := httptest.NewRequest(http.MethodGet, "/api/statistics", nil)
	req.Header.Set("X-Access-Token", testToken)
	rec2 := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code, "X-Access-Token header")
}

func TestTokenGuardAcceptsBodyToken(t *testing.T) {
	router, fake := newTestRouter(t)

	body := `{"UUID":"u1","informant":"rss","title":"t","content":"hello","token":"` + testToken + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/collector/submit", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.collected, 1)
	assert.Equal(t, "u1", fake.collected[0].UUID())
	_, leaked := fake.collected[0]["token"]
	assert.False(t, leaked, "the credential must not reach the pipeline")
}

func TestTokenGuardAcceptsBcryptHashes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("opensesame"), bcrypt.MinCost)
	require.NoError(t, err)

	router, _ := newTestRouter(t, func(o *Options) {
		o.Config.Web.RPCAPI.Tokens = []string{string(hash)}
	})

	rec := doRequest(t, router, http.MethodGet, "/api/statistics", "opensesame", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/statistics", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenGuardAreasAreIndependent(t *testing.T) {
	router, _ := newTestRouter(t, func(o *Options) {
		o.Config.Web.Collector.Tokens = []string{"collector-only"}
	})

	rec := doRequest(t, router, http.MethodPost, "/api/collector/submit", testToken, `{"UUID":"u1","content":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "rpc token must not open the collector area")

	rec = doRequest(t, router, http.MethodPost, "/api/collector/submit", "collector-only", `{"UUID":"u1","content":"x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewTokenGuardSkipsBlankEntries(t *testing.T) {
	guard := newTokenGuard("rpc", []string{"", "  ", "real"})
	assert.Len(t, guard.plain, 1)
	assert.True(t, guard.match("real"))
	assert.False(t, guard.match(""))
}
