package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/orchestrator"
)

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewAuthenticator("test-secret", func(o *AuthOptions) {
		o.Expiry = time.Hour
		o.Users = map[string]string{"alice": string(hash)}
	})
}

func TestAuthenticator_IssueAndValidate(t *testing.T) {
	auth := newAuth(t)

	token, err := auth.IssueToken("alice", "hunter2")
	require.NoError(t, err)
	sub, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	_, err = auth.IssueToken("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = auth.IssueToken("bob", "hunter2")
	assert.ErrorIs(t, err, core.ErrAuthentication)
}

func TestAuthenticator_RejectsBadTokens(t *testing.T) {
	auth := newAuth(t)

	other := NewAuthenticator("other-secret")
	foreign, err := other.Sign("alice")
	require.NoError(t, err)

	expired := NewAuthenticator("test-secret", func(o *AuthOptions) { o.Expiry = -time.Minute })
	stale, err := expired.Sign("alice")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noSub, err := auth.Sign("")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":   "not-a-jwt",
		"foreign":   foreign,
		"expired":   stale,
		"alg none":  none,
		"empty sub": noSub,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Validate(token)
			assert.ErrorIs(t, err, core.ErrAuthentication)
			assert.Equal(t, core.CodeAuthRequired, core.ClassifyError(err))
		})
	}
}

func TestServer_AuthMiddleware(t *testing.T) {
	auth := newAuth(t)
	ts, _ := newTestServer(t, model.NewMockModel("mock", "mock"), func(o *Options) { o.Auth = auth })

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")

	resp = post(t, ts.URL+"/api/chat", `{"query":"hi"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, core.CodeAuthRequired, body.Code)

	resp = post(t, ts.URL+"/api/chat", `{"query":"hi"}`, map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, ts.URL+"/api/token", `{"username":"alice","password":"nope"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, ts.URL+"/api/token", `{"username":"alice","password":"hunter2"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decodeBody[tokenResponse](t, resp)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, 3600, tok.ExpiresIn)

	resp = post(t, ts.URL+"/api/chat", `{"query":"hi","user_id":"mallory"}`,
		map[string]string{"Authorization": "Bearer " + tok.AccessToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chat := decodeBody[orchestrator.Response](t, resp)
	assert.NotEmpty(t, chat.TaskID, "token subject becomes the user id")

	resp2, err := http.Get(ts.URL + "/api/agents?token=" + tok.AccessToken)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

}

func TestServer_TokenWithoutAuth(t *testing.T) {
	ts, _ := newTestServer(t, model.NewMockModel("mock", "mock"))
	resp := post(t, ts.URL+"/api/token", `{"username":"alice","password":"hunter2"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
