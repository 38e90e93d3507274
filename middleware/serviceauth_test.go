package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-shared-secret"

func protectedHandler(t *testing.T, auth *ServiceAuth, scope string) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Caller", CallerService(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	return auth.Middleware(scope)(inner)
}

func doWithToken(t *testing.T, h http.Handler, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/escrow", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServiceTokenRoundTrip(t *testing.T) {
	auth := NewServiceAuth(testSecret)
	h := protectedHandler(t, auth, "bank:escrow")

	token, err := MintServiceToken(testSecret, "boardd", "bank:escrow", time.Minute)
	require.NoError(t, err)
	rec := doWithToken(t, h, token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "boardd", rec.Header().Get("X-Caller"))
}

func TestMissingOrBadTokensRejected(t *testing.T) {
	auth := NewServiceAuth(testSecret)
	h := protectedHandler(t, auth, "bank:escrow")

	rec := doWithToken(t, h, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doWithToken(t, h, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongSecret, err := MintServiceToken("other-secret", "boardd", "bank:escrow", time.Minute)
	require.NoError(t, err)
	rec = doWithToken(t, h, wrongSecret)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScopeEnforced(t *testing.T) {
	auth := NewServiceAuth(testSecret)
	h := protectedHandler(t, auth, "bank:escrow")

	narrow, err := MintServiceToken(testSecret, "courtd", "court:claims", time.Minute)
	require.NoError(t, err)
	rec := doWithToken(t, h, narrow)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Multi-scope grants pass when any granted scope matches.
	wide, err := MintServiceToken(testSecret, "courtd", "court:claims bank:escrow", time.Minute)
	require.NoError(t, err)
	rec = doWithToken(t, h, wide)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDisabledAuthRejectsEverything(t *testing.T) {
	auth := NewServiceAuth("")
	h := protectedHandler(t, auth, "bank:escrow")

	token, err := MintServiceToken(testSecret, "boardd", "bank:escrow", time.Minute)
	require.NoError(t, err)
	rec := doWithToken(t, h, token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckDoesNotReject(t *testing.T) {
	auth := NewServiceAuth(testSecret)
	req := httptest.NewRequest(http.MethodGet, "/tasks/t-1/assets", nil)
	_, ok := auth.Check(req, "board:assets")
	require.False(t, ok)

	token, err := MintServiceToken(testSecret, "courtd", "board:assets", time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	service, ok := auth.Check(req, "board:assets")
	require.True(t, ok)
	require.Equal(t, "courtd", service)
}

func TestMintRequiresSecret(t *testing.T) {
	_, err := MintServiceToken("", "boardd", "bank:escrow", time.Minute)
	require.Error(t, err)
}
