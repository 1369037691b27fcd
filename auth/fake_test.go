package auth_test

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/kdf"
)

// Account used by the fake auth server; the password stretching values
// are the onepw protocol test vectors.
const (
	testEmail     = "andré@example.org"
	testPassword  = "pässwörd"
	testAuthPW    = "247b675ffb4c46310bc87e26d712153abe5e1c90ef00a4784594f97ef54f2375"
	testClientID  = "test-client"
	testRotatedAt = int64(1700000000000)
	testOTP       = "123456"
)

// fakeAccounts is an auth server plus token server for a single account.
type fakeAccounts struct {
	t      *testing.T
	server *httptest.Server

	masterKey     []byte
	sessionToken  []byte
	keyFetchToken []byte

	mu             sync.Mutex
	requireTOTP    bool
	unverified     bool
	totpVerified   bool
	refreshToken   string
	accessTokens   map[string]bool
	accessCounter  int
	logins         int
	oauthRefreshes int
	exchanges      int
	revoked        []string
	destroyed      int
}

func newFakeAccounts(t *testing.T) *fakeAccounts {
	t.Helper()

	fake := &fakeAccounts{
		t:             t,
		masterKey:     randomBytes(t, kdf.KeySize),
		sessionToken:  randomBytes(t, kdf.KeySize),
		keyFetchToken: randomBytes(t, kdf.KeySize),
		refreshToken:  "refresh-1",
		accessTokens:  map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/account/login", fake.login)
	mux.HandleFunc("POST /v1/session/verify_totp", fake.verifyTOTP)
	mux.HandleFunc("GET /v1/account/keys", fake.keys)
	mux.HandleFunc("POST /v1/account/scoped-key-data", fake.scopedKeyData)
	mux.HandleFunc("POST /v1/oauth/token", fake.token)
	mux.HandleFunc("POST /v1/oauth/destroy", fake.revoke)
	mux.HandleFunc("GET /v1/session/status", fake.status)
	mux.HandleFunc("POST /v1/session/destroy", fake.destroy)
	mux.HandleFunc("GET /1.0/sync/1.5", fake.exchange)

	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)

	return fake
}

func (f *fakeAccounts) options() auth.Options {
	return auth.Options{
		AuthServerURL:  f.server.URL + "/v1",
		TokenServerURL: f.server.URL + "/1.0/sync/1.5",
		ClientID:       testClientID,
		HTTPClient:     f.server.Client(),
	}
}

func (f *fakeAccounts) counts() (logins, refreshes, exchanges int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.logins, f.oauthRefreshes, f.exchanges
}

func (f *fakeAccounts) rejectAccessTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.accessTokens = map[string]bool{}
}

func (f *fakeAccounts) revokeRefreshToken() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshToken = ""
}

func randomBytes(t *testing.T, size int) []byte {
	t.Helper()

	out := make([]byte, size)
	_, err := rand.Read(out)
	require.NoError(t, err)

	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrno(w http.ResponseWriter, status, errno int, message string) {
	writeJSON(w, status, map[string]any{"code": status, "errno": errno, "message": message})
}

// hawkID checks that r is Hawk signed with credentials derived from token.
func (f *fakeAccounts) hawkSigned(r *http.Request, token []byte, tokenType string) bool {
	hawk, _, err := auth.TokenHawk(token, tokenType)
	require.NoError(f.t, err)

	return strings.HasPrefix(r.Header.Get("Authorization"), fmt.Sprintf(`Hawk id=%q`, hawk.ID))
}

func (f *fakeAccounts) login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email  string `json:"email"`
		AuthPW string `json:"authPW"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrno(w, http.StatusBadRequest, 107, "invalid parameter")

		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.logins++

	if body.Email != testEmail || body.AuthPW != testAuthPW {
		writeErrno(w, http.StatusBadRequest, 103, "Incorrect password")

		return
	}

	method := ""

	switch {
	case f.requireTOTP:
		method = "totp-2fa"
	case f.unverified:
		method = "email-otp"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uid":                "a1b2c3",
		"sessionToken":       hex.EncodeToString(f.sessionToken),
		"keyFetchToken":      hex.EncodeToString(f.keyFetchToken),
		"verified":           method == "",
		"verificationMethod": method,
	})
}

func (f *fakeAccounts) verifyTOTP(w http.ResponseWriter, r *http.Request) {
	if !f.hawkSigned(r, f.sessionToken, "sessionToken") {
		writeErrno(w, http.StatusUnauthorized, 110, "Invalid authentication token")

		return
	}

	var body struct {
		Code string `json:"code"`
	}

	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()

	if body.Code != testOTP {
		writeErrno(w, http.StatusBadRequest, 183, "Invalid TOTP code")

		return
	}

	f.totpVerified = true

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (f *fakeAccounts) keys(w http.ResponseWriter, r *http.Request) {
	if !f.hawkSigned(r, f.keyFetchToken, "keyFetchToken") {
		writeErrno(w, http.StatusUnauthorized, 110, "Invalid authentication token")

		return
	}

	f.mu.Lock()
	verified := !f.requireTOTP || f.totpVerified
	f.mu.Unlock()

	if !verified {
		writeErrno(w, http.StatusBadRequest, 138, "Unconfirmed session")

		return
	}

	stretched, err := kdf.QuickStretch(testEmail, testPassword)
	require.NoError(f.t, err)

	unwrapKey, err := kdf.Expand(stretched, "unwrapBkey", kdf.KeySize)
	require.NoError(f.t, err)

	wrapKB, err := kdf.XOR(f.masterKey, unwrapKey)
	require.NoError(f.t, err)

	_, bundleKey, err := auth.TokenHawk(f.keyFetchToken, "keyFetchToken")
	require.NoError(f.t, err)

	keys := append(make([]byte, kdf.KeySize), wrapKB...)

	writeJSON(w, http.StatusOK, map[string]string{"bundle": makeBundle(f.t, bundleKey, keys)})
}

// makeBundle is the auth server side of response bundles.
func makeBundle(t *testing.T, bundleKey, plaintext []byte) string {
	t.Helper()

	material, err := kdf.Expand(bundleKey, "account/keys", kdf.KeySize+len(plaintext))
	require.NoError(t, err)

	ciphertext, err := kdf.XOR(plaintext, material[kdf.KeySize:])
	require.NoError(t, err)

	mac := hmac.New(sha256.New, material[:kdf.KeySize])
	mac.Write(ciphertext)

	return hex.EncodeToString(append(ciphertext, mac.Sum(nil)...))
}

func (f *fakeAccounts) scopedKeyData(w http.ResponseWriter, r *http.Request) {
	if !f.hawkSigned(r, f.sessionToken, "sessionToken") {
		writeErrno(w, http.StatusUnauthorized, 110, "Invalid authentication token")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		auth.SyncScope: map[string]any{
			"identifier":           auth.SyncScope,
			"keyRotationSecret":    strings.Repeat("0", 64),
			"keyRotationTimestamp": testRotatedAt,
		},
	})
}

func (f *fakeAccounts) issueAccessToken() string {
	f.accessCounter++
	token := fmt.Sprintf("access-%d", f.accessCounter)
	f.accessTokens[token] = true

	return token
}

func (f *fakeAccounts) token(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if !f.hawkSigned(r, f.sessionToken, "sessionToken") {
			writeErrno(w, http.StatusUnauthorized, 110, "Invalid authentication token")

			return
		}

		var body map[string]string

		_ = json.NewDecoder(r.Body).Decode(&body)

		if body["grant_type"] != "fxa-credentials" || body["access_type"] != "offline" || body["scope"] != auth.SyncScope {
			writeErrno(w, http.StatusBadRequest, 107, "invalid parameter")

			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  f.issueAccessToken(),
			"refresh_token": f.refreshToken,
			"token_type":    "bearer",
			"expires_in":    3600,
			"scope":         auth.SyncScope,
		})

		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})

		return
	}

	if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("client_id") != testClientID ||
		f.refreshToken == "" || r.PostForm.Get("refresh_token") != f.refreshToken {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})

		return
	}

	f.oauthRefreshes++

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": f.issueAccessToken(),
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func (f *fakeAccounts) revoke(w http.ResponseWriter, r *http.Request) {
	var body map[string]string

	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.revoked = append(f.revoked, body["token"])
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeAccounts) status(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	destroyed := f.destroyed > 0
	f.mu.Unlock()

	if destroyed || !f.hawkSigned(r, f.sessionToken, "sessionToken") {
		writeErrno(w, http.StatusUnauthorized, 110, "Invalid authentication token")

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"state": "verified", "uid": "a1b2c3"})
}

func (f *fakeAccounts) destroy(w http.ResponseWriter, r *http.Request) {
	if !f.hawkSigned(r, f.sessionToken, "sessionToken") {
		writeErrno(w, http.StatusUnauthorized, 110, "Invalid authentication token")

		return
	}

	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeAccounts) exchange(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	access := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !f.accessTokens[access] {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"status": "invalid-credentials",
			"errors": []map[string]string{{"location": "body", "name": "", "description": "Unauthorized"}},
		})

		return
	}

	if r.Header.Get("X-KeyID") != auth.KeyID(f.masterKey, testRotatedAt) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": "invalid-key-id"})

		return
	}

	f.exchanges++

	writeJSON(w, http.StatusOK, map[string]any{
		"id":             fmt.Sprintf("hawk-id-%d", f.exchanges),
		"key":            "hawk-key",
		"uid":            42,
		"api_endpoint":   f.server.URL + "/1.5/42",
		"duration":       300,
		"hashalg":        "sha256",
		"hashed_fxa_uid": "abc",
		"node_type":      "spanner",
	})
}
