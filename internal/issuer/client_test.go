package issuer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/cardops/internal/domain"
)

func testSigner(t *testing.T) (*Signer, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := NewSigner("shh", key)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s, &key.PublicKey
}

func TestSignerTokenVerifiable(t *testing.T) {
	s, pub := testSigner(t)

	token, err := s.Token("user-A")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 2)

	payload, err := base64.StdEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	digest := sha256.Sum256(payload)
	require.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig))

	// The issuer verifies against a fixed key order.
	assert.Equal(t, `{"secret":"shh","timestamp":1700000000,"issuerUserId":"user-A"}`, string(payload))
}

func TestSignerTokenOmitsEmptyUser(t *testing.T) {
	s, _ := testSigner(t)

	token, err := s.Token("")
	require.NoError(t, err)

	payload, err := base64.StdEncoding.DecodeString(strings.Split(token, ".")[0])
	require.NoError(t, err)
	assert.Equal(t, `{"secret":"shh","timestamp":1700000000}`, string(payload))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, _ := testSigner(t)
	return NewHTTPClient(srv.URL, "license-123", s, zerolog.Nop()), srv
}

func TestTopupWalletSendsSignedRequest(t *testing.T) {
	var gotAuth, gotLicense string
	var gotBody map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotLicense = r.Header.Get("X-License-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"status": "success", "message": "ok"})
	})

	err := client.TopupWallet(context.Background(), "user-A", decimal.RequireFromString("50"), "dep-t1")

	require.NoError(t, err)
	assert.NotEmpty(t, gotAuth)
	assert.Equal(t, "license-123", gotLicense)
	assert.Equal(t, "user-A", gotBody["issuerUserId"])
	assert.Equal(t, "50", gotBody["amount"])
	assert.Equal(t, "dep-t1", gotBody["reference"])
}

func TestTopupWalletNonSuccessStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "limit exceeded"})
	})

	err := client.TopupWallet(context.Background(), "user-A", decimal.RequireFromString("50"), "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit exceeded")
}

func TestTopupWalletHTTPFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := client.TopupWallet(context.Background(), "user-A", decimal.RequireFromString("50"), "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
}

func TestGetTopupApplications(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"applications": []map[string]any{
				{"id": "a1", "amount": "50", "status": 0, "createTime": 1700000000},
			},
		})
	})

	apps, err := client.GetTopupApplications(context.Background(), "user-A", 1, 20, domain.ApplicationPending)

	require.NoError(t, err)
	assert.Equal(t, float64(1), gotBody["page"])
	assert.Equal(t, float64(20), gotBody["limit"])
	require.Len(t, apps, 1)
	assert.Equal(t, "a1", apps[0].ID)
	assert.True(t, apps[0].Amount.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, domain.ApplicationPending, apps[0].Status)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), apps[0].CreateTime)
}

func TestGetTopupApplicationsMalformedAmount(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"applications": []map[string]any{{"id": "a1", "amount": "??", "status": 0}},
		})
	})

	_, err := client.GetTopupApplications(context.Background(), "user-A", 1, 20, domain.ApplicationPending)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed amount")
}

func TestRejectTopupApplication(t *testing.T) {
	var gotBody map[string]string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	})

	err := client.RejectTopupApplication(context.Background(), "a1")

	require.NoError(t, err)
	assert.Equal(t, "a1", gotBody["applicationId"])
}
