package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_upload/internal/auth"
)

func newTestIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &issuer{key: key, issuer: "harborupload", audience: "harborupload-api", now: time.Now}
}

func TestLoadKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	valid := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{name: "generate when empty"},
		{name: "pkcs1 pem", pem: valid},
		{name: "not pem", pem: "nope", wantErr: true},
		{name: "garbage block", pem: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: []byte("x")})), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadKey(tt.pem)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("loadKey() returned nil key")
			}
		})
	}
}

func TestTokenHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTTL    int
	}{
		{name: "default ttl", body: `{"client_id":"mobile-app"}`, wantStatus: http.StatusOK, wantTTL: 3600},
		{name: "custom ttl", body: `{"client_id":"mobile-app","ttl_seconds":60}`, wantStatus: http.StatusOK, wantTTL: 60},
		{name: "missing client id", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
	}

	s := newTestIssuer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp struct {
				Token     string `json:"token"`
				ExpiresIn int    `json:"expires_in"`
				TokenType string `json:"token_type"`
			}
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.ExpiresIn != tt.wantTTL || resp.TokenType != "Bearer" || resp.Token == "" {
				t.Errorf("response = %+v", resp)
			}

			v := auth.NewJWTValidatorFromKey(&s.key.PublicKey, "harborupload", "harborupload-api")
			clientID, err := v.ValidateToken(resp.Token)
			if err != nil {
				t.Fatalf("ValidateToken() error: %v", err)
			}
			if clientID != "mobile-app" {
				t.Errorf("client id = %q, want mobile-app", clientID)
			}
		})
	}
}

// The daemon's JWKS loader must accept what this server publishes
func TestJWKSRoundTrip(t *testing.T) {
	s := newTestIssuer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	key, err := auth.FetchJWKS(context.Background(), srv.URL+"/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("FetchJWKS() error: %v", err)
	}
	if key.N.Cmp(s.key.PublicKey.N) != 0 || key.E != s.key.PublicKey.E {
		t.Error("fetched key does not match signing key")
	}

	token, _, err := s.mint(tokenRequest{ClientID: "svc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.NewJWTValidatorFromKey(key, "harborupload", "harborupload-api").ValidateToken(token); err != nil {
		t.Errorf("token signed by the server did not validate: %v", err)
	}
}

func TestMint_Expired(t *testing.T) {
	s := newTestIssuer(t)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := s.mint(tokenRequest{ClientID: "svc", TTLSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.NewJWTValidatorFromKey(&s.key.PublicKey, "harborupload", "harborupload-api").ValidateToken(token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestHealthz(t *testing.T) {
	w := httptest.NewRecorder()
	newTestIssuer(t).routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("healthz = %d %q", w.Code, w.Body.String())
	}
}
