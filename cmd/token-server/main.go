package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_upload/internal/auth"
	"github.com/austindbirch/harbor_upload/internal/config"
	"github.com/austindbirch/harbor_upload/internal/logging"
)

const (
	keyID      = "harborupload-key-1"
	defaultTTL = time.Hour
)

// issuer mints RS256 tokens the daemon accepts and publishes the matching JWKS
type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS1 PEM private key, or generates a fresh one when pemData is empty
func loadKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}
	return key, nil
}

func (s *issuer) jwks() auth.JSONWebKeySet {
	pub := s.key.PublicKey
	return auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// jwksHandler serves the JWKS endpoint
func (s *issuer) jwksHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(s.jwks())
}

type tokenRequest struct {
	ClientID   string `json:"client_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (s *issuer) mint(req tokenRequest) (string, time.Duration, error) {
	if req.ClientID == "" {
		return "", 0, errors.New("client_id is required")
	}
	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       s.issuer,
		"aud":       s.audience,
		"sub":       req.ClientID,
		"client_id": req.ClientID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	token.Header["kid"] = keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, ttl, nil
}

// tokenHandler handles token creation requests
func (s *issuer) tokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	signed, ttl, err := s.mint(req)
	if err != nil {
		status := http.StatusInternalServerError
		if req.ClientID == "" {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func (s *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", s.jwksHandler)
	mux.HandleFunc("POST /token", s.tokenHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func main() {
	log := logging.New("harborupload-token-server")
	cfg := config.FromEnv().Auth

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Plain().WithError(err).Fatal("failed to load signing key")
	}
	s := &issuer{key: key, issuer: cfg.Issuer, audience: cfg.Audience, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	log.Plain().WithFields(map[string]any{
		"port":     port,
		"jwks":     "/.well-known/jwks.json",
		"issuer":   cfg.Issuer,
		"audience": cfg.Audience,
	}).Info("token server starting")

	srv := &http.Server{Addr: ":" + port, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Plain().WithError(err).Fatal("token server stopped")
	}
}
