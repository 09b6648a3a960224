package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	testIssuer   = "harborupload"
	testAudience = "harborupload-api"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"client_id": "mobile-app",
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

func TestNewJWTValidator(t *testing.T) {
	key := generateKey(t)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	pkixDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal PKIX: %v", err)
	}
	pkix := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pkixDER})

	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{
			name:         "PKCS1 public key",
			publicKeyPEM: string(pkcs1),
		},
		{
			name:         "PKIX public key",
			publicKeyPEM: string(pkix),
		},
		{
			name:         "invalid PEM format",
			publicKeyPEM: "invalid-pem",
			expectError:  true,
		},
		{
			name:         "empty public key",
			publicKeyPEM: "",
			expectError:  true,
		},
		{
			name: "invalid RSA key format",
			publicKeyPEM: `-----BEGIN PUBLIC KEY-----
aW52YWxpZC1rZXktZGF0YQ==
-----END PUBLIC KEY-----`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator, err := NewJWTValidator(tt.publicKeyPEM, testIssuer, testAudience)

			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				if validator != nil {
					t.Error("NewJWTValidator() should return nil validator on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if validator.issuer != testIssuer || validator.audience != testAudience {
				t.Errorf("NewJWTValidator() issuer/audience = %q/%q", validator.issuer, validator.audience)
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	validator := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)

	with := func(k string, v any) jwt.MapClaims {
		c := validClaims()
		if v == nil {
			delete(c, k)
		} else {
			c[k] = v
		}
		return c
	}

	tests := []struct {
		name        string
		token       string
		wantClient  string
		expectError bool
	}{
		{
			name:       "valid token",
			token:      signToken(t, key, validClaims()),
			wantClient: "mobile-app",
		},
		{
			name:        "signed by another key",
			token:       signToken(t, other, validClaims()),
			expectError: true,
		},
		{
			name:        "expired",
			token:       signToken(t, key, with("exp", time.Now().Add(-time.Minute).Unix())),
			expectError: true,
		},
		{
			name:        "wrong issuer",
			token:       signToken(t, key, with("iss", "someone-else")),
			expectError: true,
		},
		{
			name:        "wrong audience",
			token:       signToken(t, key, with("aud", "other-api")),
			expectError: true,
		},
		{
			name:        "missing client_id",
			token:       signToken(t, key, with("client_id", nil)),
			expectError: true,
		},
		{
			name:        "invalid token format",
			token:       "invalid-token",
			expectError: true,
		},
		{
			name:        "empty token",
			token:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientID, err := validator.ValidateToken(tt.token)

			if tt.expectError {
				if err == nil {
					t.Error("ValidateToken() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() unexpected error: %v", err)
			}
			if clientID != tt.wantClient {
				t.Errorf("ValidateToken() client = %q, want %q", clientID, tt.wantClient)
			}
		})
	}
}

func TestJWTValidator_HTTPMiddleware(t *testing.T) {
	key := generateKey(t)
	validator := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)

	mockHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if clientID, ok := GetClientIDFromContext(r.Context()); ok {
			w.Header().Set("X-Client-ID", clientID)
		}
		w.WriteHeader(http.StatusOK)
	})

	middleware := validator.HTTPMiddleware(mockHandler)

	tests := []struct {
		name           string
		path           string
		headers        map[string]string
		expectedStatus int
		expectedClient string
	}{
		{
			name:           "health check bypass",
			path:           "/healthz",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics bypass",
			path:           "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "ping endpoint bypass",
			path:           "/v1/ping",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "client header from proxy",
			path:           "/v1/uploads",
			headers:        map[string]string{"X-Client-ID": "from-proxy"},
			expectedStatus: http.StatusOK,
			expectedClient: "from-proxy",
		},
		{
			name:           "valid bearer token",
			path:           "/v1/uploads",
			headers:        map[string]string{"Authorization": "Bearer " + signToken(t, key, validClaims())},
			expectedStatus: http.StatusOK,
			expectedClient: "mobile-app",
		},
		{
			name:           "missing authorization header",
			path:           "/v1/uploads",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid authorization header format",
			path:           "/v1/uploads",
			headers:        map[string]string{"Authorization": "InvalidFormat token"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid JWT token",
			path:           "/v1/events",
			headers:        map[string]string{"Authorization": "Bearer invalid-token"},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			w := httptest.NewRecorder()
			middleware.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("HTTPMiddleware() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if got := w.Header().Get("X-Client-ID"); got != tt.expectedClient {
				t.Errorf("HTTPMiddleware() client = %q, want %q", got, tt.expectedClient)
			}
		})
	}
}

func TestJWTValidator_GRPCInterceptor(t *testing.T) {
	key := generateKey(t)
	validator := NewJWTValidatorFromKey(&key.PublicKey, testIssuer, testAudience)
	interceptor := validator.GRPCInterceptor()

	mockHandler := func(ctx context.Context, req interface{}) (interface{}, error) {
		clientID, _ := GetClientIDFromContext(ctx)
		return clientID, nil
	}

	tests := []struct {
		name           string
		method         string
		metadata       metadata.MD
		expectedCode   codes.Code
		expectedClient string
	}{
		{
			name:         "health check bypass",
			method:       "/grpc.health.v1.Health/Check",
			metadata:     metadata.New(map[string]string{}),
			expectedCode: codes.OK,
		},
		{
			name:           "client header from proxy",
			method:         "/harborupload.v1.Uploads/Start",
			metadata:       metadata.New(map[string]string{"x-client-id": "from-proxy"}),
			expectedCode:   codes.OK,
			expectedClient: "from-proxy",
		},
		{
			name:           "valid bearer token",
			method:         "/harborupload.v1.Uploads/Start",
			metadata:       metadata.New(map[string]string{"authorization": "Bearer " + signToken(t, key, validClaims())}),
			expectedCode:   codes.OK,
			expectedClient: "mobile-app",
		},
		{
			name:         "missing metadata",
			method:       "/harborupload.v1.Uploads/Start",
			expectedCode: codes.Unauthenticated,
		},
		{
			name:         "missing authorization header",
			method:       "/harborupload.v1.Uploads/Start",
			metadata:     metadata.New(map[string]string{}),
			expectedCode: codes.Unauthenticated,
		},
		{
			name:         "invalid authorization header format",
			method:       "/harborupload.v1.Uploads/Start",
			metadata:     metadata.New(map[string]string{"authorization": "InvalidFormat token"}),
			expectedCode: codes.Unauthenticated,
		},
		{
			name:         "invalid JWT token",
			method:       "/harborupload.v1.Uploads/Start",
			metadata:     metadata.New(map[string]string{"authorization": "Bearer invalid-token"}),
			expectedCode: codes.Unauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.metadata != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.metadata)
			}

			resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, mockHandler)

			if got := status.Code(err); got != tt.expectedCode {
				t.Fatalf("GRPCInterceptor() code = %v, want %v (err %v)", got, tt.expectedCode, err)
			}
			if err == nil && resp != tt.expectedClient {
				t.Errorf("GRPCInterceptor() client = %v, want %q", resp, tt.expectedClient)
			}
		})
	}
}

func TestGetClientIDFromContext(t *testing.T) {
	tests := []struct {
		name           string
		ctx            context.Context
		expectedClient string
		expectedOK     bool
	}{
		{
			name:           "context with client ID",
			ctx:            context.WithValue(context.Background(), ClientIDKey, "client-123"),
			expectedClient: "client-123",
			expectedOK:     true,
		},
		{
			name: "context without client ID",
			ctx:  context.Background(),
		},
		{
			name: "context with wrong type value",
			ctx:  context.WithValue(context.Background(), ClientIDKey, 123),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientID, ok := GetClientIDFromContext(tt.ctx)
			if clientID != tt.expectedClient || ok != tt.expectedOK {
				t.Errorf("GetClientIDFromContext() = %q, %v; want %q, %v", clientID, ok, tt.expectedClient, tt.expectedOK)
			}
		})
	}
}

func jwkFor(key *rsa.PublicKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: "test-key-id",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func TestFetchJWKS(t *testing.T) {
	key := generateKey(t)

	tests := []struct {
		name          string
		handler       http.HandlerFunc
		errorContains string
	}{
		{
			name: "successful JWKS fetch",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{jwkFor(&key.PublicKey)}})
			},
		},
		{
			name: "skips encryption keys",
			handler: func(w http.ResponseWriter, r *http.Request) {
				enc := jwkFor(&key.PublicKey)
				enc.Use = "enc"
				enc.N = "AQAB"
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{enc, jwkFor(&key.PublicKey)}})
			},
		},
		{
			name: "JWKS endpoint returns 404",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			errorContains: "status 404",
		},
		{
			name: "invalid JSON response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("invalid json"))
			},
			errorContains: "failed to decode JWKS",
		},
		{
			name: "empty keys array",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{})
			},
			errorContains: "no signing keys",
		},
		{
			name: "unsupported key type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{{Kty: "EC", Use: "sig"}}})
			},
			errorContains: "unsupported key type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			got, err := FetchJWKS(context.Background(), server.URL)

			if tt.errorContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("FetchJWKS() error = %v, want containing %q", err, tt.errorContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchJWKS() unexpected error: %v", err)
			}
			if got.N.Cmp(key.PublicKey.N) != 0 || got.E != key.PublicKey.E {
				t.Error("FetchJWKS() returned a different key")
			}
		})
	}

	t.Run("unreachable endpoint", func(t *testing.T) {
		if _, err := FetchJWKS(context.Background(), "http://127.0.0.1:1/jwks"); err == nil {
			t.Error("FetchJWKS() expected error for unreachable endpoint")
		}
	})
}

func TestFetchJWKS_VerifiesTokens(t *testing.T) {
	key := generateKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JSONWebKeySet{Keys: []JSONWebKey{jwkFor(&key.PublicKey)}})
	}))
	defer server.Close()

	pub, err := FetchJWKS(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchJWKS() error: %v", err)
	}
	clientID, err := NewJWTValidatorFromKey(pub, testIssuer, testAudience).ValidateToken(signToken(t, key, validClaims()))
	if err != nil || clientID != "mobile-app" {
		t.Errorf("ValidateToken() = %q, %v; want mobile-app", clientID, err)
	}
}
