package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/rcmflow/internal/config"
	"github.com/pitabwire/rcmflow/model"
)

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

// startJWKSServer serves keys and counts fetches.
func startJWKSServer(t *testing.T, keys ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Mode:       config.IdentityJWKS,
		Issuer:     "https://auth.example.com",
		Audience:   "rcmflow",
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: config.Defaults().Identity.ClaimPaths,
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":  "coder-1",
		"role": "medical_coder",
		"name": "Casey Coder",
		"iss":  "https://auth.example.com",
		"aud":  "rcmflow",
		"exp":  jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":  jwt.NewNumericDate(time.Now()),
	}
}

// serveAuth runs one request carrying token through mw and returns the
// response plus the claims the next handler saw.
func serveAuth(t *testing.T, mw func(http.Handler) http.Handler, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var seen map[string]any
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, seen
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Message
}

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t,
		rsaJWK("rsa-1", &rsaKey.PublicKey),
		ecJWK("ec-1", &ecKey.PublicKey),
		map[string]any{"kid": "oct-1", "kty": "oct"},
	)
	client := NewJWKSClient(srv.URL, time.Hour)

	key, err := client.GetKey("rsa-1")
	if err != nil {
		t.Fatalf("GetKey(rsa-1): %v", err)
	}
	if pub, ok := key.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Errorf("rsa key = %T, want matching *rsa.PublicKey", key)
	}

	key, err = client.GetKey("ec-1")
	if err != nil {
		t.Fatalf("GetKey(ec-1): %v", err)
	}
	if pub, ok := key.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Errorf("ec key = %T, want matching *ecdsa.PublicKey", key)
	}

	if _, err := client.GetKey("oct-1"); err == nil {
		t.Error("symmetric key should be skipped")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, fetches := startJWKSServer(t, rsaJWK("cached", &rsaKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Hour)

	for range 3 {
		if _, err := client.GetKey("cached"); err != nil {
			t.Fatalf("GetKey: %v", err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetched %d times, want 1", n)
	}
}

func TestJWKSClient_staleCacheSurvivesOutage(t *testing.T) {
	rsaKey := generateRSAKey(t)
	srv, _ := startJWKSServer(t, rsaJWK("k", &rsaKey.PublicKey))
	client := NewJWKSClient(srv.URL, time.Nanosecond)
	client.minRefresh = 0

	if _, err := client.GetKey("k"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	srv.Close()

	if _, err := client.GetKey("k"); err != nil {
		t.Errorf("stale key should be served during outage, got %v", err)
	}
	if _, err := client.GetKey("other"); err == nil {
		t.Error("unknown key during outage should fail")
	}
}

func TestJWTAuthenticator(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	srv, _ := startJWKSServer(t,
		rsaJWK("rsa", &rsaKey.PublicKey),
		ecJWK("ec", &ecKey.PublicKey),
	)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		cfg     func(*config.IdentityConfig)
		token   func() string
		want    int
		message string
	}{
		{
			name:  "rs256",
			token: func() string { return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa", validClaims()) },
			want:  http.StatusOK,
		},
		{
			name:  "es256",
			token: func() string { return "Bearer " + signJWT(t, ecKey, jwt.SigningMethodES256, "ec", validClaims()) },
			want:  http.StatusOK,
		},
		{
			name: "within clock skew",
			token: func() string {
				c := with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second)) })
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa", c)
			},
			want: http.StatusOK,
		},
		{
			name:    "missing header",
			token:   func() string { return "" },
			want:    http.StatusUnauthorized,
			message: "Missing authorization header",
		},
		{
			name:    "basic scheme",
			token:   func() string { return "Basic dXNlcjpwYXNz" },
			want:    http.StatusUnauthorized,
			message: "Invalid authorization header format",
		},
		{
			name: "expired",
			token: func() string {
				c := with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa", c)
			},
			want:    http.StatusUnauthorized,
			message: "Token expired",
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa", c)
			},
			want:    http.StatusUnauthorized,
			message: "Invalid token issuer",
		},
		{
			name: "wrong audience",
			token: func() string {
				c := with(func(c jwt.MapClaims) { c["aud"] = "another-service" })
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa", c)
			},
			want:    http.StatusUnauthorized,
			message: "Invalid token audience",
		},
		{
			name: "missing exp",
			token: func() string {
				c := with(func(c jwt.MapClaims) { delete(c, "exp") })
				return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa", c)
			},
			want: http.StatusUnauthorized,
		},
		{
			name:  "disallowed algorithm",
			cfg:   func(c *config.IdentityConfig) { c.Algorithms = []string{"ES256"} },
			token: func() string { return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rsa", validClaims()) },
			want:  http.StatusUnauthorized,
		},
		{
			name:    "unknown kid",
			token:   func() string { return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "rotated", validClaims()) },
			want:    http.StatusUnauthorized,
			message: "Unknown signing key",
		},
		{
			name:  "missing kid",
			token: func() string { return "Bearer " + signJWT(t, rsaKey, jwt.SigningMethodRS256, "", validClaims()) },
			want:  http.StatusUnauthorized,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testIdentityCfg()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			client := NewJWKSClient(srv.URL, time.Hour)
			client.minRefresh = 0

			w, claims := serveAuth(t, JWTAuthenticator(cfg, client), tc.token())
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusOK {
				if claims["sub"] != "coder-1" {
					t.Errorf("claims = %v", claims)
				}
				return
			}
			if tc.message != "" {
				if got := errorMessage(t, w); got != tc.message {
					t.Errorf("message = %q, want %q", got, tc.message)
				}
			}
		})
	}
}

func TestHMACAuthenticator(t *testing.T) {
	secret := []byte("s3cret-for-tests")
	cfg := config.IdentityConfig{Mode: config.IdentityHMAC}
	mw := HMACAuthenticator(cfg, secret)

	w, claims := serveAuth(t, mw, "Bearer "+signJWT(t, secret, jwt.SigningMethodHS256, "", validClaims()))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if claims["role"] != "medical_coder" {
		t.Errorf("claims = %v", claims)
	}

	w, _ = serveAuth(t, mw, "Bearer "+signJWT(t, []byte("other"), jwt.SigningMethodHS256, "", validClaims()))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want 401", w.Code)
	}
	if got := errorMessage(t, w); got != "Invalid token signature" {
		t.Errorf("message = %q", got)
	}

	rsaKey := generateRSAKey(t)
	w, _ = serveAuth(t, mw, "Bearer "+signJWT(t, rsaKey, jwt.SigningMethodRS256, "", validClaims()))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("rs256 under hmac status = %d, want 401", w.Code)
	}

	cfg.Issuer = "https://auth.example.com"
	c := validClaims()
	c["iss"] = "https://elsewhere.example.com"
	w, _ = serveAuth(t, HMACAuthenticator(cfg, secret), "Bearer "+signJWT(t, secret, jwt.SigningMethodHS256, "", c))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("issuer mismatch status = %d, want 401", w.Code)
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	mw := HeaderAuthenticator(config.Defaults().Identity.ClaimPaths)
	var seen map[string]any
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorID, "front-1")
	req.Header.Set(HeaderActorRole, "front_desk")
	req.Header.Set(HeaderActorName, "Frankie")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if seen["sub"] != "front-1" || seen["role"] != "front_desk" || seen["name"] != "Frankie" {
		t.Errorf("claims = %v", seen)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing header status = %d, want 401", w.Code)
	}
}

func TestNewAuthenticator(t *testing.T) {
	cfg := testIdentityCfg()
	cfg.JWKSURL = "http://127.0.0.1:1/jwks"
	if _, err := NewAuthenticator(cfg); err != nil {
		t.Errorf("jwks: %v", err)
	}

	cfg.Mode = config.IdentityHMAC
	cfg.SecretEnv = "RCMFLOW_TEST_JWT_SECRET"
	if _, err := NewAuthenticator(cfg); err == nil {
		t.Error("hmac without secret should fail")
	}
	t.Setenv("RCMFLOW_TEST_JWT_SECRET", "x")
	if _, err := NewAuthenticator(cfg); err != nil {
		t.Errorf("hmac: %v", err)
	}

	cfg.Mode = config.IdentityHeader
	if _, err := NewAuthenticator(cfg); err != nil {
		t.Errorf("header: %v", err)
	}

	cfg.Mode = "basic"
	if _, err := NewAuthenticator(cfg); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"billing_manager", "viewer"},
		},
		"sub": "user-1",
	}

	if v := extractClaimString(claims, "sub"); v != "user-1" {
		t.Errorf("sub = %q, want user-1", v)
	}
	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "billing_manager" {
		t.Errorf("realm_access.roles = %v", roles)
	}
	if v := extractClaimString(claims, "sub.deeper"); v != "" {
		t.Errorf("path through a string = %q, want empty", v)
	}
	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}
