package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/nhalm/gatekeeper/auth"
	"github.com/nhalm/gatekeeper/wrapper"
)

var secret = []byte("test-secret")

func sign(t *testing.T, key []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func validClaims(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "gatekeeper-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func okHandler(t *testing.T, wantSubject string) http.Handler {
	return http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		subject, ok := auth.SubjectFromContext(r.Context())
		if wantSubject == "" && ok {
			t.Errorf("expected no subject, got %q", subject)
		}
		if wantSubject != "" && subject != wantSubject {
			t.Errorf("expected subject %q, got %q", wantSubject, subject)
		}
		wrapper.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func TestBearer_Valid(t *testing.T) {
	handler := wrapper.New()(auth.Bearer(secret)(okHandler(t, "user-1")))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, validClaims("user-1")))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestBearer_Rejected(t *testing.T) {
	expired := validClaims("user-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{
			name:    "missing header",
			header:  "",
			message: "Missing authorization header",
		},
		{
			name:    "wrong scheme",
			header:  "Basic dXNlcjpwYXNz",
			message: "Invalid authorization format",
		},
		{
			name:    "empty token",
			header:  "Bearer ",
			message: "Empty bearer token",
		},
		{
			name:    "garbage token",
			header:  "Bearer not-a-jwt",
			message: "Invalid bearer token",
		},
		{
			name:    "wrong secret",
			header:  "Bearer " + sign(t, []byte("other"), validClaims("user-1")),
			message: "Invalid bearer token",
		},
		{
			name:    "expired",
			header:  "Bearer " + sign(t, secret, expired),
			message: "Invalid bearer token",
		},
		{
			name:    "no subject",
			header:  "Bearer " + sign(t, secret, validClaims("")),
			message: "Invalid bearer token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := wrapper.New()(auth.Bearer(secret)(okHandler(t, "")))

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected status 401, got %d", rec.Code)
			}
			var body wrapper.Error
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Code != "UNAUTHORIZED" || body.Message != tt.message {
				t.Errorf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestBearer_WithoutWrapper(t *testing.T) {
	handler := auth.Bearer(secret)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON error, got Content-Type %s", ct)
	}
}

func TestBearer_Optional(t *testing.T) {
	handler := wrapper.New()(auth.Bearer(secret, auth.Optional())(okHandler(t, "")))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("optional auth must still reject invalid tokens, got %d", rec.Code)
	}
}

func TestBearer_WithIssuer(t *testing.T) {
	handler := wrapper.New()(auth.Bearer(secret, auth.WithIssuer("gatekeeper-test"))(okHandler(t, "user-1")))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, validClaims("user-1")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	other := validClaims("user-1")
	other.Issuer = "someone-else"
	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+sign(t, secret, other))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 for wrong issuer, got %d", rec.Code)
	}
}

func TestBearer_RejectsNoneAlgorithm(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("user-1")).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build token: %v", err)
	}

	handler := wrapper.New()(auth.Bearer(secret)(okHandler(t, "")))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}
