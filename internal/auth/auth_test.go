package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/heyfun/internal/observability"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", "heyfun", time.Hour)
	token, err := service.Generate("user-1", "org-1")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	p, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if p.Subject != "user-1" || p.OrganizationID != "org-1" {
		t.Fatalf("principal = %+v", p)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", "heyfun", time.Hour)

	other := NewJWTService("other", "heyfun", time.Hour)
	foreign, _ := other.Generate("user-1", "org-1")
	if _, err := service.Validate(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign signature: err = %v", err)
	}

	wrongIssuer, _ := NewJWTService("secret", "elsewhere", time.Hour).Generate("user-1", "org-1")
	if _, err := service.Validate(wrongIssuer); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong issuer: err = %v", err)
	}

	past := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Organization: "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "heyfun",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, _ := past.SignedString([]byte("secret"))
	if _, err := service.Validate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: err = %v", err)
	}

	noOrg := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "heyfun"}})
	signed, _ = noOrg.SignedString([]byte("secret"))
	if _, err := service.Validate(signed); !errors.Is(err, ErrMissingOrgClaim) {
		t.Errorf("missing org: err = %v", err)
	}

	if _, err := NewJWTService("", "", 0).Validate(signed); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("disabled: err = %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	service := NewJWTService("secret", "", time.Hour)
	token, _ := service.Generate("user-1", "org-7")

	var seen string
	handler := Middleware(service, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OrganizationID(r.Context())
		if observability.OrganizationID(r.Context()) != seen {
			t.Error("organization must be tagged for logging")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{"bearer header", "Bearer " + token, "", http.StatusNoContent},
		{"query token", "", "?access_token=" + token, http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/sessions/stream"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusNoContent && seen != "org-7" {
				t.Errorf("organization = %q", seen)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	handler := Middleware(NewJWTService("", "", 0), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
