package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/coedit/pkg/models"
)

func TestServiceValidateAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123", UserID: "user-1", Email: "user@example.com", AvatarURL: "https://example.com/a.png"}}})
	user, err := service.ValidateAPIKey("abc123")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user id, got %q", user.ID)
	}
	if user.Email != "user@example.com" {
		t.Fatalf("expected email, got %q", user.Email)
	}
	if user.AvatarURL != "https://example.com/a.png" {
		t.Fatalf("expected avatar, got %q", user.AvatarURL)
	}
}

func TestServiceValidateAPIKeyDerivesUserID(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1"}}})
	user, err := service.ValidateAPIKey("k1")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if len(user.ID) != len("api_")+16 {
		t.Fatalf("expected derived api user id, got %q", user.ID)
	}
	if _, err := service.ValidateAPIKey("nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestServiceValidate(t *testing.T) {
	service := NewService(Config{
		JWTSecret:   "secret",
		TokenExpiry: time.Hour,
		APIKeys:     []APIKeyConfig{{Key: "k1", UserID: "key-user"}},
	})
	token, err := service.GenerateJWT(&models.User{ID: "jwt-user", Name: "Jo"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}

	tests := []struct {
		name       string
		credential string
		wantID     string
		wantErr    error
	}{
		{name: "jwt", credential: token, wantID: "jwt-user"},
		{name: "api key", credential: "k1", wantID: "key-user"},
		{name: "padded api key", credential: "  k1 ", wantID: "key-user"},
		{name: "empty", credential: "", wantErr: ErrInvalidToken},
		{name: "garbage", credential: "not-a-token", wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := service.Validate(tt.credential)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if user.ID != tt.wantID {
				t.Fatalf("expected user %q, got %q", tt.wantID, user.ID)
			}
		})
	}
}

func TestServiceDisabled(t *testing.T) {
	service := NewService(Config{})
	if service.Enabled() {
		t.Fatal("expected auth to be disabled")
	}
	if _, err := service.Validate("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
	if _, err := service.GenerateJWT(&models.User{ID: "u"}); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}
