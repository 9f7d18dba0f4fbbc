package models

import "testing"

func TestUserDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user *User
		want string
	}{
		{name: "nil user", user: nil, want: ""},
		{name: "name wins", user: &User{ID: "u1", Email: "a@example.com", Name: "Ada"}, want: "Ada"},
		{name: "email fallback", user: &User{ID: "u1", Email: "a@example.com"}, want: "a@example.com"},
		{name: "id fallback", user: &User{ID: "u1"}, want: "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.DisplayName(); got != tt.want {
				t.Fatalf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
