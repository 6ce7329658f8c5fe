package gateway

import (
	"errors"
	"testing"

	"swarmd/internal/domain"
)

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]struct {
		Token string
		Name  string
	}{
		{Token: "secret-1", Name: "cli"},
		{Token: "secret-2", Name: "dashboard"},
	})

	info, err := auth.Authenticate("secret-2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "dashboard" {
		t.Errorf("name = %q, want dashboard", info.Name)
	}

	if _, err := auth.Authenticate("wrong"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("bad token err = %v, want ErrPermissionDenied", err)
	}
	if _, err := auth.Authenticate(""); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("empty token err = %v, want ErrPermissionDenied", err)
	}
}

func TestAllowAllAuth(t *testing.T) {
	info, err := AllowAllAuth{}.Authenticate("")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "anonymous" {
		t.Errorf("name = %q", info.Name)
	}
}
