package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/fleetlink/internal/testutil/testlog"
)

func TestTokensValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  Tokens
		input   string
		wantErr error
	}{
		{name: "no tokens denied", stored: nil, input: "abc", wantErr: ErrUnauthorized},
		{name: "blank stored token ignored", stored: Tokens{""}, input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: Tokens{"abc"}, input: "xyz", wantErr: ErrUnauthorized},
		{name: "second token accepted", stored: Tokens{"abc", "ops"}, input: "ops", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.stored.Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
	if (Tokens{" "}).Enabled() || !(Tokens{"", "x"}).Enabled() {
		t.Fatalf("Enabled should ignore blank tokens")
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	if tok, err := BearerToken("Bearer s3cret"); err != nil || tok != "s3cret" {
		t.Fatalf("expected s3cret, got %q err=%v", tok, err)
	}
	if tok, err := BearerToken("bearer   padded "); err != nil || tok != "padded" {
		t.Fatalf("expected padded, got %q err=%v", tok, err)
	}
	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer  "} {
		if _, err := BearerToken(header); !errors.Is(err, ErrMissingToken) {
			t.Fatalf("%q: expected ErrMissingToken, got %v", header, err)
		}
	}

	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
}
