package service

import (
	"strings"
	"testing"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("p4ssword-ok")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("expected argon2id encoding, got %q", hash)
	}
	if !CheckPassword(hash, "p4ssword-ok") {
		t.Error("expected correct password to verify")
	}
	if CheckPassword(hash, "p4ssword-no") {
		t.Error("expected wrong password to fail")
	}
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	a, err := HashPassword("p4ssword-ok")
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashPassword("p4ssword-ok")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("expected distinct salts to produce distinct hashes")
	}
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=65536,t=3,p=4$bad-salt!$hash",
		"$bcrypt$whatever",
		"$argon2id$v=18$m=65536,t=3,p=4$c2FsdA$aGFzaA",
	}
	for _, encoded := range cases {
		if CheckPassword(encoded, "p4ssword-ok") {
			t.Errorf("expected malformed hash %q to fail verification", encoded)
		}
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("p4ssword-ok"); err != nil {
		t.Errorf("expected valid password, got %v", err)
	}
	if err := ValidatePassword("1234567"); err != ErrPasswordTooShort {
		t.Errorf("expected ErrPasswordTooShort, got %v", err)
	}
	if err := ValidatePassword(strings.Repeat("a", 257)); err != ErrPasswordTooLong {
		t.Errorf("expected ErrPasswordTooLong, got %v", err)
	}
	if err := ValidatePassword(strings.Repeat("a", 256)); err != nil {
		t.Errorf("expected 256 characters to be accepted, got %v", err)
	}
}
