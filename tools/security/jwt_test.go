package security

import (
	"testing"
	"time"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	token, exp, err := Generate(opts, 7, "seeker")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %v", exp)
	}

	claims, err := Verify(opts, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7 || claims.Scope != "seeker" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("secret-a")), 7, "seeker")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(DefaultOptions([]byte("secret-b")), token); err == nil {
		t.Fatalf("token verified with wrong secret")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := Verify(opts, tok); err == nil {
			t.Fatalf("garbage token %q verified", tok)
		}
	}
}

func TestUnsupportedAlg(t *testing.T) {
	opts := Options{Secret: []byte("secret"), Alg: "RS256"}
	if _, _, err := Generate(opts, 7, "seeker"); err == nil {
		t.Fatalf("asymmetric alg accepted")
	}
}

func TestHashTokenStable(t *testing.T) {
	a := HashToken("tok")
	if a != HashToken("tok") {
		t.Fatalf("hash not deterministic")
	}
	if a == HashToken("tok2") {
		t.Fatalf("distinct tokens collide")
	}
}
