package hash

import "testing"

func TestHashPasswordRoundTrip(t *testing.T) {
	hashed, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hashed == "s3cret-pass" {
		t.Fatalf("expected hashed value to differ from plaintext")
	}
	if !CheckPasswordHash("s3cret-pass", hashed) {
		t.Fatalf("expected password to match its hash")
	}
	if CheckPasswordHash("wrong-pass", hashed) {
		t.Fatalf("expected wrong password to be rejected")
	}
}
