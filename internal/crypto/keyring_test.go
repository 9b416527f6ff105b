package crypto

import (
	"encoding/base64"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	ring, err := NewKeyring("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	raw, err := ring.SealCredential("sk-live-credential")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := ring.OpenCredential(raw)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != "sk-live-credential" {
		t.Fatalf("expected original credential, got %q", out)
	}
}

func TestOpenAfterRotation(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldRing, err := NewKeyring("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old keyring: %v", err)
	}
	sealed, err := oldRing.SealCredential("legacy-credential")
	if err != nil {
		t.Fatalf("seal with old key: %v", err)
	}

	rotated, err := NewKeyring("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}

	plain, err := rotated.OpenCredential(sealed)
	if err != nil {
		t.Fatalf("open with retired key failed: %v", err)
	}
	if plain != "legacy-credential" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	// Reseal moves the credential to the active key; the old ring must no
	// longer be able to open it.
	fresh, err := rotated.Reseal(sealed)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if _, err := oldRing.OpenCredential(fresh); err == nil {
		t.Fatal("old ring opened a credential sealed by the new key")
	}
	out, err := rotated.OpenCredential(fresh)
	if err != nil {
		t.Fatalf("open resealed: %v", err)
	}
	if out != "legacy-credential" {
		t.Fatalf("unexpected resealed plaintext: %q", out)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
