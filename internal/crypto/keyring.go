// Package crypto seals provider API credentials at rest. A model profile
// stores its key as an AES-GCM envelope tagged with the keyring entry that
// sealed it, so keys can rotate without re-sealing every row at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Keyring holds the master keys. Sealing always uses the active key;
// opening accepts any key still on the ring.
type Keyring struct {
	activeKeyID string
	keys        map[string][]byte
}

func NewKeyring(activeKeyID string, keys map[string][]byte) (*Keyring, error) {
	if activeKeyID == "" {
		return nil, fmt.Errorf("active key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active key id %q not found", activeKeyID)
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{activeKeyID: activeKeyID, keys: cp}, nil
}

// SealCredential encrypts a plaintext credential into its stored form.
func (k *Keyring) SealCredential(plaintext string) (string, error) {
	aead, err := k.aead(k.activeKeyID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	b, err := json.Marshal(envelope{
		KeyID:      k.activeKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// OpenCredential decrypts a stored credential sealed by any key on the ring.
func (k *Keyring) OpenCredential(raw string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	aead, err := k.aead(env.KeyID)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Reseal re-encrypts a stored credential under the active key. Used by
// rotation sweeps after a new key joins the ring.
func (k *Keyring) Reseal(raw string) (string, error) {
	plain, err := k.OpenCredential(raw)
	if err != nil {
		return "", err
	}
	return k.SealCredential(plain)
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
