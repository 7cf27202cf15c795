package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	// keySalt is public; the key's only secret input is the user/URL pair.
	keySalt = "insights-cli-token-store-v1"
	keyLen  = 32

	// scrypt cost parameters
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1

	recordSeparator = ":"
)

// Cipher seals and opens serialized credential records with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher whose key is derived from the current OS user and
// the given platform URL. The derivation is deterministic per (user, URL) pair.
func NewCipher(platformURL string) (*Cipher, error) {
	username, err := currentUsername()
	if err != nil {
		return nil, fmt.Errorf("resolving current user: %w", err)
	}
	return NewCipherFromKeyMaterial(username + "@" + platformURL)
}

// NewCipherFromKeyMaterial creates a Cipher whose key is derived from material.
func NewCipherFromKeyMaterial(material string) (*Cipher, error) {
	if material == "" {
		return nil, fmt.Errorf("key material cannot be empty")
	}

	key, err := scrypt.Key([]byte(material), []byte(keySalt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns "ivHex:authTagHex:cipherHex".
// A fresh random IV is used for every call.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	// Seal appends the tag to the ciphertext
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - c.aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, recordSeparator), nil
}

// Decrypt opens a record produced by Encrypt. Any malformed input or failed
// authentication yields an error wrapping ErrDecryption.
func (c *Cipher) Decrypt(record string) ([]byte, error) {
	parts := strings.Split(strings.TrimSpace(record), recordSeparator)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 parts, got %d", ErrDecryption, len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding iv: %w", ErrDecryption, err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding auth tag: %w", ErrDecryption, err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ciphertext: %w", ErrDecryption, err)
	}

	if len(iv) != c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid iv length %d", ErrDecryption, len(iv))
	}
	if len(tag) != c.aead.Overhead() {
		return nil, fmt.Errorf("%w: invalid auth tag length %d", ErrDecryption, len(tag))
	}

	plaintext, err := c.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return plaintext, nil
}

// currentUsername returns the OS user name, falling back to USER/USERNAME
// where user lookup is unavailable (e.g. static binaries without cgo).
func currentUsername() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	for _, key := range []string{"USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("unable to determine current user")
}
