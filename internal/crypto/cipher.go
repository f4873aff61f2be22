// Package crypto provides authenticated encryption for memory payloads and
// reminder content. All sensitive content at rest is sealed with AES-256-GCM;
// the key is supplied through configuration and never stored beside ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// AlgorithmTag identifies the AEAD scheme used for stored envelopes. It is
// persisted with each ciphertext so future scheme migrations can detect old data.
const AlgorithmTag = "aes-256-gcm"

// keySize is the AES-256 key length in bytes.
const keySize = 32

// kdfIterations is the PBKDF2 iteration count for passphrase-derived keys.
const kdfIterations = 100_000

// kdfSalt is the fixed application salt for passphrase derivation. The key is
// per-deployment, so a fixed salt only needs to separate this application's
// key space from generic PBKDF2 output.
var kdfSalt = []byte("quietmind.kdf.v1")

var (
	// ErrDecrypt indicates ciphertext that failed authentication: corruption
	// or a wrong key. It signals damaged data, not absence, and must never be
	// collapsed into a not-found condition.
	ErrDecrypt = errors.New("payload decryption failed")

	// ErrInvalidKey indicates key material of the wrong length or encoding.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// Envelope is the persisted form of an encrypted payload: opaque ciphertext,
// the nonce it was sealed with, and the algorithm tag.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Alg        string `json:"alg"`
}

// Cipher seals and opens payload envelopes with a single symmetric key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to initialise AES: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to initialise GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// NewCipherFromBase64 creates a Cipher from a base64-encoded 32-byte key,
// the form the key takes in configuration.
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid base64: %v", ErrInvalidKey, err)
	}
	return NewCipher(key)
}

// NewCipherFromPassphrase derives a key from a passphrase with PBKDF2-SHA256
// and creates a Cipher from it.
func NewCipherFromPassphrase(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	key := pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, keySize, sha256.New)
	return NewCipher(key)
}

// GenerateKey returns a fresh random 32-byte key, base64-encoded for storage
// in configuration.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext into an Envelope with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return Envelope{
		Ciphertext: c.aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
		Alg:        AlgorithmTag,
	}, nil
}

// Decrypt opens an Envelope and returns the original plaintext.
// Returns ErrDecrypt when authentication fails (corrupted ciphertext or a
// wrong key) and when the envelope carries an unknown algorithm tag.
func (c *Cipher) Decrypt(env Envelope) ([]byte, error) {
	if env.Alg != "" && env.Alg != AlgorithmTag {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrDecrypt, env.Alg)
	}
	if len(env.Nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecrypt, len(env.Nonce))
	}

	plaintext, err := c.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for string payloads.
func (c *Cipher) EncryptString(plaintext string) (Envelope, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper returning string plaintext.
func (c *Cipher) DecryptString(env Envelope) (string, error) {
	b, err := c.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
