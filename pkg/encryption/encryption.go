// Package encryption seals device credentials at rest with AES-GCM. Tokens
// never leave the credential store boundary unencrypted.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"os"
)

const keyEnvVar = "TOKEN_ENCRYPTION_KEY"

var errKeyMissing = errors.New("TOKEN_ENCRYPTION_KEY environment variable not set")

func loadKey() ([]byte, error) {
	raw := os.Getenv(keyEnvVar)
	if raw == "" {
		return nil, errKeyMissing
	}

	key := []byte(raw)
	if len(key) != 32 {
		return nil, errors.New("TOKEN_ENCRYPTION_KEY must be exactly 32 bytes long")
	}

	return key, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func Encrypt(plaintext string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a base64(nonce || ciphertext) value produced by Encrypt.
func Decrypt(cryptoText string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
