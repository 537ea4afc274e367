package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// encryptionMagic identifies encrypted backup files.
const encryptionMagic = "GEMPENC1"

// Argon2id parameters per RFC 9106, key sized for AES-256.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32

	saltLength = 32
)

// EncryptionConfig holds the passphrase and key-derivation parameters
// for backup encryption.
type EncryptionConfig struct {
	Passphrase string
	Time       uint32
	Memory     uint32
	Threads    uint8
}

// DefaultEncryptionConfig returns an encryption config with the
// standard derivation parameters.
func DefaultEncryptionConfig(passphrase string) *EncryptionConfig {
	return &EncryptionConfig{
		Passphrase: passphrase,
		Time:       argon2Time,
		Memory:     argon2Memory,
		Threads:    argon2Threads,
	}
}

func (c *EncryptionConfig) deriveKey(salt []byte) []byte {
	return argon2.IDKey([]byte(c.Passphrase), salt, c.Time, c.Memory, c.Threads, argon2KeyLen)
}

// EncryptData seals plaintext with AES-256-GCM under a key derived
// from the passphrase. Output layout: salt || nonce || ciphertext.
func EncryptData(plaintext []byte, config *EncryptionConfig) ([]byte, error) {
	if config == nil || config.Passphrase == "" {
		return nil, fmt.Errorf("encryption requires a passphrase")
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(config.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// DecryptData reverses EncryptData. A wrong passphrase fails the GCM
// authentication check rather than producing garbage.
func DecryptData(encrypted []byte, config *EncryptionConfig) ([]byte, error) {
	if config == nil || config.Passphrase == "" {
		return nil, fmt.Errorf("decryption requires a passphrase")
	}
	if len(encrypted) < saltLength {
		return nil, fmt.Errorf("encrypted data too short")
	}

	salt, rest := encrypted[:saltLength], encrypted[saltLength:]

	block, err := aes.NewCipher(config.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("encrypted data too short")
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase or corrupted data): %w", err)
	}
	return plaintext, nil
}

// EncryptFile seals a file into destPath with the magic header
// prepended.
func EncryptFile(sourcePath, destPath string, config *EncryptionConfig) error {
	plaintext, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}

	encrypted, err := EncryptData(plaintext, config)
	if err != nil {
		return err
	}

	out := make([]byte, 0, len(encryptionMagic)+len(encrypted))
	out = append(out, encryptionMagic...)
	out = append(out, encrypted...)
	if err := os.WriteFile(destPath, out, 0o600); err != nil {
		return fmt.Errorf("failed to write encrypted file: %w", err)
	}
	return nil
}

// DecryptFile unseals an encrypted file into destPath.
func DecryptFile(sourcePath, destPath string, config *EncryptionConfig) error {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to read encrypted file: %w", err)
	}
	if len(data) < len(encryptionMagic) || string(data[:len(encryptionMagic)]) != encryptionMagic {
		return fmt.Errorf("%s is not an encrypted backup", sourcePath)
	}

	plaintext, err := DecryptData(data[len(encryptionMagic):], config)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("failed to write decrypted file: %w", err)
	}
	return nil
}

// IsEncrypted reports whether a file carries the encrypted-backup
// magic header.
func IsEncrypted(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, len(encryptionMagic))
	n, err := io.ReadFull(f, header)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n == len(encryptionMagic) && string(header) == encryptionMagic, nil
}
