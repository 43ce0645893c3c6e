package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/sha3"
)

// KDF algorithm names as written in the envelope.
const (
	KDFScrypt   = "scrypt"
	KDFArgon2id = "argon2id"
)

// Cipher names as written in the envelope.
const (
	CipherAESGCM            = "aes-256-gcm"
	CipherXChaCha20Poly1305 = "xchacha20-poly1305"
)

const (
	dkLen   = 64 // [0:32] encryption key, [32:64] MAC key
	saltLen = 32
)

// KDF selects a key-derivation function and its cost parameters.
type KDF struct {
	Algorithm string `json:"-" yaml:"algorithm"`

	// scrypt
	N int `json:"n,omitempty" yaml:"n,omitempty"`
	R int `json:"r,omitempty" yaml:"r,omitempty"`
	P int `json:"p,omitempty" yaml:"p,omitempty"`

	// argon2id
	Time        uint32 `json:"time,omitempty" yaml:"time,omitempty"`
	Memory      uint32 `json:"memory,omitempty" yaml:"memory,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
}

// ScryptKDF returns the default scrypt parameters.
func ScryptKDF() KDF {
	return KDF{Algorithm: KDFScrypt, N: 1 << 18, R: 8, P: 1}
}

// Argon2idKDF returns the default Argon2id parameters (OWASP recommended).
func Argon2idKDF() KDF {
	return KDF{Algorithm: KDFArgon2id, Time: 3, Memory: 64 * 1024, Parallelism: 4}
}

// KDFByName returns the default parameters for an algorithm name.
func KDFByName(name string) (KDF, error) {
	switch name {
	case KDFScrypt, "":
		return ScryptKDF(), nil
	case KDFArgon2id:
		return Argon2idKDF(), nil
	}
	return KDF{}, fmt.Errorf("unsupported kdf: %s", name)
}

// Upper bounds on KDF cost accepted from an envelope, about four times the
// defaults. A crafted file must not make Open allocate gigabytes.
const (
	maxScryptN       = 1 << 20
	maxScryptR       = 32
	maxScryptP       = 16
	maxScryptMem     = 128 * maxScryptN * 8 // bytes, 128*N*r
	maxArgonTime     = 12
	maxArgonMemory   = 4 * 64 * 1024 // KiB
	maxArgonParallel = 16
)

// checkBounds rejects parameters above the accepted cost limits.
func (k KDF) checkBounds() error {
	switch k.Algorithm {
	case KDFScrypt:
		if k.N > maxScryptN || k.R > maxScryptR || k.P > maxScryptP || 128*int64(k.N)*int64(k.R) > maxScryptMem {
			return fmt.Errorf("scrypt parameters n=%d r=%d p=%d exceed limits", k.N, k.R, k.P)
		}
	case KDFArgon2id:
		if k.Time > maxArgonTime || k.Memory > maxArgonMemory || k.Parallelism > maxArgonParallel {
			return fmt.Errorf("argon2id parameters t=%d m=%d p=%d exceed limits", k.Time, k.Memory, k.Parallelism)
		}
	}
	return nil
}

func (k KDF) deriveKey(password, salt []byte) ([]byte, error) {
	switch k.Algorithm {
	case KDFScrypt:
		if k.N <= 1 || k.N&(k.N-1) != 0 || k.R <= 0 || k.P <= 0 {
			return nil, fmt.Errorf("invalid scrypt parameters n=%d r=%d p=%d", k.N, k.R, k.P)
		}
		return scrypt.Key(password, salt, k.N, k.R, k.P, dkLen)
	case KDFArgon2id:
		if k.Time == 0 || k.Memory == 0 || k.Parallelism == 0 {
			return nil, fmt.Errorf("invalid argon2id parameters")
		}
		return argon2.IDKey(password, salt, k.Time, k.Memory, k.Parallelism, dkLen), nil
	}
	return nil, fmt.Errorf("unsupported kdf: %s", k.Algorithm)
}

func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	}
	return nil, fmt.Errorf("unsupported cipher: %s", name)
}

// computeMAC is keccak256(macKey || ciphertext).
func computeMAC(macKey, ciphertext []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(macKey)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword validates password strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}

// ValidateFilePath rejects empty, non-UTF-8 and traversing relative paths.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	clean := filepath.Clean(path)
	if clean != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}
	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}
	return nil
}
