package keystore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

// EnvelopeVersion is the only envelope version this package writes and reads.
const EnvelopeVersion = 3

// Envelope is the on-disk encrypted keystore file.
type Envelope struct {
	Version int         `json:"version"`
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Kind    PayloadKind `json:"kind"`
	Crypto  CryptoJSON  `json:"crypto"`
}

// CryptoJSON holds the KDF, cipher and MAC parameters of an envelope.
type CryptoJSON struct {
	KDF          string       `json:"kdf"`
	KDFParams    kdfParams    `json:"kdfparams"`
	Cipher       string       `json:"cipher"`
	CipherParams cipherParams `json:"cipherparams"`
	CipherText   string       `json:"ciphertext"`
	MAC          string       `json:"mac"`
}

type kdfParams struct {
	KDF
	DKLen int    `json:"dklen"`
	Salt  string `json:"salt"`
}

type cipherParams struct {
	Nonce string `json:"nonce"`
}

// Seal encrypts plaintext under password and returns the envelope.
func Seal(name string, kind PayloadKind, plaintext []byte, password string, kdf KDF, cipherName string) (*Envelope, error) {
	if cipherName == "" {
		cipherName = CipherAESGCM
	}

	if err := kdf.checkBounds(); err != nil {
		return nil, err
	}

	salt, err := randomBytes(saltLen)
	if err != nil {
		return nil, err
	}

	dk, err := kdf.deriveKey([]byte(password), salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer SecureClear(dk)

	aead, err := newAEAD(cipherName, dk[:32])
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &Envelope{
		Version: EnvelopeVersion,
		ID:      uuid.New().String(),
		Name:    name,
		Kind:    kind,
		Crypto: CryptoJSON{
			KDF:          kdf.Algorithm,
			KDFParams:    kdfParams{KDF: kdf, DKLen: dkLen, Salt: hex.EncodeToString(salt)},
			Cipher:       cipherName,
			CipherParams: cipherParams{Nonce: hex.EncodeToString(nonce)},
			CipherText:   hex.EncodeToString(ciphertext),
			MAC:          hex.EncodeToString(computeMAC(dk[32:dkLen], ciphertext)),
		},
	}, nil
}

// Open verifies the MAC and decrypts the envelope.
// A MAC mismatch is reported as errs.ErrWrongPassword, any structural
// problem as errs.ErrCorrupt.
func (e *Envelope) Open(password string) ([]byte, error) {
	const op = "keystore.open"

	if e.Version != EnvelopeVersion {
		return nil, errs.Newf(errs.CodeCorruptFile, op, "unsupported envelope version %d", e.Version)
	}

	salt, err := hex.DecodeString(e.Crypto.KDFParams.Salt)
	if err != nil || len(salt) == 0 {
		return nil, errs.Newf(errs.CodeCorruptFile, op, "invalid salt")
	}
	nonce, err := hex.DecodeString(e.Crypto.CipherParams.Nonce)
	if err != nil {
		return nil, errs.Newf(errs.CodeCorruptFile, op, "invalid nonce")
	}
	ciphertext, err := hex.DecodeString(e.Crypto.CipherText)
	if err != nil {
		return nil, errs.Newf(errs.CodeCorruptFile, op, "invalid ciphertext")
	}
	mac, err := hex.DecodeString(e.Crypto.MAC)
	if err != nil || len(mac) != 32 {
		return nil, errs.Newf(errs.CodeCorruptFile, op, "invalid mac")
	}
	if e.Crypto.KDFParams.DKLen != dkLen {
		return nil, errs.Newf(errs.CodeCorruptFile, op, "unsupported dklen %d", e.Crypto.KDFParams.DKLen)
	}

	kdf := e.Crypto.KDFParams.KDF
	kdf.Algorithm = e.Crypto.KDF
	if err := kdf.checkBounds(); err != nil {
		return nil, errs.New(errs.CodeCorruptFile, op, err)
	}
	dk, err := kdf.deriveKey([]byte(password), salt)
	if err != nil {
		return nil, errs.New(errs.CodeCorruptFile, op, err)
	}
	defer SecureClear(dk)

	if !ConstantTimeCompare(computeMAC(dk[32:dkLen], ciphertext), mac) {
		return nil, errs.New(errs.CodeWrongPassword, op, nil)
	}

	aead, err := newAEAD(e.Crypto.Cipher, dk[:32])
	if err != nil {
		return nil, errs.New(errs.CodeCorruptFile, op, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errs.Newf(errs.CodeCorruptFile, op, "nonce length %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.New(errs.CodeCorruptFile, op, err)
	}
	return plaintext, nil
}

// ParseEnvelope decodes envelope JSON.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New(errs.CodeCorruptFile, "keystore.parse", err)
	}
	return &env, nil
}
