package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed, err := SeedFromMnemonic(testMnemonic, "", "english")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error = %v", err)
	}
	return seed
}

func TestGenerateMnemonic(t *testing.T) {
	for _, bits := range []int{128, 256} {
		mnemonic, err := GenerateMnemonic(bits, "english")
		if err != nil {
			t.Fatalf("GenerateMnemonic(%d) error = %v", bits, err)
		}
		words := len(strings.Fields(mnemonic))
		if want := bits / 32 * 3; words != want {
			t.Errorf("word count = %d, want %d", words, want)
		}
		if !ValidateMnemonic(mnemonic, "english") {
			t.Error("generated mnemonic should be valid")
		}
	}

	if _, err := GenerateMnemonic(128, "klingon"); err == nil {
		t.Error("unknown language should fail")
	}
}

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		mnemonic string
		valid    bool
	}{
		{testMnemonic, true},
		{"fan swamp loop mesh enact tennis priority artefact canal hour skull joy", true},
		{"abandon abandon abandon", false},
		{"", false},
		{"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon", false},
	}

	for _, tc := range tests {
		if got := ValidateMnemonic(tc.mnemonic, ""); got != tc.valid {
			t.Errorf("ValidateMnemonic(%q) = %v, want %v", tc.mnemonic, got, tc.valid)
		}
	}
}

func TestSeedFromMnemonicInvalid(t *testing.T) {
	_, err := SeedFromMnemonic("not a mnemonic", "", "english")
	if errs.CodeOf(err) != errs.CodeInvalidSeed {
		t.Errorf("SeedFromMnemonic() error = %v, want invalid seed", err)
	}
}

func TestDeriveSecp256k1(t *testing.T) {
	seed := testSeed(t)

	kp, err := Derive(seed, chain.Ethereum, chain.Mainnet, "")
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	defer kp.Zero()

	if kp.Path != "m/44'/60'/0'/0/0" {
		t.Errorf("Path = %s, want default", kp.Path)
	}
	if len(kp.Private) != 32 || len(kp.Public) != 33 {
		t.Errorf("key sizes = %d/%d, want 32/33", len(kp.Private), len(kp.Public))
	}
	if kp.Curve != chain.CurveSecp256k1 {
		t.Errorf("Curve = %s", kp.Curve)
	}

	pub, err := kp.ECPubKey()
	if err != nil {
		t.Fatalf("ECPubKey() error = %v", err)
	}
	priv, _ := kp.ECPrivKey()
	if !pub.IsEqual(priv.PubKey()) {
		t.Error("public key does not match private key")
	}
}

func TestDeriveDeterministic(t *testing.T) {
	seed, err := SeedFromMnemonic("fan swamp loop mesh enact tennis priority artefact canal hour skull joy", "123", "english")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error = %v", err)
	}

	for _, tc := range []struct {
		code chain.Code
		path string
	}{
		{chain.Ethereum, "m/44'/60'/0'/0/2147482427'"},
		{chain.Tron, "m/44'/195'/0'/0/2147482427'"},
		{chain.Solana, "m/44'/501'/0'/0'"},
	} {
		a, err := Derive(seed, tc.code, chain.Mainnet, tc.path)
		if err != nil {
			t.Fatalf("Derive(%s) error = %v", tc.code, err)
		}
		b, _ := Derive(seed, tc.code, chain.Mainnet, tc.path)
		if !bytes.Equal(a.Private, b.Private) || !bytes.Equal(a.Public, b.Public) {
			t.Errorf("%s derivation is not deterministic", tc.code)
		}
	}
}

func TestDeriveEd25519(t *testing.T) {
	seed := testSeed(t)

	kp, err := DeriveIndex(seed, chain.Solana, chain.Mainnet, "", 0)
	if err != nil {
		t.Fatalf("DeriveIndex() error = %v", err)
	}
	if kp.Path != "m/44'/501'/0'/0'" {
		t.Errorf("Path = %s", kp.Path)
	}
	priv, err := kp.Ed25519()
	if err != nil {
		t.Fatalf("Ed25519() error = %v", err)
	}
	if !bytes.Equal(priv[32:], kp.Public) {
		t.Error("ed25519 private key should embed the public key")
	}

	if _, err := Derive(seed, chain.Solana, chain.Mainnet, "m/44'/501'/0'/0"); !errors.Is(err, errs.ErrInvalidPath) {
		t.Errorf("non-hardened ed25519 path error = %v, want invalid path", err)
	}
}

func TestDeriveIndexOverflow(t *testing.T) {
	seed := testSeed(t)
	if _, err := DeriveIndex(seed, chain.Tron, chain.Mainnet, "", HardenedOffset); !errors.Is(err, errs.ErrIndexOverflow) {
		t.Errorf("DeriveIndex(2^31) error = %v, want overflow", err)
	}
	if _, err := Derive(seed, chain.Tron, chain.Mainnet, "m/44'/195'/0'/0/4294967295"); !errors.Is(err, errs.ErrIndexOverflow) {
		t.Errorf("Derive(2^32-1) error = %v, want overflow", err)
	}
}

func TestKeyPairZeroAndClone(t *testing.T) {
	kp, err := Derive(testSeed(t), chain.Bitcoin, chain.Mainnet, "")
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}

	clone := kp.Clone()
	backing := kp.Private
	kp.Zero()

	for _, b := range backing {
		if b != 0 {
			t.Fatal("Zero() left private bytes in memory")
		}
	}
	if kp.Private != nil {
		t.Error("Zero() should drop the private slice")
	}
	if len(clone.Private) != 32 || bytes.Equal(clone.Private, make([]byte, 32)) {
		t.Error("Clone() should not alias the original")
	}
	if strings.Contains(clone.String(), fmt.Sprintf("%x", clone.Private)) {
		t.Error("String() must not include private bytes")
	}
}

func TestDeriveUnsupported(t *testing.T) {
	if _, err := Derive(testSeed(t), chain.Code("DOGE"), chain.Mainnet, ""); err == nil {
		t.Error("Derive(DOGE) should fail")
	}
}

func TestECPrivKeyRejectsInvalidScalar(t *testing.T) {
	order := "fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141"
	tests := []struct {
		name string
		priv []byte
	}{
		{"zero", make([]byte, 32)},
		{"group order", mustHex(t, order)},
		{"all ones", bytes.Repeat([]byte{0xff}, 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kp := &KeyPair{Private: tt.priv, Curve: chain.CurveSecp256k1}
			if _, err := kp.ECPrivKey(); err == nil {
				t.Error("ECPrivKey() should reject the scalar")
			}
		})
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString() error = %v", err)
	}
	return b
}

func TestDeriverMatchesDerive(t *testing.T) {
	seed := testSeed(t)
	d := NewDeriver()
	defer d.Reset()

	for _, tc := range []struct {
		code chain.Code
		path string
	}{
		{chain.Bitcoin, "m/84'/0'/0'/0/3"},
		{chain.Ethereum, "m/44'/60'/0'/0/1"},
		{chain.Sui, "m/44'/784'/1'/0'/0'"},
		{chain.Ton, "m/44'/607'/2'"},
	} {
		want, err := Derive(seed, tc.code, chain.Mainnet, tc.path)
		if err != nil {
			t.Fatalf("Derive(%s) error = %v", tc.code, err)
		}
		for i := 0; i < 2; i++ {
			got, err := d.Derive(seed, tc.code, chain.Mainnet, tc.path)
			if err != nil {
				t.Fatalf("Deriver.Derive(%s) error = %v", tc.code, err)
			}
			if !bytes.Equal(got.Private, want.Private) || got.Path != want.Path {
				t.Errorf("Deriver.Derive(%s) pass %d differs from Derive()", tc.code, i)
			}
		}
	}

	if d.Cached() != 1 {
		t.Errorf("Cached() = %d, want 1", d.Cached())
	}
	d.Forget(seed)
	if d.Cached() != 0 {
		t.Errorf("Cached() after Forget = %d, want 0", d.Cached())
	}
}

func TestDeriverConcurrent(t *testing.T) {
	seed := testSeed(t)
	d := NewDeriver()
	defer d.Reset()

	want, err := Derive(seed, chain.Ethereum, chain.Mainnet, "m/44'/60'/0'/0/7")
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}

	var wg sync.WaitGroup
	errc := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kp, err := d.Derive(seed, chain.Ethereum, chain.Mainnet, "m/44'/60'/0'/0/7")
			if err != nil {
				errc <- err
				return
			}
			if !bytes.Equal(kp.Private, want.Private) {
				errc <- fmt.Errorf("key mismatch")
			}
			kp.Zero()
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Errorf("concurrent Derive() error = %v", err)
	}
}
