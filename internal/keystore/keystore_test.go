package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

// light parameters keep tests fast
var (
	testScrypt = KDF{Algorithm: KDFScrypt, N: 1 << 10, R: 8, P: 1}
	testArgon  = KDF{Algorithm: KDFArgon2id, Time: 1, Memory: 1024, Parallelism: 1}
)

const testPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestStoreLoadRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		kdf    KDF
		cipher string
	}{
		{"scrypt aes", testScrypt, CipherAESGCM},
		{"argon2id aes", testArgon, CipherAESGCM},
		{"scrypt xchacha", testScrypt, CipherXChaCha20Poly1305},
		{"argon2id xchacha", testArgon, CipherXChaCha20Poly1305},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "wallet", "main.json")
			in := &Payload{Kind: KindPhrase, Data: []byte(testPhrase), Language: "english"}

			if err := storeData("main", in, path, "correct horse", tt.kdf, tt.cipher); err != nil {
				t.Fatalf("StoreData() error = %v", err)
			}

			out, err := LoadData(path, "correct horse")
			if err != nil {
				t.Fatalf("LoadData() error = %v", err)
			}
			if !bytes.Equal(out.Data, []byte(testPhrase)) {
				t.Errorf("Data = %q, want %q", out.Data, testPhrase)
			}
			phrase, err := out.Phrase()
			if err != nil || phrase != testPhrase {
				t.Errorf("Phrase() = %q, %v", phrase, err)
			}
			if out.Name != "main" || out.Language != "english" {
				t.Errorf("metadata = %+v", out)
			}
		})
	}
}

func TestStoreDataDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	seed := bytes.Repeat([]byte{0xab}, 64)

	if err := StoreData("seed", &Payload{Kind: KindSeed, Data: seed}, path, "pw", testScrypt); err != nil {
		t.Fatalf("StoreData() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %o, want 600", info.Mode().Perm())
	}

	raw, _ := os.ReadFile(path)
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if env.Version != 3 || env.Crypto.KDF != KDFScrypt || env.Crypto.Cipher != CipherAESGCM {
		t.Errorf("envelope header = %+v", env)
	}
	if env.Crypto.KDFParams.N != 1<<10 || env.Crypto.KDFParams.DKLen != 64 {
		t.Errorf("kdfparams = %+v", env.Crypto.KDFParams)
	}
	if env.ID == "" || env.Kind != KindSeed {
		t.Errorf("id/kind = %q/%q", env.ID, env.Kind)
	}
	if bytes.Contains(raw, []byte(strings.Repeat("ab", 16))) {
		t.Error("plaintext seed visible in envelope")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, temp file left behind", len(entries))
	}
}

func TestLoadDataWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.json")
	if err := StoreData("k", &Payload{Kind: KindPrivateKey, Data: []byte{1, 2, 3}}, path, "right", testArgon); err != nil {
		t.Fatalf("StoreData() error = %v", err)
	}

	p, err := LoadData(path, "wrong")
	if !errors.Is(err, errs.ErrWrongPassword) {
		t.Fatalf("LoadData() error = %v, want ErrWrongPassword", err)
	}
	if errors.Is(err, errs.ErrCorrupt) {
		t.Error("wrong password must be distinct from corrupt")
	}
	if p != nil {
		t.Error("LoadData() returned partial payload")
	}
}

func TestLoadDataCorrupt(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	if err := StoreData("k", &Payload{Kind: KindSeed, Data: []byte{9, 9}}, good, "pw", testScrypt); err != nil {
		t.Fatalf("StoreData() error = %v", err)
	}
	raw, _ := os.ReadFile(good)

	mutate := func(fn func(*Envelope)) []byte {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		fn(&env)
		out, _ := json.Marshal(env)
		return out
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{garbage")},
		{"truncated", raw[:len(raw)/2]},
		{"bad version", mutate(func(e *Envelope) { e.Version = 2 })},
		{"unknown kdf", mutate(func(e *Envelope) { e.Crypto.KDF = "pbkdf3" })},
		{"unknown cipher", mutate(func(e *Envelope) { e.Crypto.Cipher = "rot13" })},
		{"bad salt hex", mutate(func(e *Envelope) { e.Crypto.KDFParams.Salt = "zz" })},
		{"bad mac hex", mutate(func(e *Envelope) { e.Crypto.MAC = "xyz" })},
		{"scrypt n too large", mutate(func(e *Envelope) { e.Crypto.KDFParams.N = 1 << 30 })},
		{"scrypt r too large", mutate(func(e *Envelope) { e.Crypto.KDFParams.R = 1 << 12 })},
		{"scrypt p too large", mutate(func(e *Envelope) { e.Crypto.KDFParams.P = 1 << 20 })},
		{"argon2 memory too large", mutate(func(e *Envelope) {
			e.Crypto.KDF = KDFArgon2id
			e.Crypto.KDFParams.KDF = KDF{Time: 1, Memory: 1 << 30, Parallelism: 1}
		})},
		{"argon2 time too large", mutate(func(e *Envelope) {
			e.Crypto.KDF = KDFArgon2id
			e.Crypto.KDFParams.KDF = KDF{Time: 1 << 20, Memory: 1024, Parallelism: 1}
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, tt.data, 0600); err != nil {
				t.Fatal(err)
			}
			p, err := LoadData(path, "pw")
			if !errors.Is(err, errs.ErrCorrupt) {
				t.Fatalf("LoadData() error = %v, want ErrCorrupt", err)
			}
			if p != nil {
				t.Error("LoadData() returned partial payload")
			}
		})
	}
}

func TestStoreDataValidation(t *testing.T) {
	dir := t.TempDir()
	if err := StoreData("x", &Payload{Kind: KindSeed, Data: []byte{1}}, filepath.Join(dir, "a.json"), "", testScrypt); err == nil {
		t.Error("empty password should fail")
	}
	if err := StoreData("x", &Payload{Kind: KindSeed}, filepath.Join(dir, "b.json"), "pw", testScrypt); err == nil {
		t.Error("empty payload should fail")
	}
	if err := StoreData("x", &Payload{Kind: "bogus", Data: []byte{1}}, filepath.Join(dir, "c.json"), "pw", testScrypt); err == nil {
		t.Error("unknown kind should fail")
	}
	if err := StoreData("x", &Payload{Kind: KindSeed, Data: []byte{1}}, "a/../../b.json", "pw", testScrypt); err == nil {
		t.Error("traversal path should fail")
	}
	heavy := KDF{Algorithm: KDFArgon2id, Time: 1, Memory: 1 << 20, Parallelism: 1}
	if err := StoreData("x", &Payload{Kind: KindSeed, Data: []byte{1}}, filepath.Join(dir, "d.json"), "pw", heavy); err == nil {
		t.Error("argon2 memory above the limit should fail")
	}
}

func TestKeystoreStoreLoad(t *testing.T) {
	ks := New(t.TempDir(), Options{KDF: testScrypt})
	p := &Payload{
		Kind:    KindDerived,
		Data:    bytes.Repeat([]byte{7}, 32),
		Chain:   chain.Ethereum,
		Network: chain.Mainnet,
		Path:    "m/44'/60'/0'/0/0",
		Address: "0x9858EfFD232B4033E47d90003D41EC34EcaEda94",
	}

	path, err := ks.Store(p, "pw")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	want := filepath.Join(ks.Root(), "ETH", "derived",
		"v2~derived~ETH~0x9858EfFD232B4033E47d90003D41EC34EcaEda94~m%2F44%27%2F60%27%2F0%27%2F0%2F0.keystore")
	if path != want {
		t.Errorf("Store() path = %s, want %s", path, want)
	}

	got, err := ks.Load(p.Identity(), "pw")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Path != p.Path || !bytes.Equal(got.Data, p.Data) {
		t.Errorf("Load() = %+v", got)
	}

	entries, err := ks.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Identity != p.Identity() {
		t.Errorf("List() = %+v", entries)
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		wantErr  bool
	}{
		{"short", true},
		{"alllowercase", true},
		{"Lowercase1", false},
		{"Upper!lower", false},
		{"12345678!", true},
	}
	for _, tt := range tests {
		err := ValidatePassword(tt.password)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePassword(%q) error = %v, wantErr %v", tt.password, err, tt.wantErr)
		}
	}
}
