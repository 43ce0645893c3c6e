package wallet

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path     string
		want     string
		children []uint32
	}{
		{"m/44'/60'/0'/0/0", "m/44'/60'/0'/0/0", []uint32{0x8000002c, 0x8000003c, 0x80000000, 0, 0}},
		{"m/44h/501h/3h/0h", "m/44'/501'/3'/0'", []uint32{0x8000002c, 0x800001f5, 0x80000003, 0x80000000}},
		{"m", "m", []uint32{}},
		{"m/2147483647", "m/2147483647", []uint32{0x7fffffff}},
		{"m/2147483647'", "m/2147483647'", []uint32{0xffffffff}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := ParsePath(tt.path)
			if err != nil {
				t.Fatalf("ParsePath() error = %v", err)
			}
			if p.String() != tt.want {
				t.Errorf("String() = %s, want %s", p.String(), tt.want)
			}
			got := p.Children()
			if len(got) != len(tt.children) {
				t.Fatalf("Children() = %v, want %v", got, tt.children)
			}
			for i := range got {
				if got[i] != tt.children[i] {
					t.Errorf("Children()[%d] = %#x, want %#x", i, got[i], tt.children[i])
				}
			}
		})
	}
}

func TestParsePathNegativeIndex(t *testing.T) {
	// -1221 + 2^31 = 2147482427
	neg, err := ParsePath("m/44'/60'/0'/0/-1221")
	if err != nil {
		t.Fatalf("ParsePath() error = %v", err)
	}
	pos := MustParsePath("m/44'/60'/0'/0/2147482427'")

	if neg.String() != pos.String() {
		t.Errorf("negative index = %s, want %s", neg.String(), pos.String())
	}

	lowest, err := ParsePath("m/-2147483648")
	if err != nil {
		t.Fatalf("ParsePath(-2^31) error = %v", err)
	}
	if lowest.Children()[0] != HardenedOffset {
		t.Errorf("child = %#x, want %#x", lowest.Children()[0], HardenedOffset)
	}
}

func TestParsePathErrors(t *testing.T) {
	tests := []struct {
		path string
		want error
	}{
		{"", errs.ErrInvalidPath},
		{"44'/60'", errs.ErrInvalidPath},
		{"m/44'//0", errs.ErrInvalidPath},
		{"m/abc", errs.ErrInvalidPath},
		{"m/-5'", errs.ErrInvalidPath},
		{"m/2147483648", errs.ErrIndexOverflow},
		{"m/2147483648'", errs.ErrIndexOverflow},
		{"m/4294967295", errs.ErrIndexOverflow},
		{"m/-2147483649", errs.ErrIndexOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := ParsePath(tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParsePath(%q) error = %v, want %v", tt.path, err, tt.want)
			}
		})
	}
}

func TestAllHardened(t *testing.T) {
	if !MustParsePath("m/44'/501'/0'/0'").AllHardened() {
		t.Error("solana path should be fully hardened")
	}
	if MustParsePath("m/44'/60'/0'/0/0").AllHardened() {
		t.Error("evm path is not fully hardened")
	}
}
