package wallet

import (
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

// HardenedOffset is the BIP32 hardened child offset (2^31).
const HardenedOffset uint32 = 0x80000000

// maxDepth is the BIP32 depth limit (depth is serialized as one byte).
const maxDepth = 255

// Segment is one level of a derivation path. Index is always below HardenedOffset.
type Segment struct {
	Index    uint32
	Hardened bool
}

// Child returns the BIP32 child number including the hardened offset.
func (s Segment) Child() uint32 {
	if s.Hardened {
		return s.Index + HardenedOffset
	}
	return s.Index
}

// Path is a parsed BIP32 derivation path.
type Path struct {
	Segments []Segment
}

// ParsePath parses "m/44'/60'/0'/0/5". Hardened segments use ' or h.
//
// Indices are signed UI values: a negative index n denotes the hardened child
// n + 2^31, so "-1221" and "2147482427'" are the same segment. Any index at or
// above 2^31 (or below -2^31) fails with errs.ErrIndexOverflow instead of
// silently wrapping.
func ParsePath(s string) (Path, error) {
	const op = "wallet.ParsePath"

	s = strings.TrimSpace(s)
	parts := strings.Split(s, "/")
	if len(parts) == 0 || (parts[0] != "m" && parts[0] != "M") {
		return Path{}, errs.Newf(errs.CodeDerivationPath, op, "path must start with m: %q", s)
	}
	if len(parts)-1 > maxDepth {
		return Path{}, errs.Newf(errs.CodeDerivationPath, op, "path too deep: %d", len(parts)-1)
	}

	segs := make([]Segment, 0, len(parts)-1)
	for _, part := range parts[1:] {
		seg, err := parseSegment(part)
		if err != nil {
			if e, ok := err.(*errs.Error); ok {
				e.Op = op
				return Path{}, e
			}
			return Path{}, err
		}
		segs = append(segs, seg)
	}
	return Path{Segments: segs}, nil
}

func parseSegment(part string) (Segment, error) {
	if part == "" {
		return Segment{}, errs.Newf(errs.CodeDerivationPath, "", "empty path segment")
	}

	hardened := false
	if last := part[len(part)-1]; last == '\'' || last == 'h' || last == 'H' {
		hardened = true
		part = part[:len(part)-1]
	}

	n, err := strconv.ParseInt(part, 10, 64)
	if err != nil {
		return Segment{}, errs.Newf(errs.CodeDerivationPath, "", "invalid path segment %q", part)
	}
	return HardenIndex(n, hardened)
}

// HardenIndex converts a signed UI index into a path segment.
func HardenIndex(n int64, hardened bool) (Segment, error) {
	switch {
	case n < 0:
		if hardened {
			return Segment{}, errs.Newf(errs.CodeDerivationPath, "", "negative index %d cannot be marked hardened", n)
		}
		if n < -int64(HardenedOffset) {
			return Segment{}, errs.Newf(errs.CodeIndexOverflow, "", "index %d below -2^31", n)
		}
		return Segment{Index: uint32(n + int64(HardenedOffset)), Hardened: true}, nil
	case n >= int64(HardenedOffset):
		return Segment{}, errs.Newf(errs.CodeIndexOverflow, "", "index %d overflows hardened offset", n)
	}
	return Segment{Index: uint32(n), Hardened: hardened}, nil
}

// MustParsePath panics on invalid input. For constant paths only.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Children returns the BIP32 child numbers of the path.
func (p Path) Children() []uint32 {
	out := make([]uint32, len(p.Segments))
	for i, s := range p.Segments {
		out[i] = s.Child()
	}
	return out
}

// AllHardened reports whether every segment is hardened (required for ed25519).
func (p Path) AllHardened() bool {
	for _, s := range p.Segments {
		if !s.Hardened {
			return false
		}
	}
	return true
}

// String renders the canonical form with ' for hardened segments.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, s := range p.Segments {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(uint64(s.Index), 10))
		if s.Hardened {
			b.WriteByte('\'')
		}
	}
	return b.String()
}
