package keystore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

// Identity names a keystore entry independently of where it lives on disk.
type Identity struct {
	Kind    PayloadKind
	Chain   chain.Code
	Address string
	Path    string
}

// Naming maps identities to file names and back.
type Naming interface {
	Version() int
	Encode(id Identity) (string, error)
	Decode(filename string) (Identity, error)
}

// NamingV1 is the legacy scheme: <kind>_<chain>_<address>.json.
// It carries no derivation path.
type NamingV1 struct{}

func (NamingV1) Version() int { return 1 }

func (NamingV1) Encode(id Identity) (string, error) {
	if _, err := ParsePayloadKind(string(id.Kind)); err != nil {
		return "", errs.New(errs.CodeInvalidFilename, "naming.v1.encode", err)
	}
	if strings.ContainsAny(string(id.Chain), "_/\\") || strings.ContainsAny(id.Address, "/\\") {
		return "", errs.Newf(errs.CodeInvalidFilename, "naming.v1.encode", "identity not representable: %+v", id)
	}
	return fmt.Sprintf("%s_%s_%s.json", id.Kind, id.Chain, id.Address), nil
}

func (NamingV1) Decode(filename string) (Identity, error) {
	const op = "naming.v1.decode"
	base, ok := strings.CutSuffix(filename, ".json")
	if !ok {
		return Identity{}, errs.Newf(errs.CodeInvalidFilename, op, "missing .json suffix: %s", filename)
	}
	// address is last so TON addresses containing '_' survive
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return Identity{}, errs.Newf(errs.CodeInvalidFilename, op, "expected 3 fields: %s", filename)
	}
	kind, err := ParsePayloadKind(parts[0])
	if err != nil {
		return Identity{}, errs.New(errs.CodeInvalidFilename, op, err)
	}
	return Identity{Kind: kind, Chain: chain.Code(parts[1]), Address: parts[2]}, nil
}

const (
	v2Prefix = "v2"
	v2Sep    = "~"
	v2Suffix = ".keystore"
)

// NamingV2 is v2~<kind>~<chain>~<address>~<escaped path>.keystore.
// Decode is the exact inverse of Encode.
type NamingV2 struct{}

func (NamingV2) Version() int { return 2 }

func (NamingV2) Encode(id Identity) (string, error) {
	if _, err := ParsePayloadKind(string(id.Kind)); err != nil {
		return "", errs.New(errs.CodeInvalidFilename, "naming.v2.encode", err)
	}
	for _, f := range []string{string(id.Chain), id.Address} {
		if strings.ContainsAny(f, v2Sep+"/\\") {
			return "", errs.Newf(errs.CodeInvalidFilename, "naming.v2.encode", "field %q not representable", f)
		}
	}
	return strings.Join([]string{
		v2Prefix,
		string(id.Kind),
		string(id.Chain),
		id.Address,
		escapePath(id.Path),
	}, v2Sep) + v2Suffix, nil
}

func (NamingV2) Decode(filename string) (Identity, error) {
	const op = "naming.v2.decode"
	base, ok := strings.CutSuffix(filename, v2Suffix)
	if !ok {
		return Identity{}, errs.Newf(errs.CodeInvalidFilename, op, "missing %s suffix: %s", v2Suffix, filename)
	}
	parts := strings.Split(base, v2Sep)
	if len(parts) != 5 || parts[0] != v2Prefix {
		return Identity{}, errs.Newf(errs.CodeInvalidFilename, op, "malformed name: %s", filename)
	}
	kind, err := ParsePayloadKind(parts[1])
	if err != nil {
		return Identity{}, errs.New(errs.CodeInvalidFilename, op, err)
	}
	path, err := url.QueryUnescape(parts[4])
	if err != nil {
		return Identity{}, errs.New(errs.CodeInvalidFilename, op, err)
	}
	return Identity{Kind: kind, Chain: chain.Code(parts[2]), Address: parts[3], Path: path}, nil
}

// escapePath percent-encodes a path. QueryEscape leaves '~' alone, which is
// the field separator.
func escapePath(p string) string {
	return strings.ReplaceAll(url.QueryEscape(p), v2Sep, "%7E")
}

// NamingByVersion returns the naming scheme for a version number.
func NamingByVersion(v int) (Naming, error) {
	switch v {
	case 1:
		return NamingV1{}, nil
	case 2:
		return NamingV2{}, nil
	}
	return nil, fmt.Errorf("unknown naming version: %d", v)
}
