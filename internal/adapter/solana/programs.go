package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// Well-known program ids.
var (
	SystemProgramID          = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID           = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID       = MustPublicKey("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	AssociatedTokenProgramID = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	ComputeBudgetProgramID   = MustPublicKey("ComputeBudget111111111111111111111111111111")
)

const (
	// TokenAccountSize is the data length of an SPL token account.
	TokenAccountSize = 165

	maxSeeds      = 16
	maxSeedLength = 32
)

// ErrNoViableBump is returned when every bump seed lands on the curve.
var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

// SystemTransfer moves lamports between system accounts.
func SystemTransfer(from, to PublicKey, lamports uint64) Instruction {
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: from, IsSigner: true, IsWritable: true},
			{PublicKey: to, IsWritable: true},
		},
		Data: append(putUint32(2), putUint64(lamports)...),
	}
}

// SetComputeUnitLimit caps the compute units of the transaction.
func SetComputeUnitLimit(units uint32) Instruction {
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: append([]byte{2}, putUint32(units)...)}
}

// SetComputeUnitPrice sets the priority fee in micro-lamports per unit.
func SetComputeUnitPrice(microLamports uint64) Instruction {
	return Instruction{ProgramID: ComputeBudgetProgramID, Data: append([]byte{3}, putUint64(microLamports)...)}
}

// CreateAssociatedTokenAccountIdempotent creates owner's token account for
// mint unless it already exists.
func CreateAssociatedTokenAccountIdempotent(payer, ata, owner, mint, tokenProgram PublicKey) Instruction {
	return Instruction{
		ProgramID: AssociatedTokenProgramID,
		Accounts: []AccountMeta{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: ata, IsWritable: true},
			{PublicKey: owner},
			{PublicKey: mint},
			{PublicKey: SystemProgramID},
			{PublicKey: tokenProgram},
		},
		Data: []byte{1},
	}
}

// TransferChecked moves tokens and asserts the mint's decimals.
func TransferChecked(src, mint, dst, owner PublicKey, amount uint64, decimals uint8, tokenProgram PublicKey) Instruction {
	data := append([]byte{12}, putUint64(amount)...)
	return Instruction{
		ProgramID: tokenProgram,
		Accounts: []AccountMeta{
			{PublicKey: src, IsWritable: true},
			{PublicKey: mint},
			{PublicKey: dst, IsWritable: true},
			{PublicKey: owner, IsSigner: true},
		},
		Data: append(data, decimals),
	}
}

// CreateProgramAddress derives an address from seeds that must lie off the
// ed25519 curve.
func CreateProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, fmt.Errorf("too many seeds: %d", len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return PublicKey{}, fmt.Errorf("seed longer than %d bytes", maxSeedLength)
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte("ProgramDerivedAddress"))

	var pk PublicKey
	copy(pk[:], h.Sum(nil))
	if IsOnCurve(pk[:]) {
		return PublicKey{}, fmt.Errorf("derived address is on the curve")
	}
	return pk, nil
}

// FindProgramAddress searches bumps from 255 down for the first valid PDA.
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

// FindAssociatedTokenAddress returns owner's token account for mint.
func FindAssociatedTokenAddress(owner, mint, tokenProgram PublicKey) (PublicKey, error) {
	pk, _, err := FindProgramAddress([][]byte{owner[:], tokenProgram[:], mint[:]}, AssociatedTokenProgramID)
	return pk, err
}

// IsOnCurve reports whether b decodes to an ed25519 point.
func IsOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
