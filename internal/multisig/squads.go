package multisig

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingvault/internal/adapter/solana"
)

// SquadsProgramID is the Squads v4 program on mainnet and devnet.
const SquadsProgramID = "SQDS4ep65T869zMMBKyuUq6SqTBiezsXUtsMzmfFEPf"

// Squads v4 member permission bits.
const (
	PermissionInitiate = 1 << 0
	PermissionVote     = 1 << 1
	PermissionExecute  = 1 << 2
	PermissionAll      = PermissionInitiate | PermissionVote | PermissionExecute
)

// Account layouts read from chain.
const (
	programConfigTreasuryOffset = 48
	multisigTxIndexOffset       = 78
)

var (
	seedPrefix        = []byte("multisig")
	seedMultisig      = []byte("multisig")
	seedVault         = []byte("vault")
	seedTransaction   = []byte("transaction")
	seedProposal      = []byte("proposal")
	seedProgramConfig = []byte("program_config")
)

// discriminator is the Anchor instruction selector sha256("global:<name>")[:8].
func discriminator(name string) []byte {
	h := sha256.Sum256([]byte("global:" + name))
	return h[:8]
}

// Squads derives the program addresses of one deployment of the program.
type Squads struct {
	Program solana.PublicKey
}

// ProgramConfig returns the global config PDA that stores the treasury.
func (s Squads) ProgramConfig() (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedPrefix, seedProgramConfig}, s.Program)
	return pk, err
}

// Multisig returns the multisig PDA of createKey.
func (s Squads) Multisig(createKey solana.PublicKey) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedPrefix, seedMultisig, createKey[:]}, s.Program)
	return pk, err
}

// Vault returns the vault PDA that holds the multisig's funds.
func (s Squads) Vault(ms solana.PublicKey, index uint8) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedPrefix, ms[:], seedVault, {index}}, s.Program)
	return pk, err
}

// Transaction returns the vault transaction PDA at index.
func (s Squads) Transaction(ms solana.PublicKey, index uint64) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedPrefix, ms[:], seedTransaction, le64(index)}, s.Program)
	return pk, err
}

// Proposal returns the proposal PDA of the transaction at index.
func (s Squads) Proposal(ms solana.PublicKey, index uint64) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress([][]byte{seedPrefix, ms[:], seedTransaction, le64(index), seedProposal}, s.Program)
	return pk, err
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// borsh appends Borsh encoded values.
type borsh struct {
	bytes.Buffer
}

func (b *borsh) u8(v uint8) { b.WriteByte(v) }

func (b *borsh) u16(v uint16) { _ = binary.Write(b, binary.LittleEndian, v) }

func (b *borsh) u32(v uint32) { _ = binary.Write(b, binary.LittleEndian, v) }

func (b *borsh) u64(v uint64) { _ = binary.Write(b, binary.LittleEndian, v) }

func (b *borsh) boolean(v bool) {
	if v {
		b.u8(1)
		return
	}
	b.u8(0)
}

func (b *borsh) pubkey(k solana.PublicKey) { b.Write(k[:]) }

func (b *borsh) vec(v []byte) {
	b.u32(uint32(len(v)))
	b.Write(v)
}

func (b *borsh) optString(s string) {
	if s == "" {
		b.u8(0)
		return
	}
	b.u8(1)
	b.vec([]byte(s))
}

// SquadsMember is a multisig member and its permission mask.
type SquadsMember struct {
	Key  solana.PublicKey
	Mask uint8
}

// MultisigCreateV2 creates the multisig PDA of createKey with members sorted
// by key, no config authority and no time lock.
func (s Squads) MultisigCreateV2(treasury, createKey, creator solana.PublicKey, threshold uint16, members []SquadsMember, memo string) (solana.Instruction, error) {
	ms, err := s.Multisig(createKey)
	if err != nil {
		return solana.Instruction{}, err
	}
	cfg, err := s.ProgramConfig()
	if err != nil {
		return solana.Instruction{}, err
	}

	sorted := append([]SquadsMember(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Key[:], sorted[j].Key[:]) < 0 })

	var data borsh
	data.Write(discriminator("multisig_create_v2"))
	data.u8(0) // config_authority: None
	data.u16(threshold)
	data.u32(uint32(len(sorted)))
	for _, m := range sorted {
		data.pubkey(m.Key)
		data.u8(m.Mask)
	}
	data.u32(0) // time_lock
	data.u8(0)  // rent_collector: None
	data.optString(memo)

	return solana.Instruction{
		ProgramID: s.Program,
		Accounts: []solana.AccountMeta{
			{PublicKey: cfg},
			{PublicKey: treasury, IsWritable: true},
			{PublicKey: ms, IsWritable: true},
			{PublicKey: createKey, IsSigner: true},
			{PublicKey: creator, IsSigner: true, IsWritable: true},
			{PublicKey: solana.SystemProgramID},
		},
		Data: data.Bytes(),
	}, nil
}

// VaultTransactionCreate stores message as the vault transaction at index.
func (s Squads) VaultTransactionCreate(ms, creator solana.PublicKey, index uint64, vaultIndex uint8, message []byte, memo string) (solana.Instruction, error) {
	tx, err := s.Transaction(ms, index)
	if err != nil {
		return solana.Instruction{}, err
	}
	var data borsh
	data.Write(discriminator("vault_transaction_create"))
	data.u8(vaultIndex)
	data.u8(0) // ephemeral_signers
	data.vec(message)
	data.optString(memo)

	return solana.Instruction{
		ProgramID: s.Program,
		Accounts: []solana.AccountMeta{
			{PublicKey: ms, IsWritable: true},
			{PublicKey: tx, IsWritable: true},
			{PublicKey: creator, IsSigner: true},
			{PublicKey: creator, IsSigner: true, IsWritable: true},
			{PublicKey: solana.SystemProgramID},
		},
		Data: data.Bytes(),
	}, nil
}

// ProposalCreate opens an active proposal for the transaction at index.
func (s Squads) ProposalCreate(ms, creator solana.PublicKey, index uint64) (solana.Instruction, error) {
	proposal, err := s.Proposal(ms, index)
	if err != nil {
		return solana.Instruction{}, err
	}
	var data borsh
	data.Write(discriminator("proposal_create"))
	data.u64(index)
	data.boolean(false) // draft

	return solana.Instruction{
		ProgramID: s.Program,
		Accounts: []solana.AccountMeta{
			{PublicKey: ms},
			{PublicKey: proposal, IsWritable: true},
			{PublicKey: creator, IsSigner: true},
			{PublicKey: creator, IsSigner: true, IsWritable: true},
			{PublicKey: solana.SystemProgramID},
		},
		Data: data.Bytes(),
	}, nil
}

// ProposalApprove records member's approval.
func (s Squads) ProposalApprove(ms, member solana.PublicKey, index uint64) (solana.Instruction, error) {
	proposal, err := s.Proposal(ms, index)
	if err != nil {
		return solana.Instruction{}, err
	}
	var data borsh
	data.Write(discriminator("proposal_approve"))
	data.optString("")

	return solana.Instruction{
		ProgramID: s.Program,
		Accounts: []solana.AccountMeta{
			{PublicKey: ms},
			{PublicKey: member, IsSigner: true, IsWritable: true},
			{PublicKey: proposal, IsWritable: true},
		},
		Data: data.Bytes(),
	}, nil
}

// VaultTransactionExecute runs the approved transaction. inner is the
// compiled vault message; its keys are passed as remaining accounts.
func (s Squads) VaultTransactionExecute(ms, member solana.PublicKey, index uint64, inner *solana.Message) (solana.Instruction, error) {
	proposal, err := s.Proposal(ms, index)
	if err != nil {
		return solana.Instruction{}, err
	}
	tx, err := s.Transaction(ms, index)
	if err != nil {
		return solana.Instruction{}, err
	}
	accounts := []solana.AccountMeta{
		{PublicKey: ms},
		{PublicKey: proposal, IsWritable: true},
		{PublicKey: tx},
		{PublicKey: member, IsSigner: true},
	}
	for i, k := range inner.AccountKeys {
		accounts = append(accounts, solana.AccountMeta{PublicKey: k, IsWritable: inner.IsWritable(i)})
	}
	return solana.Instruction{
		ProgramID: s.Program,
		Accounts:  accounts,
		Data:      discriminator("vault_transaction_execute"),
	}, nil
}

// VaultMessage compiles instructions paid by vault and encodes them as a
// Squads TransactionMessage.
func VaultMessage(vault solana.PublicKey, instructions []solana.Instruction) (*solana.Message, []byte, error) {
	m, err := solana.NewMessage(vault, instructions, solana.Hash{})
	if err != nil {
		return nil, nil, err
	}
	h := m.Header
	signers := int(h.NumRequiredSignatures)
	nonSigners := len(m.AccountKeys) - signers

	var b bytes.Buffer
	b.WriteByte(h.NumRequiredSignatures)
	b.WriteByte(h.NumRequiredSignatures - h.NumReadonlySignedAccounts)
	b.WriteByte(uint8(nonSigners - int(h.NumReadonlyUnsignedAccounts)))

	b.WriteByte(uint8(len(m.AccountKeys)))
	for _, k := range m.AccountKeys {
		b.Write(k[:])
	}
	if len(m.Instructions) > 255 {
		return nil, nil, fmt.Errorf("too many instructions: %d", len(m.Instructions))
	}
	b.WriteByte(uint8(len(m.Instructions)))
	for _, ix := range m.Instructions {
		if len(ix.Accounts) > 255 || len(ix.Data) > 0xffff {
			return nil, nil, fmt.Errorf("instruction too large")
		}
		b.WriteByte(ix.ProgramIDIndex)
		b.WriteByte(uint8(len(ix.Accounts)))
		b.Write(ix.Accounts)
		_ = binary.Write(&b, binary.LittleEndian, uint16(len(ix.Data)))
		b.Write(ix.Data)
	}
	b.WriteByte(0) // address_table_lookups
	return m, b.Bytes(), nil
}

// readTreasury returns the treasury stored in the program config account.
func readTreasury(data []byte) (solana.PublicKey, error) {
	var pk solana.PublicKey
	if len(data) < programConfigTreasuryOffset+32 {
		return pk, fmt.Errorf("program config is %d bytes", len(data))
	}
	copy(pk[:], data[programConfigTreasuryOffset:])
	return pk, nil
}

// readTransactionIndex returns the index of the last vault transaction.
func readTransactionIndex(data []byte) (uint64, error) {
	if len(data) < multisigTxIndexOffset+8 {
		return 0, fmt.Errorf("multisig account is %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data[multisigTxIndexOffset:]), nil
}
