package solana

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKey is a 32-byte account address.
type PublicKey [32]byte

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid base58 address %q: %w", s, err)
	}
	if len(b) != 32 {
		return pk, fmt.Errorf("address %q decodes to %d bytes", s, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPublicKey parses a constant address.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p PublicKey) String() string { return base58.Encode(p[:]) }

// Hash is a blockhash.
type Hash = PublicKey

// AccountMeta references an account from an instruction.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is an uncompiled program invocation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// MessageHeader counts signers and read-only accounts.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

// NewMessage compiles instructions into a legacy message. The payer is the
// first signer; accounts are ordered writable signers, read-only signers,
// writable non-signers, then read-only non-signers, each in first-use order.
func NewMessage(payer PublicKey, instructions []Instruction, blockhash Hash) (*Message, error) {
	type entry struct {
		key      PublicKey
		signer   bool
		writable bool
	}
	var (
		order []PublicKey
		metas = make(map[PublicKey]*entry)
	)
	add := func(key PublicKey, signer, writable bool) {
		e, ok := metas[key]
		if !ok {
			e = &entry{key: key}
			metas[key] = e
			order = append(order, key)
		}
		e.signer = e.signer || signer
		e.writable = e.writable || writable
	}

	add(payer, true, true)
	for _, ix := range instructions {
		for _, a := range ix.Accounts {
			add(a.PublicKey, a.IsSigner, a.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	var groups [4][]PublicKey
	for _, key := range order {
		e := metas[key]
		switch {
		case e.signer && e.writable:
			groups[0] = append(groups[0], key)
		case e.signer:
			groups[1] = append(groups[1], key)
		case e.writable:
			groups[2] = append(groups[2], key)
		default:
			groups[3] = append(groups[3], key)
		}
	}

	m := &Message{RecentBlockhash: blockhash}
	for _, g := range groups {
		m.AccountKeys = append(m.AccountKeys, g...)
	}
	if len(m.AccountKeys) > 256 {
		return nil, fmt.Errorf("too many accounts: %d", len(m.AccountKeys))
	}
	m.Header = MessageHeader{
		NumRequiredSignatures:       uint8(len(groups[0]) + len(groups[1])),
		NumReadonlySignedAccounts:   uint8(len(groups[1])),
		NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
	}

	index := make(map[PublicKey]uint8, len(m.AccountKeys))
	for i, k := range m.AccountKeys {
		index[k] = uint8(i)
	}
	for _, ix := range instructions {
		ci := CompiledInstruction{ProgramIDIndex: index[ix.ProgramID], Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[a.PublicKey])
		}
		m.Instructions = append(m.Instructions, ci)
	}
	return m, nil
}

// Signers returns the accounts whose signatures the message requires.
func (m *Message) Signers() []PublicKey {
	return m.AccountKeys[:m.Header.NumRequiredSignatures]
}

// SignerIndex returns the signature slot of key, or -1.
func (m *Message) SignerIndex(key PublicKey) int {
	for i, k := range m.Signers() {
		if k == key {
			return i
		}
	}
	return -1
}

// IsWritable reports whether the account at index i is writable.
func (m *Message) IsWritable(i int) bool {
	h := m.Header
	n := len(m.AccountKeys)
	signers := int(h.NumRequiredSignatures)
	if i < signers {
		return i < signers-int(h.NumReadonlySignedAccounts)
	}
	return i < n-int(h.NumReadonlyUnsignedAccounts)
}

// Marshal serializes the message in wire format.
func (m *Message) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)

	writeCompactU16(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])

	writeCompactU16(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		writeCompactU16(&buf, len(ix.Accounts))
		buf.Write(ix.Accounts)
		writeCompactU16(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// UnmarshalMessage parses a legacy message.
func UnmarshalMessage(data []byte) (*Message, error) {
	r := &reader{data: data}
	m := &Message{}
	if r.remaining() > 0 && data[0]&0x80 != 0 {
		return nil, fmt.Errorf("versioned messages are not supported")
	}
	m.Header.NumRequiredSignatures = r.byte()
	m.Header.NumReadonlySignedAccounts = r.byte()
	m.Header.NumReadonlyUnsignedAccounts = r.byte()

	n := r.compactU16()
	for i := 0; i < n && r.err == nil; i++ {
		var k PublicKey
		copy(k[:], r.bytes(32))
		m.AccountKeys = append(m.AccountKeys, k)
	}
	copy(m.RecentBlockhash[:], r.bytes(32))

	n = r.compactU16()
	for i := 0; i < n && r.err == nil; i++ {
		ix := CompiledInstruction{ProgramIDIndex: r.byte()}
		ix.Accounts = append([]uint8(nil), r.bytes(r.compactU16())...)
		ix.Data = append([]byte(nil), r.bytes(r.compactU16())...)
		m.Instructions = append(m.Instructions, ix)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", r.remaining())
	}
	if int(m.Header.NumRequiredSignatures) > len(m.AccountKeys) {
		return nil, fmt.Errorf("header requires %d signers but has %d accounts", m.Header.NumRequiredSignatures, len(m.AccountKeys))
	}
	return m, nil
}

// MarshalTransaction prefixes the message with its signatures.
func MarshalTransaction(sigs [][]byte, message []byte) []byte {
	var buf bytes.Buffer
	writeCompactU16(&buf, len(sigs))
	for _, s := range sigs {
		buf.Write(s)
	}
	buf.Write(message)
	return buf.Bytes()
}

// UnmarshalTransaction splits a wire transaction into signatures and message.
func UnmarshalTransaction(data []byte) ([][]byte, []byte, error) {
	r := &reader{data: data}
	n := r.compactU16()
	sigs := make([][]byte, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		sigs = append(sigs, append([]byte(nil), r.bytes(64)...))
	}
	if r.err != nil {
		return nil, nil, r.err
	}
	return sigs, data[r.pos:], nil
}

func writeCompactU16(buf *bytes.Buffer, n int) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = fmt.Errorf("unexpected end of data at offset %d", r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) compactU16() int {
	var n int
	for shift := 0; shift < 21; shift += 7 {
		b := r.byte()
		n |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return n
		}
	}
	if r.err == nil {
		r.err = fmt.Errorf("compact-u16 overflow at offset %d", r.pos)
	}
	return 0
}

func putUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func putUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
