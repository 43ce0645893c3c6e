package ton

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"

	"github.com/tonkeeper/tongo/boc"
	"github.com/tonkeeper/tongo/tlb"
	"github.com/tonkeeper/tongo/ton"
	tonwallet "github.com/tonkeeper/tongo/wallet"

	"github.com/Klingon-tech/klingvault/internal/address"
)

const (
	// SendModePayFeesSeparately | SendModeIgnoreErrors
	DefaultSendMode = 3

	opSimpleSend = 0
	opComment    = 0

	// text that fits in one cell next to the 32-bit comment op
	maxCommentBytes = 123
)

// Body is the unsigned v4r2 wallet request.
type Body struct {
	SubWallet  uint32
	ValidUntil uint32
	Seqno      uint32
	Mode       uint8
	Message    *boc.Cell
}

// Transfer describes the single internal message a wallet request carries.
type Transfer struct {
	To      ton.AccountID
	Amount  *big.Int
	Bounce  bool
	Comment string
}

// writeGrams stores a VarUInteger 16 coin amount.
func writeGrams(c *boc.Cell, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return c.WriteUint(0, 4)
	}
	b := amount.Bytes()
	if len(b) > 15 {
		return fmt.Errorf("amount %s overflows grams", amount)
	}
	if err := c.WriteUint(uint64(len(b)), 4); err != nil {
		return err
	}
	return c.WriteBytes(b)
}

// writeAddress stores addr_std without anycast.
func writeAddress(c *boc.Cell, id ton.AccountID) error {
	if err := c.WriteUint(0b10, 2); err != nil {
		return err
	}
	if err := c.WriteBit(false); err != nil {
		return err
	}
	if err := c.WriteInt(int64(id.Workchain), 8); err != nil {
		return err
	}
	return c.WriteBytes(id.Address[:])
}

// InternalMessage builds the int_msg_info cell sent by the wallet.
func InternalMessage(t *Transfer) (*boc.Cell, error) {
	c := boc.NewCell()
	steps := []func() error{
		func() error { return c.WriteBit(false) },     // int_msg_info$0
		func() error { return c.WriteBit(true) },      // ihr_disabled
		func() error { return c.WriteBit(t.Bounce) },  // bounce
		func() error { return c.WriteBit(false) },     // bounced
		func() error { return c.WriteUint(0, 2) },     // src addr_none
		func() error { return writeAddress(c, t.To) }, // dest
		func() error { return writeGrams(c, t.Amount) },
		func() error { return c.WriteBit(false) },  // no extra currencies
		func() error { return writeGrams(c, nil) }, // ihr_fee
		func() error { return writeGrams(c, nil) }, // fwd_fee
		func() error { return c.WriteUint(0, 64) }, // created_lt
		func() error { return c.WriteUint(0, 32) }, // created_at
		func() error { return c.WriteBit(false) },  // no init
		func() error { return c.WriteBit(t.Comment != "") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	if t.Comment != "" {
		comment, err := commentCell(t.Comment)
		if err != nil {
			return nil, err
		}
		if err := c.AddRef(comment); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func commentCell(text string) (*boc.Cell, error) {
	if len(text) > maxCommentBytes {
		return nil, fmt.Errorf("comment longer than %d bytes", maxCommentBytes)
	}
	c := boc.NewCell()
	if err := c.WriteUint(opComment, 32); err != nil {
		return nil, err
	}
	if err := c.WriteBytes([]byte(text)); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Body) write(c *boc.Cell) error {
	for _, v := range []struct {
		value uint64
		bits  int
	}{
		{uint64(b.SubWallet), 32},
		{uint64(b.ValidUntil), 32},
		{uint64(b.Seqno), 32},
		{opSimpleSend, 8},
		{uint64(b.Mode), 8},
	} {
		if err := c.WriteUint(v.value, v.bits); err != nil {
			return err
		}
	}
	return c.AddRef(b.Message)
}

// Cell serializes the unsigned request; its hash is what the owner signs.
func (b *Body) Cell() (*boc.Cell, error) {
	c := boc.NewCell()
	if err := b.write(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SignedCell prefixes the request with a 512-bit signature.
func (b *Body) SignedCell(sig []byte) (*boc.Cell, error) {
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	c := boc.NewCell()
	if err := c.WriteBytes(sig); err != nil {
		return nil, err
	}
	if err := b.write(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Hash returns the representation hash signed by the wallet owner.
func (b *Body) Hash() ([]byte, error) {
	c, err := b.Cell()
	if err != nil {
		return nil, err
	}
	return c.Hash()
}

// Marshal encodes the unsigned request as a BOC.
func (b *Body) Marshal() ([]byte, error) {
	c, err := b.Cell()
	if err != nil {
		return nil, err
	}
	return c.ToBoc()
}

// UnmarshalBody decodes a BOC produced by Body.Marshal.
func UnmarshalBody(data []byte) (*Body, error) {
	cells, err := boc.DeserializeBoc(data)
	if err != nil {
		return nil, err
	}
	if len(cells) != 1 {
		return nil, fmt.Errorf("expected one root cell, got %d", len(cells))
	}
	c := cells[0]
	var fields [5]uint64
	for i, bits := range []int{32, 32, 32, 8, 8} {
		if fields[i], err = c.ReadUint(bits); err != nil {
			return nil, err
		}
	}
	if fields[3] != opSimpleSend {
		return nil, fmt.Errorf("unsupported wallet op %d", fields[3])
	}
	msg, err := c.NextRef()
	if err != nil {
		return nil, err
	}
	return &Body{
		SubWallet:  uint32(fields[0]),
		ValidUntil: uint32(fields[1]),
		Seqno:      uint32(fields[2]),
		Mode:       uint8(fields[4]),
		Message:    msg,
	}, nil
}

// StateInit returns the v4r2 StateInit cell and its code and data refs.
func StateInit(pub ed25519.PublicKey, workchain int) (init, code, data *boc.Cell, err error) {
	subWallet := address.TonSubWallet(workchain)
	state, err := tonwallet.GenerateStateInit(pub, tonwallet.V4R2, nil, workchain, &subWallet)
	if err != nil {
		return nil, nil, nil, err
	}
	init = boc.NewCell()
	if err := tlb.Marshal(init, state); err != nil {
		return nil, nil, nil, err
	}
	refs := init.Refs()
	if len(refs) < 2 {
		return nil, nil, nil, errors.New("state init without code and data")
	}
	return init, refs[0], refs[1], nil
}

// ExternalMessage wraps a signed body addressed to the wallet. init is
// attached when the wallet is not deployed yet.
func ExternalMessage(wallet ton.AccountID, body, init *boc.Cell) (*boc.Cell, error) {
	c := boc.NewCell()
	if err := c.WriteUint(0b10, 2); err != nil { // ext_in_msg_info$10
		return nil, err
	}
	if err := c.WriteUint(0, 2); err != nil { // src addr_none
		return nil, err
	}
	if err := writeAddress(c, wallet); err != nil {
		return nil, err
	}
	if err := writeGrams(c, nil); err != nil { // import_fee
		return nil, err
	}
	if init != nil {
		if err := c.WriteBit(true); err != nil {
			return nil, err
		}
		if err := c.WriteBit(true); err != nil { // as ref
			return nil, err
		}
		if err := c.AddRef(init); err != nil {
			return nil, err
		}
	} else if err := c.WriteBit(false); err != nil {
		return nil, err
	}
	if err := c.WriteBit(true); err != nil { // body as ref
		return nil, err
	}
	if err := c.AddRef(body); err != nil {
		return nil, err
	}
	return c, nil
}
