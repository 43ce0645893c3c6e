package tron

import (
	"crypto/sha256"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

// Contract types used by the wallet.
const (
	TransferContractType                = 1
	TriggerSmartContractType            = 31
	AccountPermissionUpdateContractType = 46
)

const typeURLPrefix = "type.googleapis.com/protocol."

var contractNames = map[int32]string{
	TransferContractType:                "TransferContract",
	TriggerSmartContractType:            "TriggerSmartContract",
	AccountPermissionUpdateContractType: "AccountPermissionUpdateContract",
}

// Contract is one entry of raw_data.contract.
type Contract struct {
	Type         int32
	TypeURL      string
	Value        []byte // serialized parameter message
	Provider     []byte
	ContractName []byte
	PermissionID int32

	unknown []byte
}

// RawData is the signed part of a TRON transaction. Fields the wallet does
// not model are kept verbatim so a decode/encode round trip is lossless.
type RawData struct {
	RefBlockBytes []byte
	RefBlockNum   int64
	RefBlockHash  []byte
	Expiration    int64 // unix millis
	Auths         [][]byte
	Data          []byte
	Contracts     []*Contract
	Scripts       []byte
	Timestamp     int64 // unix millis
	FeeLimit      int64 // sun

	unknown []byte
}

// NewContract wraps a serialized parameter message.
func NewContract(contractType int32, value []byte) *Contract {
	return &Contract{Type: contractType, TypeURL: typeURLPrefix + contractNames[contractType], Value: value}
}

// Marshal encodes the raw data in field-number order.
func (r *RawData) Marshal() []byte {
	var b []byte
	if len(r.RefBlockBytes) > 0 {
		b = appendBytes(b, 1, r.RefBlockBytes)
	}
	if r.RefBlockNum != 0 {
		b = appendVarint(b, 3, uint64(r.RefBlockNum))
	}
	if len(r.RefBlockHash) > 0 {
		b = appendBytes(b, 4, r.RefBlockHash)
	}
	if r.Expiration != 0 {
		b = appendVarint(b, 8, uint64(r.Expiration))
	}
	for _, a := range r.Auths {
		b = appendBytes(b, 9, a)
	}
	if len(r.Data) > 0 {
		b = appendBytes(b, 10, r.Data)
	}
	for _, c := range r.Contracts {
		b = appendBytes(b, 11, c.Marshal())
	}
	if len(r.Scripts) > 0 {
		b = appendBytes(b, 12, r.Scripts)
	}
	if r.Timestamp != 0 {
		b = appendVarint(b, 14, uint64(r.Timestamp))
	}
	if r.FeeLimit != 0 {
		b = appendVarint(b, 18, uint64(r.FeeLimit))
	}
	return append(b, r.unknown...)
}

// UnmarshalRawData decodes raw_data bytes.
func UnmarshalRawData(data []byte) (*RawData, error) {
	r := &RawData{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, bs []byte, field []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			r.RefBlockBytes = clone(bs)
		case num == 3 && typ == protowire.VarintType:
			r.RefBlockNum = int64(v)
		case num == 4 && typ == protowire.BytesType:
			r.RefBlockHash = clone(bs)
		case num == 8 && typ == protowire.VarintType:
			r.Expiration = int64(v)
		case num == 9 && typ == protowire.BytesType:
			r.Auths = append(r.Auths, clone(bs))
		case num == 10 && typ == protowire.BytesType:
			r.Data = clone(bs)
		case num == 11 && typ == protowire.BytesType:
			c, err := unmarshalContract(bs)
			if err != nil {
				return err
			}
			r.Contracts = append(r.Contracts, c)
		case num == 12 && typ == protowire.BytesType:
			r.Scripts = clone(bs)
		case num == 14 && typ == protowire.VarintType:
			r.Timestamp = int64(v)
		case num == 18 && typ == protowire.VarintType:
			r.FeeLimit = int64(v)
		default:
			r.unknown = append(r.unknown, field...)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "tron.raw_data", err)
	}
	return r, nil
}

// Marshal encodes the contract with its Any-wrapped parameter.
func (c *Contract) Marshal() []byte {
	var b []byte
	if c.Type != 0 {
		b = appendVarint(b, 1, uint64(c.Type))
	}
	var anyMsg []byte
	anyMsg = appendString(anyMsg, 1, c.TypeURL)
	if len(c.Value) > 0 {
		anyMsg = appendBytes(anyMsg, 2, c.Value)
	}
	b = appendBytes(b, 2, anyMsg)
	if len(c.Provider) > 0 {
		b = appendBytes(b, 3, c.Provider)
	}
	if len(c.ContractName) > 0 {
		b = appendBytes(b, 4, c.ContractName)
	}
	if c.PermissionID != 0 {
		b = appendVarint(b, 5, uint64(c.PermissionID))
	}
	return append(b, c.unknown...)
}

func unmarshalContract(data []byte) (*Contract, error) {
	c := &Contract{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, bs []byte, field []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			c.Type = int32(v)
		case num == 2 && typ == protowire.BytesType:
			return walk(bs, func(n protowire.Number, t protowire.Type, _ uint64, val []byte, _ []byte) error {
				switch {
				case n == 1 && t == protowire.BytesType:
					c.TypeURL = string(val)
				case n == 2 && t == protowire.BytesType:
					c.Value = clone(val)
				}
				return nil
			})
		case num == 3 && typ == protowire.BytesType:
			c.Provider = clone(bs)
		case num == 4 && typ == protowire.BytesType:
			c.ContractName = clone(bs)
		case num == 5 && typ == protowire.VarintType:
			c.PermissionID = int32(v)
		default:
			c.unknown = append(c.unknown, field...)
		}
		return nil
	})
	return c, err
}

// TxID returns sha256(raw_data), the transaction id and signing digest.
func TxID(raw []byte) [32]byte {
	return sha256.Sum256(raw)
}

// ExtendExpiration decodes raw, moves its expiration forward by d and
// returns the re-encoded bytes with the new transaction id.
func ExtendExpiration(raw []byte, d time.Duration) ([]byte, [32]byte, error) {
	r, err := UnmarshalRawData(raw)
	if err != nil {
		return nil, [32]byte{}, err
	}
	r.Expiration += d.Milliseconds()
	out := r.Marshal()
	return out, TxID(out), nil
}

// MarshalTransfer encodes TransferContract{owner_address, to_address, amount}.
func MarshalTransfer(owner, to []byte, amount int64) []byte {
	var b []byte
	b = appendBytes(b, 1, owner)
	b = appendBytes(b, 2, to)
	return appendVarint(b, 3, uint64(amount))
}

// MarshalTrigger encodes TriggerSmartContract{owner_address, contract_address, call_value, data}.
func MarshalTrigger(owner, contract []byte, callValue int64, data []byte) []byte {
	var b []byte
	b = appendBytes(b, 1, owner)
	b = appendBytes(b, 2, contract)
	if callValue != 0 {
		b = appendVarint(b, 3, uint64(callValue))
	}
	return appendBytes(b, 4, data)
}

// PermissionKey is a weighted key of a permission.
type PermissionKey struct {
	Address []byte
	Weight  int64
}

// Permission types.
const (
	PermissionOwner  = 0
	PermissionActive = 2
)

// Permission is an owner or active permission of an account.
type Permission struct {
	Type       int32
	ID         int32
	Name       string
	Threshold  int64
	ParentID   int32
	Operations []byte // 32-byte bitmap, active permissions only
	Keys       []PermissionKey
}

func (p *Permission) marshal() []byte {
	var b []byte
	if p.Type != 0 {
		b = appendVarint(b, 1, uint64(p.Type))
	}
	if p.ID != 0 {
		b = appendVarint(b, 2, uint64(p.ID))
	}
	if p.Name != "" {
		b = appendString(b, 3, p.Name)
	}
	if p.Threshold != 0 {
		b = appendVarint(b, 4, uint64(p.Threshold))
	}
	if p.ParentID != 0 {
		b = appendVarint(b, 5, uint64(p.ParentID))
	}
	if len(p.Operations) > 0 {
		b = appendBytes(b, 6, p.Operations)
	}
	for _, k := range p.Keys {
		var kb []byte
		kb = appendBytes(kb, 1, k.Address)
		kb = appendVarint(kb, 2, uint64(k.Weight))
		b = appendBytes(b, 7, kb)
	}
	return b
}

// MarshalPermissionUpdate encodes AccountPermissionUpdateContract.
func MarshalPermissionUpdate(owner []byte, ownerPerm *Permission, actives []*Permission) []byte {
	var b []byte
	b = appendBytes(b, 1, owner)
	if ownerPerm != nil {
		b = appendBytes(b, 2, ownerPerm.marshal())
	}
	for _, a := range actives {
		b = appendBytes(b, 4, a.marshal())
	}
	return b
}

// MarshalTransaction encodes Transaction{raw_data, signature...}.
func MarshalTransaction(raw []byte, sigs [][]byte) []byte {
	b := appendBytes(nil, 1, raw)
	for _, s := range sigs {
		b = appendBytes(b, 2, s)
	}
	return b
}

// UnmarshalTransaction splits a Transaction into raw_data and signatures.
func UnmarshalTransaction(data []byte) ([]byte, [][]byte, error) {
	var (
		raw  []byte
		sigs [][]byte
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, _ uint64, bs []byte, _ []byte) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			raw = clone(bs)
		case 2:
			sigs = append(sigs, clone(bs))
		}
		return nil
	})
	if err != nil {
		return nil, nil, errs.Parse(errs.CodeInvalidPayload, "tron.transaction", err)
	}
	return raw, sigs, nil
}

type fieldFunc func(num protowire.Number, typ protowire.Type, v uint64, bs []byte, field []byte) error

// walk iterates over the top-level fields of a message. field is the full
// encoded field including its tag.
func walk(data []byte, fn fieldFunc) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		m := protowire.ConsumeFieldValue(num, typ, data[n:])
		if m < 0 {
			return protowire.ParseError(m)
		}
		field := data[:n+m]
		value := data[n : n+m]

		var (
			v  uint64
			bs []byte
		)
		switch typ {
		case protowire.VarintType:
			v, _ = protowire.ConsumeVarint(value)
		case protowire.BytesType:
			bs, _ = protowire.ConsumeBytes(value)
		case protowire.StartGroupType, protowire.EndGroupType:
			return fmt.Errorf("unexpected group field %d", num)
		}
		if err := fn(num, typ, v, bs, field); err != nil {
			return err
		}
		data = data[n+m:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
