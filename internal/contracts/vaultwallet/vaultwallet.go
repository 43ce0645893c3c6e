// Package vaultwallet provides Go bindings for the weighted multisig wallet
// contract and the CREATE2 factory that deploys it.
package vaultwallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// FactoryMetaData contains the ABI of the wallet factory.
var FactoryMetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"createMultisig","stateMutability":"nonpayable","inputs":[{"name":"owners","type":"address[]"},{"name":"weights","type":"uint256[]"},{"name":"threshold","type":"uint256"},{"name":"salt","type":"bytes32"}],"outputs":[{"name":"wallet","type":"address"}]},
	{"type":"function","name":"computeAddress","stateMutability":"view","inputs":[{"name":"owners","type":"address[]"},{"name":"weights","type":"uint256[]"},{"name":"threshold","type":"uint256"},{"name":"salt","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"walletInitCodeHash","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"event","name":"MultisigCreated","anonymous":false,"inputs":[{"name":"wallet","type":"address","indexed":true},{"name":"threshold","type":"uint256","indexed":false},{"name":"salt","type":"bytes32","indexed":false}]}
]`,
}

// WalletMetaData contains the ABI of a deployed wallet.
var WalletMetaData = &bind.MetaData{
	ABI: `[
	{"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"threshold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"weightOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"},{"name":"signatures","type":"bytes[]"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"event","name":"Executed","anonymous":false,"inputs":[{"name":"nonce","type":"uint256","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`,
}

var (
	factoryABI = mustABI(FactoryMetaData)
	walletABI  = mustABI(WalletMetaData)
)

func mustABI(m *bind.MetaData) *abi.ABI {
	parsed, err := m.GetAbi()
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	addressesT, _ = abi.NewType("address[]", "", nil)
	uintsT, _     = abi.NewType("uint256[]", "", nil)
	uintT, _      = abi.NewType("uint256", "", nil)
	addressT, _   = abi.NewType("address", "", nil)
	bytes32T, _   = abi.NewType("bytes32", "", nil)
	bytesT, _     = abi.NewType("bytes", "", nil)
)

// Config is the owner set passed to createMultisig.
type Config struct {
	Owners    []common.Address
	Weights   []*big.Int
	Threshold *big.Int
	Salt      [32]byte
}

// Validate checks that owners and weights line up.
func (c *Config) Validate() error {
	if len(c.Owners) == 0 || len(c.Owners) != len(c.Weights) {
		return fmt.Errorf("%d owners with %d weights", len(c.Owners), len(c.Weights))
	}
	if c.Threshold == nil || c.Threshold.Sign() <= 0 {
		return errors.New("threshold must be positive")
	}
	return nil
}

// Create2Salt is the salt the factory passes to CREATE2:
// keccak256(abi.encode(owners, weights, threshold, salt)).
func (c *Config) Create2Salt() ([32]byte, error) {
	args := abi.Arguments{{Type: addressesT}, {Type: uintsT}, {Type: uintT}, {Type: bytes32T}}
	enc, err := args.Pack(c.Owners, c.Weights, c.Threshold, c.Salt)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to encode wallet config: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// ComputeAddress returns the CREATE2 address of the wallet the factory
// deploys for c.
func ComputeAddress(factory common.Address, initCodeHash common.Hash, c *Config) (common.Address, error) {
	if err := c.Validate(); err != nil {
		return common.Address{}, err
	}
	salt, err := c.Create2Salt()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes()), nil
}

// PackCreateMultisig returns calldata for createMultisig.
func PackCreateMultisig(c *Config) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return factoryABI.Pack("createMultisig", c.Owners, c.Weights, c.Threshold, c.Salt)
}

// Call is a wallet call awaiting owner signatures.
type Call struct {
	ChainID *big.Int
	Wallet  common.Address
	Nonce   *big.Int
	To      common.Address
	Value   *big.Int
	Data    []byte
}

var callArgs = abi.Arguments{
	{Name: "chainId", Type: uintT},
	{Name: "wallet", Type: addressT},
	{Name: "nonce", Type: uintT},
	{Name: "to", Type: addressT},
	{Name: "value", Type: uintT},
	{Name: "data", Type: bytesT},
}

// Encode serializes the call; the encoding is the multisig payload.
func (c *Call) Encode() ([]byte, error) {
	data := c.Data
	if data == nil {
		data = []byte{}
	}
	return callArgs.Pack(c.ChainID, c.Wallet, c.Nonce, c.To, c.Value, data)
}

// DecodeCall parses a payload produced by Encode.
func DecodeCall(b []byte) (*Call, error) {
	vals, err := callArgs.Unpack(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wallet call: %w", err)
	}
	if len(vals) != len(callArgs) {
		return nil, fmt.Errorf("wallet call has %d fields", len(vals))
	}
	c := &Call{}
	var ok [6]bool
	c.ChainID, ok[0] = vals[0].(*big.Int)
	c.Wallet, ok[1] = vals[1].(common.Address)
	c.Nonce, ok[2] = vals[2].(*big.Int)
	c.To, ok[3] = vals[3].(common.Address)
	c.Value, ok[4] = vals[4].(*big.Int)
	c.Data, ok[5] = vals[5].([]byte)
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("wallet call field %s has type %T", callArgs[i].Name, vals[i])
		}
	}
	return c, nil
}

// Digest is keccak256(abi.encode(chainId, wallet, nonce, to, value, keccak256(data))).
func (c *Call) Digest() (common.Hash, error) {
	args := abi.Arguments{{Type: uintT}, {Type: addressT}, {Type: uintT}, {Type: addressT}, {Type: uintT}, {Type: bytes32T}}
	enc, err := args.Pack(c.ChainID, c.Wallet, c.Nonce, c.To, c.Value, crypto.Keccak256Hash(c.Data))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode digest: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// SigningHash is the EIP-191 personal message hash of the digest.
func (c *Call) SigningHash() ([]byte, error) {
	d, err := c.Digest()
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(d.Bytes()), nil
}

// PackExecute returns calldata for execute with signatures already ordered
// by ascending signer address.
func PackExecute(c *Call, sigs [][]byte) ([]byte, error) {
	data := c.Data
	if data == nil {
		data = []byte{}
	}
	return walletABI.Pack("execute", c.To, c.Value, data, sigs)
}

// Caller is the read side of an RPC client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func call(ctx context.Context, c Caller, parsed *abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}

// WalletInitCodeHash reads the init code hash from the factory.
func WalletInitCodeHash(ctx context.Context, c Caller, factory common.Address) (common.Hash, error) {
	out, err := call(ctx, c, factoryABI, factory, "walletInitCodeHash")
	if err != nil {
		return common.Hash{}, err
	}
	h, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected walletInitCodeHash type %T", out[0])
	}
	return h, nil
}

// Nonce reads the next execution nonce of a wallet.
func Nonce(ctx context.Context, c Caller, wallet common.Address) (*big.Int, error) {
	out, err := call(ctx, c, walletABI, wallet, "nonce")
	if err != nil {
		return nil, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce type %T", out[0])
	}
	return n, nil
}
