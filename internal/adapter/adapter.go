// Package adapter defines the chain-neutral contract every chain adapter
// implements, plus the registry, retry and aggregation helpers built on it.
//
// Adapters never keep key material. Sign receives a KeyPair owned by the
// caller and must not retain it after returning.
package adapter

import (
	"context"
	"encoding/base64"
	"math/big"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/helpers"
)

// Adapter builds, signs and broadcasts transactions for one chain.
type Adapter interface {
	Chain() chain.Code
	Network() chain.Network

	// Balance returns the balance of addr. An empty token means the native asset.
	Balance(ctx context.Context, addr, token string) (*Balance, error)

	EstimateFee(ctx context.Context, p *TransferParams) (*FeeSetting, error)
	BuildUnsigned(ctx context.Context, p *TransferParams) (*UnsignedTx, error)
	Sign(tx *UnsignedTx, key *wallet.KeyPair) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) (string, error)

	// QueryTxResult returns nil, nil when the node does not know the hash yet.
	QueryTxResult(ctx context.Context, hash string) (*TxResult, error)
}

// TransferParams describes a value transfer. Amounts are in the smallest unit.
type TransferParams struct {
	From   string
	To     string
	Amount *big.Int
	Token  string // contract, mint or jetton; empty for native

	Memo string
	Data []byte // EVM calldata override

	// BTC: sat/vB. Zero uses the backend estimate.
	FeeRate uint64

	// EVM: zero uses eth_estimateGas.
	GasLimit uint64

	// Solana: micro-lamports per compute unit and CU limit.
	PriorityFee  uint64
	ComputeUnits uint32

	// PublicKey of the sender, needed by chains whose first transfer
	// deploys the wallet (TON).
	PublicKey []byte

	// Fee, when set, skips estimation in BuildUnsigned.
	Fee *FeeSetting
}

// UnsignedTx is a chain-specific payload plus common metadata.
//
// Payload per family: utxo PSBT bytes, evm unsigned typed tx binary,
// tron raw_data protobuf, solana message bytes, sui tx bytes, ton body cell boc.
type UnsignedTx struct {
	Chain   chain.Code
	Network chain.Network
	From    string
	To      string
	Amount  *big.Int
	Token   string
	Fee     *FeeSetting
	Payload []byte
	Meta    map[string]string
}

// Encode returns the payload in base64 for out-of-band exchange.
func (u *UnsignedTx) Encode() string {
	return base64.StdEncoding.EncodeToString(u.Payload)
}

// SetMeta sets a metadata value, allocating the map on first use.
func (u *UnsignedTx) SetMeta(key, value string) {
	if u.Meta == nil {
		u.Meta = make(map[string]string)
	}
	u.Meta[key] = value
}

// SignedTx is a broadcastable transaction.
type SignedTx struct {
	Chain chain.Code
	Hash  string
	Raw   []byte
	From  string
	To    string
	Fee   *FeeSetting
}

// TxStatus is the on-chain outcome of a transaction.
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// TxResult reports status, consumed resources and inclusion height.
type TxResult struct {
	Hash          string
	Status        TxStatus
	BlockHeight   int64
	Confirmations int64
	Fee           *big.Int
	// Resources holds chain units consumed: gas_used, energy_used, net_used, compute_units.
	Resources map[string]int64
	Error     string
}

// Balance is an amount held by an address.
type Balance struct {
	Chain    chain.Code
	Address  string
	Token    string
	Symbol   string
	Decimals uint8
	Amount   *big.Int
}

// Display formats the amount in whole units.
func (b *Balance) Display() string {
	return helpers.FormatBigAmount(b.Amount, b.Decimals)
}

// NativeBalance builds a native-asset balance from chain params.
func NativeBalance(params *chain.Params, addr string, amount *big.Int) *Balance {
	return &Balance{
		Chain:    params.Code,
		Address:  addr,
		Symbol:   params.GetNativeToken(),
		Decimals: params.Decimals,
		Amount:   amount,
	}
}
