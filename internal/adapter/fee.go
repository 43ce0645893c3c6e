package adapter

import (
	"math/big"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/pkg/helpers"
)

// FeeKind tags the populated member of a FeeSetting.
type FeeKind string

const (
	FeeBTC    FeeKind = "btc"
	FeeEVM    FeeKind = "evm"
	FeeTron   FeeKind = "tron"
	FeeSolana FeeKind = "solana"
	FeeFlat   FeeKind = "flat"
)

// FeeSetting is a chain-specific fee quote. All values are in the chain's
// smallest native unit; conversion to display units happens in Display.
type FeeSetting struct {
	Chain    chain.Code
	Kind     FeeKind
	Decimals uint8

	BTC    *BTCFee
	EVM    *EVMFee
	Tron   *TronFee
	Solana *SolanaFee
	Flat   *FlatFee
}

// BTCFee is fee_rate x vsize.
type BTCFee struct {
	FeeRate uint64 // sat/vB
	VSize   uint64
}

// EVMFee is gas_price x gas_limit, or max_fee x gas_limit for EIP-1559.
type EVMFee struct {
	GasLimit             uint64
	GasPrice             *big.Int // legacy
	MaxFeePerGas         *big.Int // EIP-1559
	MaxPriorityFeePerGas *big.Int // EIP-1559
}

// IsDynamic reports whether the quote is an EIP-1559 fee.
func (f *EVMFee) IsDynamic() bool {
	return f.MaxFeePerGas != nil
}

// TronFee prices bandwidth and energy from chain parameters. Free or staked
// resources held by the account are deducted before pricing.
type TronFee struct {
	Bandwidth      int64 // bytes
	Energy         int64
	FreeBandwidth  int64
	FreeEnergy     int64
	BandwidthPrice int64 // sun per byte (getTransactionFee)
	EnergyPrice    int64 // sun per energy unit (getEnergyFee)
	ActivationFee  int64 // sun, when the recipient account does not exist
	FeeLimit       int64 // sun, cap written into smart-contract calls
}

// SolanaFee is base_fee x signatures + ceil(priority x compute_units / 1e6) + extra.
type SolanaFee struct {
	BaseFee      uint64 // lamports per signature
	Signatures   uint64
	PriorityFee  uint64 // micro-lamports per CU
	ComputeUnits uint64
	ExtraFee     uint64 // lamports, e.g. token account rent
}

// FlatFee is a node-quoted total (TON, SUI).
type FlatFee struct {
	Amount *big.Int
}

// Total returns the fee in the smallest native unit.
func (f *FeeSetting) Total() *big.Int {
	switch f.Kind {
	case FeeBTC:
		return new(big.Int).Mul(new(big.Int).SetUint64(f.BTC.FeeRate), new(big.Int).SetUint64(f.BTC.VSize))
	case FeeEVM:
		price := f.EVM.GasPrice
		if f.EVM.IsDynamic() {
			price = f.EVM.MaxFeePerGas
		}
		if price == nil {
			return new(big.Int)
		}
		return new(big.Int).Mul(price, new(big.Int).SetUint64(f.EVM.GasLimit))
	case FeeTron:
		t := f.Tron
		bw := max(t.Bandwidth-t.FreeBandwidth, 0)
		en := max(t.Energy-t.FreeEnergy, 0)
		return big.NewInt(bw*t.BandwidthPrice + en*t.EnergyPrice + t.ActivationFee)
	case FeeSolana:
		s := f.Solana
		base := new(big.Int).SetUint64(s.BaseFee * s.Signatures)
		prio := new(big.Int).Mul(new(big.Int).SetUint64(s.PriorityFee), new(big.Int).SetUint64(s.ComputeUnits))
		prio.Add(prio, big.NewInt(999_999))
		prio.Quo(prio, big.NewInt(1_000_000))
		base.Add(base, prio)
		return base.Add(base, new(big.Int).SetUint64(s.ExtraFee))
	case FeeFlat:
		if f.Flat.Amount == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(f.Flat.Amount)
	}
	return new(big.Int)
}

// Display returns Total in whole native units, e.g. "0.00000226".
func (f *FeeSetting) Display() string {
	return helpers.FormatBigAmount(f.Total(), f.Decimals)
}

// NewBTCFee quotes fee_rate x vsize.
func NewBTCFee(params *chain.Params, feeRate, vsize uint64) *FeeSetting {
	return &FeeSetting{Chain: params.Code, Kind: FeeBTC, Decimals: params.Decimals, BTC: &BTCFee{FeeRate: feeRate, VSize: vsize}}
}

// NewFlatFee quotes a node-computed total.
func NewFlatFee(params *chain.Params, amount *big.Int) *FeeSetting {
	return &FeeSetting{Chain: params.Code, Kind: FeeFlat, Decimals: params.Decimals, Flat: &FlatFee{Amount: amount}}
}
