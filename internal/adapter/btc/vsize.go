package btc

import (
	"github.com/Klingon-tech/klingvault/internal/chain"
)

// Weights in weight units (4 WU = 1 vB).
const (
	overheadWeight = 10 * 4 // version, locktime, in/out counts
	segwitFlag     = 2      // marker + flag, witness only
	txInBaseBytes  = 41     // outpoint, script length, sequence
)

// inputWeight returns the weight of a single-key input spending addrType.
func inputWeight(t chain.AddressType) int {
	switch t {
	case chain.AddressP2PKH:
		return 148 * 4
	case chain.AddressP2SH_P2WPKH, chain.AddressP2SH:
		return (txInBaseBytes+23)*4 + 108
	case chain.AddressP2TR:
		return txInBaseBytes*4 + 66
	default: // p2wpkh
		return txInBaseBytes*4 + 108
	}
}

func outputWeight(t chain.AddressType) int {
	switch t {
	case chain.AddressP2PKH:
		return 34 * 4
	case chain.AddressP2SH, chain.AddressP2SH_P2WPKH:
		return 32 * 4
	case chain.AddressP2WSH, chain.AddressP2TR:
		return 43 * 4
	default:
		return 31 * 4
	}
}

func isWitness(t chain.AddressType) bool {
	return t != chain.AddressP2PKH
}

// Estimator accumulates transaction weight to estimate virtual size.
type Estimator struct {
	weight  int
	witness bool
}

// AddInput adds a single-key input.
func (e *Estimator) AddInput(t chain.AddressType) *Estimator {
	e.weight += inputWeight(t)
	if isWitness(t) {
		e.witness = true
	}
	return e
}

// AddMultisigInput adds a P2WSH m-of-n OP_CHECKMULTISIG input.
func (e *Estimator) AddMultisigInput(m, n int) *Estimator {
	script := 3 + n*34
	// item count, empty dummy, m sigs, script push
	witness := 1 + 1 + m*73 + varIntSize(script) + script
	e.weight += txInBaseBytes*4 + witness
	e.witness = true
	return e
}

// AddOutput adds an output paying to addrType.
func (e *Estimator) AddOutput(t chain.AddressType) *Estimator {
	e.weight += outputWeight(t)
	return e
}

// VSize returns the virtual size rounded up.
func (e *Estimator) VSize() uint64 {
	w := overheadWeight + e.weight
	if e.witness {
		w += segwitFlag
	}
	return uint64((w + 3) / 4)
}

// EstimateVSize estimates the vsize of a transaction with the given inputs and outputs.
func EstimateVSize(inputs, outputs []chain.AddressType) uint64 {
	var e Estimator
	for _, t := range inputs {
		e.AddInput(t)
	}
	for _, t := range outputs {
		e.AddOutput(t)
	}
	return e.VSize()
}

func varIntSize(n int) int {
	switch {
	case n < 0xfd:
		return 1
	case n <= 0xffff:
		return 3
	default:
		return 5
	}
}
