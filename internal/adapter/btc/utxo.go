package btc

import (
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

// Selection is the result of coin selection.
type Selection struct {
	Inputs []backend.UTXO
	Total  uint64
	Amount uint64
	Fee    uint64
	Change uint64
	VSize  uint64
}

// SelectRequest describes what coin selection must fund.
type SelectRequest struct {
	Amount     uint64
	FeeRate    uint64 // sat/vB
	Dust       uint64
	InputType  chain.AddressType
	DestType   chain.AddressType
	ChangeType chain.AddressType

	// Multisig, when set, prices every input as a P2WSH m-of-n spend.
	Multisig *MultisigShape
}

// MultisigShape is the m-of-n layout of a P2WSH multisig input.
type MultisigShape struct {
	M, N int
}

// SelectUTXOs picks the largest outputs first until amount plus fee is
// covered. Change below the dust threshold is added to the fee instead of
// creating an output.
func SelectUTXOs(utxos []backend.UTXO, req SelectRequest) (*Selection, error) {
	if len(utxos) == 0 {
		return nil, errs.Newf(errs.CodeUtxoNone, "btc.select", "no spendable outputs")
	}
	if req.Amount < req.Dust {
		return nil, errs.Newf(errs.CodeDust, "btc.select", "amount %d below dust threshold %d", req.Amount, req.Dust)
	}

	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var (
		selected []backend.UTXO
		total    uint64
	)
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Amount

		noChange := req.vsize(len(selected), false)
		if total < req.Amount+noChange*req.FeeRate {
			continue
		}

		sel := &Selection{Inputs: selected, Total: total, Amount: req.Amount}
		withChange := req.vsize(len(selected), true)
		feeWith := withChange * req.FeeRate
		if total >= req.Amount+feeWith && total-req.Amount-feeWith >= req.Dust {
			sel.Fee = feeWith
			sel.Change = total - req.Amount - feeWith
			sel.VSize = withChange
		} else {
			sel.Fee = total - req.Amount
			sel.VSize = noChange
		}
		return sel, nil
	}

	need := req.Amount + req.vsize(len(selected), false)*req.FeeRate
	return nil, errs.New(errs.CodeUtxoInsufficient, "btc.select",
		fmt.Errorf("insufficient funds: need %d, have %d", need, total))
}

func (r SelectRequest) vsize(inputs int, change bool) uint64 {
	var e Estimator
	for i := 0; i < inputs; i++ {
		if r.Multisig != nil {
			e.AddMultisigInput(r.Multisig.M, r.Multisig.N)
			continue
		}
		e.AddInput(r.InputType)
	}
	e.AddOutput(r.DestType)
	if change {
		e.AddOutput(r.ChangeType)
	}
	return e.VSize()
}
