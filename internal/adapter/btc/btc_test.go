package btc

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/backend"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fakeBackend struct {
	utxos     []backend.UTXO
	info      *backend.AddressInfo
	fees      *backend.FeeEstimate
	status    map[string]*backend.TxStatus
	broadcast []string
}

func (f *fakeBackend) GetAddressInfo(context.Context, string) (*backend.AddressInfo, error) {
	return f.info, nil
}
func (f *fakeBackend) GetAddressUTXOs(context.Context, string) ([]backend.UTXO, error) {
	return f.utxos, nil
}
func (f *fakeBackend) GetTxStatus(_ context.Context, txID string) (*backend.TxStatus, error) {
	st, ok := f.status[txID]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return st, nil
}
func (f *fakeBackend) GetRawTransaction(context.Context, string) (string, error) {
	return "", backend.ErrTxNotFound
}
func (f *fakeBackend) BroadcastTransaction(_ context.Context, rawTxHex string) (string, error) {
	f.broadcast = append(f.broadcast, rawTxHex)
	return "txid", nil
}
func (f *fakeBackend) GetFeeEstimates(context.Context) (*backend.FeeEstimate, error) {
	if f.fees == nil {
		return &backend.FeeEstimate{MinimumFee: 1}, nil
	}
	return f.fees, nil
}

func testKey(t *testing.T, addrType chain.AddressType, index uint32) (*wallet.KeyPair, string) {
	t.Helper()
	seed, err := wallet.SeedFromMnemonic(testMnemonic, "", "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error = %v", err)
	}
	kp, err := wallet.DeriveIndex(seed, chain.Bitcoin, chain.Testnet, addrType, index)
	if err != nil {
		t.Fatalf("DeriveIndex() error = %v", err)
	}
	addr, err := address.FromKeyPair(kp, addrType)
	if err != nil {
		t.Fatalf("FromKeyPair() error = %v", err)
	}
	return kp, addr.Value
}

func TestEstimateVSize(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []chain.AddressType
		outputs []chain.AddressType
		want    uint64
	}{
		{"p2pkh 1-in 2-out", []chain.AddressType{chain.AddressP2PKH}, []chain.AddressType{chain.AddressP2PKH, chain.AddressP2PKH}, 226},
		{"p2wpkh 1-in 2-out", []chain.AddressType{chain.AddressP2WPKH}, []chain.AddressType{chain.AddressP2WPKH, chain.AddressP2WPKH}, 141},
		{"p2wpkh 1-in 1-out", []chain.AddressType{chain.AddressP2WPKH}, []chain.AddressType{chain.AddressP2WPKH}, 110},
		{"p2tr 1-in 2-out", []chain.AddressType{chain.AddressP2TR}, []chain.AddressType{chain.AddressP2TR, chain.AddressP2TR}, 154},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateVSize(tt.inputs, tt.outputs); got != tt.want {
				t.Errorf("EstimateVSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFeeDisplay(t *testing.T) {
	fee := adapter.NewBTCFee(chain.MustGet(chain.Bitcoin, chain.Mainnet), 1,
		EstimateVSize([]chain.AddressType{chain.AddressP2PKH}, []chain.AddressType{chain.AddressP2PKH, chain.AddressP2PKH}))
	if got := fee.Display(); got != "0.00000226" {
		t.Errorf("Display() = %s, want 0.00000226", got)
	}
}

func TestSelectUTXOs(t *testing.T) {
	utxos := []backend.UTXO{
		{TxID: "a", Amount: 10000},
		{TxID: "b", Amount: 50000},
		{TxID: "c", Amount: 20000},
	}
	req := SelectRequest{
		FeeRate:    2,
		Dust:       546,
		InputType:  chain.AddressP2WPKH,
		DestType:   chain.AddressP2WPKH,
		ChangeType: chain.AddressP2WPKH,
	}

	t.Run("largest first with change", func(t *testing.T) {
		r := req
		r.Amount = 30000
		sel, err := SelectUTXOs(utxos, r)
		if err != nil {
			t.Fatalf("SelectUTXOs() error = %v", err)
		}
		if len(sel.Inputs) != 1 || sel.Inputs[0].TxID != "b" {
			t.Fatalf("Inputs = %+v, want [b]", sel.Inputs)
		}
		if sel.Fee != 282 || sel.Change != 19718 || sel.VSize != 141 {
			t.Errorf("Fee = %d, Change = %d, VSize = %d", sel.Fee, sel.Change, sel.VSize)
		}
		if sel.Total != sel.Amount+sel.Fee+sel.Change {
			t.Error("inputs must equal outputs plus fee")
		}
	})

	t.Run("dust change goes to fee", func(t *testing.T) {
		r := req
		r.Amount = 30000
		sel, err := SelectUTXOs([]backend.UTXO{{TxID: "d", Amount: 30500}}, r)
		if err != nil {
			t.Fatalf("SelectUTXOs() error = %v", err)
		}
		if sel.Change != 0 || sel.Fee != 500 || sel.VSize != 110 {
			t.Errorf("Fee = %d, Change = %d, VSize = %d", sel.Fee, sel.Change, sel.VSize)
		}
	})

	t.Run("multiple inputs", func(t *testing.T) {
		r := req
		r.Amount = 65000
		sel, err := SelectUTXOs(utxos, r)
		if err != nil {
			t.Fatalf("SelectUTXOs() error = %v", err)
		}
		if len(sel.Inputs) != 2 {
			t.Errorf("len(Inputs) = %d, want 2", len(sel.Inputs))
		}
	})

	t.Run("insufficient", func(t *testing.T) {
		r := req
		r.Amount = 100000
		if _, err := SelectUTXOs(utxos, r); !errors.Is(err, errs.ErrUtxoInsufficient) {
			t.Errorf("error = %v, want ErrUtxoInsufficient", err)
		}
	})

	t.Run("no utxos", func(t *testing.T) {
		r := req
		r.Amount = 1000
		if _, err := SelectUTXOs(nil, r); errs.CodeOf(err) != errs.CodeUtxoNone {
			t.Errorf("error = %v, want CodeUtxoNone", err)
		}
	})

	t.Run("dust amount", func(t *testing.T) {
		r := req
		r.Amount = 100
		if _, err := SelectUTXOs(utxos, r); !errors.Is(err, errs.ErrDust) {
			t.Errorf("error = %v, want ErrDust", err)
		}
	})
}

func TestFeeRateGuard(t *testing.T) {
	a := New(chain.MustGet(chain.Bitcoin, chain.Mainnet), chain.Mainnet, &fakeBackend{})

	if _, err := a.FeeRate(context.Background(), 2000); !errors.Is(err, errs.ErrExceedsMaxFee) {
		t.Errorf("FeeRate(2000) error = %v, want ErrExceedsMaxFee", err)
	}

	rate, err := a.FeeRate(context.Background(), 0)
	if err != nil || rate != 1 {
		t.Errorf("FeeRate(0) = %d, %v; want backend minimum 1", rate, err)
	}
}

func TestBuildAndSign(t *testing.T) {
	for _, addrType := range []chain.AddressType{chain.AddressP2WPKH, chain.AddressP2TR} {
		t.Run(string(addrType), func(t *testing.T) {
			key, from := testKey(t, addrType, 0)
			_, to := testKey(t, chain.AddressP2WPKH, 1)

			fb := &fakeBackend{utxos: []backend.UTXO{
				{TxID: strings.Repeat("11", 32), Vout: 0, Amount: 40000},
				{TxID: strings.Repeat("22", 32), Vout: 1, Amount: 25000},
			}}
			a := New(chain.MustGet(chain.Bitcoin, chain.Testnet), chain.Testnet, fb)

			unsigned, err := a.BuildUnsigned(context.Background(), &adapter.TransferParams{
				From:    from,
				To:      to,
				Amount:  big.NewInt(50000),
				FeeRate: 3,
			})
			if err != nil {
				t.Fatalf("BuildUnsigned() error = %v", err)
			}
			if unsigned.Meta["inputs"] != "2" {
				t.Errorf("inputs = %s, want 2", unsigned.Meta["inputs"])
			}

			signed, err := a.Sign(unsigned, key)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}

			tx := wire.NewMsgTx(wire.TxVersion)
			if err := tx.Deserialize(bytes.NewReader(signed.Raw)); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if tx.TxHash().String() != signed.Hash {
				t.Error("Hash does not match serialized tx")
			}

			pkt, err := ParsePSBT(unsigned.Payload)
			if err != nil {
				t.Fatalf("ParsePSBT() error = %v", err)
			}
			fetcher, err := PrevOutFetcher(pkt)
			if err != nil {
				t.Fatalf("PrevOutFetcher() error = %v", err)
			}
			sigHashes := txscript.NewTxSigHashes(tx, fetcher)
			for i, in := range tx.TxIn {
				prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
				vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, prev.Value, fetcher)
				if err != nil {
					t.Fatalf("NewEngine() error = %v", err)
				}
				if err := vm.Execute(); err != nil {
					t.Errorf("input %d does not verify: %v", i, err)
				}
			}

			if _, err := a.Broadcast(context.Background(), signed); err != nil {
				t.Fatalf("Broadcast() error = %v", err)
			}
			if len(fb.broadcast) != 1 || fb.broadcast[0] != hex.EncodeToString(signed.Raw) {
				t.Error("Broadcast() did not send the raw hex")
			}
		})
	}
}

func TestSignRejectsForeignKey(t *testing.T) {
	_, from := testKey(t, chain.AddressP2WPKH, 0)
	other, to := testKey(t, chain.AddressP2WPKH, 1)

	fb := &fakeBackend{utxos: []backend.UTXO{{TxID: strings.Repeat("33", 32), Amount: 40000}}}
	a := New(chain.MustGet(chain.Bitcoin, chain.Testnet), chain.Testnet, fb)

	unsigned, err := a.BuildUnsigned(context.Background(), &adapter.TransferParams{
		From: from, To: to, Amount: big.NewInt(10000), FeeRate: 1,
	})
	if err != nil {
		t.Fatalf("BuildUnsigned() error = %v", err)
	}
	if _, err := a.Sign(unsigned, other); err == nil {
		t.Error("Sign() with a foreign key should fail")
	}
}

func TestBalanceAndStatus(t *testing.T) {
	_, addr := testKey(t, chain.AddressP2WPKH, 0)
	fb := &fakeBackend{
		info: &backend.AddressInfo{Balance: 1000, MempoolBalance: -300},
		status: map[string]*backend.TxStatus{
			"confirmed": {Confirmed: true, BlockHeight: 100, Confirmations: 6, Fee: 141},
		},
	}
	a := New(chain.MustGet(chain.Bitcoin, chain.Testnet), chain.Testnet, fb)
	ctx := context.Background()

	bal, err := a.Balance(ctx, addr, "")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if bal.Amount.Int64() != 700 || bal.Display() != "0.000007" {
		t.Errorf("Balance() = %s (%s)", bal.Amount, bal.Display())
	}

	if _, err := a.Balance(ctx, addr, "USDT"); !errors.Is(err, errs.ErrUnsupported) {
		t.Errorf("token Balance() error = %v, want ErrUnsupported", err)
	}

	res, err := a.QueryTxResult(ctx, "confirmed")
	if err != nil || res.Status != adapter.TxSuccess || res.Confirmations != 6 {
		t.Errorf("QueryTxResult() = %+v, %v", res, err)
	}

	res, err = a.QueryTxResult(ctx, "unknown")
	if err != nil || res != nil {
		t.Errorf("QueryTxResult(unknown) = %+v, %v; want nil, nil", res, err)
	}
}
