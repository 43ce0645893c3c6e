package btc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

// rbfSequence signals replace-by-fee.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// BuildPSBT creates an unsigned PSBT spending sel to dest with change back
// to from. prevTxs holds serialized previous transactions keyed by txid and
// is required only for legacy inputs.
func BuildPSBT(params *chain.Params, sel *Selection, dest, from string, prevTxs map[string][]byte) ([]byte, error) {
	destScript, err := address.PayToAddrScript(dest, params)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, "btc.psbt", err).WithAddress(dest)
	}
	fromScript, err := address.PayToAddrScript(from, params)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidAddress, "btc.psbt", err).WithAddress(from)
	}

	outpoints := make([]*wire.OutPoint, len(sel.Inputs))
	sequences := make([]uint32, len(sel.Inputs))
	for i, u := range sel.Inputs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, "btc.psbt", fmt.Errorf("invalid txid %s: %w", u.TxID, err))
		}
		outpoints[i] = wire.NewOutPoint(hash, u.Vout)
		sequences[i] = rbfSequence
	}

	outputs := []*wire.TxOut{wire.NewTxOut(int64(sel.Amount), destScript)}
	if sel.Change > 0 {
		outputs = append(outputs, wire.NewTxOut(int64(sel.Change), fromScript))
	}

	pkt, err := psbt.New(outpoints, outputs, 2, 0, sequences)
	if err != nil {
		return nil, fmt.Errorf("failed to create psbt: %w", err)
	}
	upd, err := psbt.NewUpdater(pkt)
	if err != nil {
		return nil, fmt.Errorf("failed to create psbt updater: %w", err)
	}

	for i, u := range sel.Inputs {
		if raw, ok := prevTxs[u.TxID]; ok {
			prev := wire.NewMsgTx(wire.TxVersion)
			if err := prev.Deserialize(bytes.NewReader(raw)); err != nil {
				return nil, errs.Parse(errs.CodeInvalidPayload, "btc.psbt", fmt.Errorf("input tx %s: %w", u.TxID, err))
			}
			if err := upd.AddInNonWitnessUtxo(prev, i); err != nil {
				return nil, err
			}
			continue
		}
		if err := upd.AddInWitnessUtxo(wire.NewTxOut(int64(u.Amount), fromScript), i); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize psbt: %w", err)
	}
	return buf.Bytes(), nil
}

// ParsePSBT decodes raw or base64 PSBT bytes.
func ParsePSBT(payload []byte) (*psbt.Packet, error) {
	b64 := !bytes.HasPrefix(payload, []byte("psbt\xff"))
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(payload), b64)
	if err != nil {
		return nil, errs.Parse(errs.CodeInvalidPayload, "btc.psbt", err)
	}
	return pkt, nil
}

// PrevOutFetcher indexes the previous outputs recorded in a PSBT.
func PrevOutFetcher(pkt *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut))
	for i, in := range pkt.UnsignedTx.TxIn {
		pin := pkt.Inputs[i]
		switch {
		case pin.WitnessUtxo != nil:
			fetcher.AddPrevOut(in.PreviousOutPoint, pin.WitnessUtxo)
		case pin.NonWitnessUtxo != nil:
			vout := in.PreviousOutPoint.Index
			if int(vout) >= len(pin.NonWitnessUtxo.TxOut) {
				return nil, errs.Newf(errs.CodeInvalidPayload, "btc.psbt", "input %d: vout %d out of range", i, vout)
			}
			fetcher.AddPrevOut(in.PreviousOutPoint, pin.NonWitnessUtxo.TxOut[vout])
		default:
			return nil, errs.Newf(errs.CodeInvalidPayload, "btc.psbt", "input %d has no utxo data", i)
		}
	}
	return fetcher, nil
}

// SignPSBT signs every input with priv and returns the finalized transaction.
// Each input must pay to a script controlled by priv.
func SignPSBT(payload []byte, priv *btcec.PrivateKey) (*wire.MsgTx, error) {
	pkt, err := ParsePSBT(payload)
	if err != nil {
		return nil, err
	}
	fetcher, err := PrevOutFetcher(pkt)
	if err != nil {
		return nil, err
	}

	tx := pkt.UnsignedTx.Copy()
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	pub := priv.PubKey()

	for i, in := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if err := checkOwner(prevOut.PkScript, pub); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		switch txscript.GetScriptClass(prevOut.PkScript) {
		case txscript.WitnessV0PubKeyHashTy:
			witness, err := txscript.WitnessSignature(tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
				txscript.SigHashAll, priv, true)
			if err != nil {
				return nil, fmt.Errorf("failed to sign P2WPKH input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = witness

		case txscript.WitnessV1TaprootTy:
			// key-path spend, no script tree
			sig, err := txscript.RawTxInTaprootSignature(tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
				nil, txscript.SigHashDefault, priv)
			if err != nil {
				return nil, fmt.Errorf("failed to sign P2TR input %d: %w", i, err)
			}
			tx.TxIn[i].Witness = wire.TxWitness{sig}

		case txscript.PubKeyHashTy:
			sigScript, err := txscript.SignatureScript(tx, i, prevOut.PkScript, txscript.SigHashAll, priv, true)
			if err != nil {
				return nil, fmt.Errorf("failed to sign P2PKH input %d: %w", i, err)
			}
			tx.TxIn[i].SignatureScript = sigScript

		default:
			return nil, errs.Newf(errs.CodeUnsupported, "btc.sign", "input %d: unsupported script class %s",
				i, txscript.GetScriptClass(prevOut.PkScript))
		}
	}
	return tx, nil
}

// checkOwner verifies the output script pays to pub.
func checkOwner(pkScript []byte, pub *btcec.PublicKey) error {
	compressed := pub.SerializeCompressed()
	var want []byte
	switch txscript.GetScriptClass(pkScript) {
	case txscript.WitnessV0PubKeyHashTy:
		want = append([]byte{txscript.OP_0, txscript.OP_DATA_20}, btcutil.Hash160(compressed)...)
	case txscript.PubKeyHashTy:
		want = append([]byte{txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20}, btcutil.Hash160(compressed)...)
		want = append(want, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
	case txscript.WitnessV1TaprootTy:
		tweaked := txscript.ComputeTaprootKeyNoScript(pub)
		want = append([]byte{txscript.OP_1, txscript.OP_DATA_32}, schnorr.SerializePubKey(tweaked)...)
	default:
		return nil
	}
	if !bytes.Equal(want, pkScript) {
		return errs.Newf(errs.CodeInvalidPayload, "btc.sign", "key does not control output script")
	}
	return nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize: %w", err)
	}
	return buf.Bytes(), nil
}
