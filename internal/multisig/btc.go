package multisig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/adapter/btc"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/helpers"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// maxSigsPerInput bounds the varbytes list decoded from a partial signature.
const maxSigsPerInput = 1 << 12

// BTCEngine implements P2WSH OP_CHECKMULTISIG accounts. Owner public keys
// are sorted so every party derives the same script.
type BTCEngine struct {
	adapter *btc.Adapter
	params  *chain.Params
	log     *logging.Logger
}

// NewBTCEngine creates an engine on top of a UTXO adapter.
func NewBTCEngine(a *btc.Adapter) *BTCEngine {
	return &BTCEngine{
		adapter: a,
		params:  a.Params(),
		log:     logging.GetDefault().Component("multisig-btc").With("chain", a.Chain()),
	}
}

// WitnessScript returns the sorted m-of-n OP_CHECKMULTISIG script of acct.
func (e *BTCEngine) WitnessScript(acct *Account) ([]byte, error) {
	const op = "btc.multisig.script"
	if err := requireUnitWeights(acct, op); err != nil {
		return nil, err
	}
	n := len(acct.Owners)
	if n > txscript.MaxPubKeysPerMultiSig {
		return nil, errs.Newf(errs.CodeThreshold, op, "%d owners exceed the limit of %d", n, txscript.MaxPubKeysPerMultiSig)
	}
	if acct.Threshold > uint64(n) {
		return nil, errs.Newf(errs.CodeThreshold, op, "threshold %d above %d owners", acct.Threshold, n)
	}

	keys := make([][]byte, n)
	for i, o := range acct.Owners {
		pub, err := btcec.ParsePubKey(o.PubKey)
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, op, fmt.Errorf("owner %s: %w", o.Address, err)).WithAddress(o.Address)
		}
		keys[i] = pub.SerializeCompressed()
	}
	helpers.SortBytes(keys)

	cfg := address.ChainCfg(e.params)
	pubs := make([]*btcutil.AddressPubKey, n)
	for i, k := range keys {
		pk, err := btcutil.NewAddressPubKey(k, cfg)
		if err != nil {
			return nil, err
		}
		pubs[i] = pk
	}
	return txscript.MultiSigScript(pubs, int(acct.Threshold))
}

// FetchAddress returns the P2WSH address of the witness script.
func (e *BTCEngine) FetchAddress(ctx context.Context, p *DeployParams) (string, error) {
	script, err := e.WitnessScript(p.Account)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], address.ChainCfg(e.params))
	if err != nil {
		return "", err
	}
	p.Account.AddressType = chain.AddressP2WSH
	p.Account.SetExtra("witness_script", hex.EncodeToString(script))
	return addr.EncodeAddress(), nil
}

// Deploy has nothing to broadcast: a script hash address exists as soon as
// it is computed.
func (e *BTCEngine) Deploy(ctx context.Context, p *DeployParams) (*Deployment, error) {
	addr, err := e.FetchAddress(ctx, p)
	if err != nil {
		return nil, err
	}
	return &Deployment{Address: addr}, nil
}

// BuildTx selects the account's outputs and returns a PSBT whose inputs
// carry the witness script.
func (e *BTCEngine) BuildTx(ctx context.Context, p *TxParams) (*Proposal, error) {
	acct := p.Account
	if p.Token != "" {
		return nil, errs.Chain(errs.CodeUnsupported, string(e.params.Code), "btc.multisig.build", fmt.Errorf("tokens are not supported"))
	}
	script, err := e.WitnessScript(acct)
	if err != nil {
		return nil, err
	}
	rate, err := e.adapter.FeeRate(ctx, p.FeeRate)
	if err != nil {
		return nil, err
	}

	shape := &btc.MultisigShape{M: int(acct.Threshold), N: len(acct.Owners)}
	sel, err := e.adapter.Select(ctx, &adapter.TransferParams{From: acct.Address, To: p.To, Amount: p.Amount}, rate, shape)
	if err != nil {
		return nil, err
	}

	unsigned, err := btc.BuildPSBT(e.params, sel, p.To, acct.Address, nil)
	if err != nil {
		return nil, err
	}
	pkt, err := btc.ParsePSBT(unsigned)
	if err != nil {
		return nil, err
	}
	upd, err := psbt.NewUpdater(pkt)
	if err != nil {
		return nil, fmt.Errorf("failed to create psbt updater: %w", err)
	}
	for i := range pkt.Inputs {
		if err := upd.AddInWitnessScript(script, i); err != nil {
			return nil, fmt.Errorf("failed to add witness script to input %d: %w", i, err)
		}
	}

	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize psbt: %w", err)
	}

	e.log.Debug("Built multisig transaction", "inputs", len(sel.Inputs), "fee", sel.Fee, "vsize", sel.VSize)

	prop := &Proposal{Payload: buf.Bytes()}
	prop.SetMeta("txid", pkt.UnsignedTx.TxHash().String())
	prop.SetMeta("to", p.To)
	prop.SetMeta("amount", p.Amount.String())
	prop.SetMeta("fee", strconv.FormatUint(sel.Fee, 10))
	prop.SetMeta("change", strconv.FormatUint(sel.Change, 10))
	return prop, nil
}

type multisigInputs struct {
	tx        *wire.MsgTx
	fetcher   *txscript.MultiPrevOutFetcher
	sigHashes *txscript.TxSigHashes
	scripts   [][]byte
}

func parseMultisigPSBT(payload []byte) (*multisigInputs, error) {
	pkt, err := btc.ParsePSBT(payload)
	if err != nil {
		return nil, err
	}
	fetcher, err := btc.PrevOutFetcher(pkt)
	if err != nil {
		return nil, err
	}
	in := &multisigInputs{
		tx:        pkt.UnsignedTx,
		fetcher:   fetcher,
		sigHashes: txscript.NewTxSigHashes(pkt.UnsignedTx, fetcher),
		scripts:   make([][]byte, len(pkt.Inputs)),
	}
	for i, pin := range pkt.Inputs {
		if len(pin.WitnessScript) == 0 {
			return nil, errs.Newf(errs.CodeInvalidPayload, "btc.multisig", "input %d has no witness script", i)
		}
		in.scripts[i] = pin.WitnessScript
	}
	return in, nil
}

func (m *multisigInputs) amount(i int) int64 {
	return m.fetcher.FetchPrevOutput(m.tx.TxIn[i].PreviousOutPoint).Value
}

// scriptKeys returns the public keys of a multisig script in script order.
func scriptKeys(script []byte, cfg *chaincfg.Params) ([][]byte, int, error) {
	class, addrs, required, err := txscript.ExtractPkScriptAddrs(script, cfg)
	if err != nil {
		return nil, 0, err
	}
	if class != txscript.MultiSigTy {
		return nil, 0, fmt.Errorf("not a multisig script: %s", class)
	}
	keys := make([][]byte, len(addrs))
	for i, a := range addrs {
		pk, ok := a.(*btcutil.AddressPubKey)
		if !ok {
			return nil, 0, fmt.Errorf("unexpected script address %T", a)
		}
		keys[i] = pk.PubKey().SerializeCompressed()
	}
	return keys, required, nil
}

func hasKey(keys [][]byte, pub []byte) bool {
	for _, k := range keys {
		if bytes.Equal(k, pub) {
			return true
		}
	}
	return false
}

// SignTx signs every input and returns one DER signature per input.
func (e *BTCEngine) SignTx(payload []byte, key *wallet.KeyPair) (*PartialSig, error) {
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	in, err := parseMultisigPSBT(payload)
	if err != nil {
		return nil, err
	}
	pub := priv.PubKey().SerializeCompressed()

	sigs := make([][]byte, len(in.tx.TxIn))
	for i := range in.tx.TxIn {
		keys, _, err := scriptKeys(in.scripts[i], address.ChainCfg(e.params))
		if err != nil {
			return nil, errs.Parse(errs.CodeInvalidPayload, "btc.multisig.sign", fmt.Errorf("input %d: %w", i, err))
		}
		if !hasKey(keys, pub) {
			return nil, errs.Newf(errs.CodeInvalidAddress, "btc.multisig.sign", "key is not an owner of input %d", i)
		}
		sigs[i], err = txscript.RawTxInWitnessSignature(in.tx, in.sigHashes, i, in.amount(i), in.scripts[i], txscript.SigHashAll, priv)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
	}

	encoded, err := encodeInputSigs(sigs)
	if err != nil {
		return nil, err
	}
	signer, err := address.P2WPKH(priv.PubKey(), address.ChainCfg(e.params))
	if err != nil {
		return nil, err
	}
	return &PartialSig{Signer: signer, PubKey: pub, Signature: encoded}, nil
}

// VerifySig checks one signature per input against sig.PubKey.
func (e *BTCEngine) VerifySig(payload []byte, sig *PartialSig) error {
	const op = "btc.multisig.verify"
	pub, err := btcec.ParsePubKey(sig.PubKey)
	if err != nil {
		return errs.Parse(errs.CodeInvalidPayload, op, fmt.Errorf("public key: %w", err))
	}
	in, err := parseMultisigPSBT(payload)
	if err != nil {
		return err
	}
	sigs, err := decodeInputSigs(sig.Signature)
	if err != nil {
		return errs.Parse(errs.CodeInvalidPayload, op, err)
	}
	if len(sigs) != len(in.tx.TxIn) {
		return errs.Newf(errs.CodeInvalidPayload, op, "%d signatures for %d inputs", len(sigs), len(in.tx.TxIn))
	}

	for i, raw := range sigs {
		keys, _, err := scriptKeys(in.scripts[i], address.ChainCfg(e.params))
		if err != nil {
			return errs.Parse(errs.CodeInvalidPayload, op, fmt.Errorf("input %d: %w", i, err))
		}
		if !hasKey(keys, pub.SerializeCompressed()) {
			return errs.Newf(errs.CodeInvalidAddress, op, "key is not an owner of input %d", i)
		}
		if len(raw) < 2 || txscript.SigHashType(raw[len(raw)-1]) != txscript.SigHashAll {
			return errs.Newf(errs.CodeInvalidPayload, op, "input %d: unexpected sighash type", i)
		}
		parsed, err := btcecdsa.ParseDERSignature(raw[:len(raw)-1])
		if err != nil {
			return errs.Parse(errs.CodeInvalidPayload, op, fmt.Errorf("input %d: %w", i, err))
		}
		hash, err := txscript.CalcWitnessSigHash(in.scripts[i], in.sigHashes, txscript.SigHashAll, in.tx, i, in.amount(i))
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if !parsed.Verify(hash, pub) {
			return errs.Newf(errs.CodeInvalidPayload, op, "input %d: signature does not verify", i)
		}
	}
	return nil
}

// ExecTx builds each witness as the empty dummy, the first threshold
// signatures in script key order, then the script, and broadcasts.
func (e *BTCEngine) ExecTx(ctx context.Context, p *ExecParams) (string, error) {
	const op = "btc.multisig.exec"
	in, err := parseMultisigPSBT(p.Tx.Payload)
	if err != nil {
		return "", err
	}

	byKey := make(map[string][][]byte, len(p.Tx.Signatures))
	for _, sig := range p.orderedSigs() {
		sigs, err := decodeInputSigs(sig.Signature)
		if err != nil {
			return "", errs.Parse(errs.CodeInvalidPayload, op, err)
		}
		if len(sigs) != len(in.tx.TxIn) {
			return "", errs.Newf(errs.CodeInvalidPayload, op, "signer %s: %d signatures for %d inputs", sig.Signer, len(sigs), len(in.tx.TxIn))
		}
		byKey[hex.EncodeToString(sig.PubKey)] = sigs
	}

	tx := in.tx.Copy()
	for i := range tx.TxIn {
		keys, required, err := scriptKeys(in.scripts[i], address.ChainCfg(e.params))
		if err != nil {
			return "", errs.Parse(errs.CodeInvalidPayload, op, fmt.Errorf("input %d: %w", i, err))
		}
		witness := wire.TxWitness{nil}
		for _, k := range keys {
			if len(witness)-1 == required {
				break
			}
			if sigs, ok := byKey[hex.EncodeToString(k)]; ok {
				witness = append(witness, sigs[i])
			}
		}
		if got := len(witness) - 1; got < required {
			return "", errs.Newf(errs.CodeThreshold, op, "input %d has %d of %d signatures", i, got, required)
		}
		tx.TxIn[i].Witness = append(witness, in.scripts[i])
	}

	var raw bytes.Buffer
	if err := tx.Serialize(&raw); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return e.adapter.Broadcast(ctx, &adapter.SignedTx{
		Chain: e.params.Code,
		Hash:  tx.TxHash().String(),
		Raw:   raw.Bytes(),
		From:  p.Account.Address,
	})
}

func encodeInputSigs(sigs [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(sigs))); err != nil {
		return nil, err
	}
	for _, s := range sigs {
		if err := wire.WriteVarBytes(&buf, 0, s); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeInputSigs(b []byte) ([][]byte, error) {
	r := bytes.NewReader(b)
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if n > maxSigsPerInput {
		return nil, fmt.Errorf("too many signatures: %d", n)
	}
	sigs := make([][]byte, n)
	for i := range sigs {
		if sigs[i], err = wire.ReadVarBytes(r, 0, txscript.MaxScriptElementSize, "signature"); err != nil {
			return nil, err
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after signatures", r.Len())
	}
	return sigs, nil
}
