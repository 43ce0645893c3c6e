package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Klingon-tech/klingvault/internal/errs"
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`        // satoshis
	ScriptPubKey  string `json:"scriptpubkey"` // hex, filled in by the caller when known
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// AddressInfo contains address balance and transaction counts.
type AddressInfo struct {
	Address        string `json:"address"`
	TxCount        int64  `json:"tx_count"`
	FundedSum      uint64 `json:"funded_txo_sum"`
	SpentSum       uint64 `json:"spent_txo_sum"`
	Balance        uint64 `json:"balance"`         // confirmed
	MempoolBalance int64  `json:"mempool_balance"` // unconfirmed delta
}

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	TxID          string `json:"txid"`
	Confirmed     bool   `json:"confirmed"`
	BlockHeight   int64  `json:"block_height,omitempty"`
	BlockHash     string `json:"block_hash,omitempty"`
	BlockTime     int64  `json:"block_time,omitempty"`
	Confirmations int64  `json:"confirmations"`
	Fee           uint64 `json:"fee"`
}

// FeeEstimate contains fee rates in sat/vB for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`
	HalfHourFee uint64 `json:"half_hour_fee"`
	HourFee     uint64 `json:"hour_fee"`
	EconomyFee  uint64 `json:"economy_fee"`
	MinimumFee  uint64 `json:"minimum_fee"`
}

// EsploraClient talks to mempool.space compatible and Esplora REST APIs.
type EsploraClient struct {
	rest    *RESTClient
	flavour Type
}

// NewEsploraClient creates a client. flavour selects the fee endpoint
// (TypeMempool or TypeEsplora).
func NewEsploraClient(baseURL, chain string, flavour Type, httpClient *http.Client) *EsploraClient {
	if flavour == "" {
		flavour = TypeMempool
	}
	return &EsploraClient{rest: NewRESTClient(baseURL, chain, httpClient), flavour: flavour}
}

// Type returns the API flavour.
func (e *EsploraClient) Type() Type { return e.flavour }

// GetAddressInfo returns address balance and tx count.
func (e *EsploraClient) GetAddressInfo(ctx context.Context, address string) (*AddressInfo, error) {
	type stats struct {
		FundedTxoSum uint64 `json:"funded_txo_sum"`
		SpentTxoSum  uint64 `json:"spent_txo_sum"`
		TxCount      int64  `json:"tx_count"`
	}
	var result struct {
		Address      string `json:"address"`
		ChainStats   stats  `json:"chain_stats"`
		MempoolStats stats  `json:"mempool_stats"`
	}

	if err := e.rest.Get(ctx, "/address/"+address, &result); err != nil {
		return nil, err
	}

	return &AddressInfo{
		Address:        result.Address,
		TxCount:        result.ChainStats.TxCount + result.MempoolStats.TxCount,
		FundedSum:      result.ChainStats.FundedTxoSum,
		SpentSum:       result.ChainStats.SpentTxoSum,
		Balance:        result.ChainStats.FundedTxoSum - result.ChainStats.SpentTxoSum,
		MempoolBalance: int64(result.MempoolStats.FundedTxoSum) - int64(result.MempoolStats.SpentTxoSum),
	}, nil
}

// GetAddressUTXOs returns unspent outputs for an address.
func (e *EsploraClient) GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var result []struct {
		TxID   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status struct {
			Confirmed   bool  `json:"confirmed"`
			BlockHeight int64 `json:"block_height"`
		} `json:"status"`
		Value uint64 `json:"value"`
	}

	if err := e.rest.Get(ctx, "/address/"+address+"/utxo", &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// without a tip height confirmed outputs count as 1 confirmation
	tip, err := e.GetBlockHeight(ctx)
	if err != nil {
		tip = 0
	}

	utxos := make([]UTXO, len(result))
	for i, u := range result {
		var confirmations int64
		if u.Status.Confirmed && u.Status.BlockHeight > 0 {
			confirmations = 1
			if tip >= u.Status.BlockHeight {
				confirmations = tip - u.Status.BlockHeight + 1
			}
		}
		utxos[i] = UTXO{
			TxID:          u.TxID,
			Vout:          u.Vout,
			Amount:        u.Value,
			Confirmations: confirmations,
			BlockHeight:   u.Status.BlockHeight,
		}
	}
	return utxos, nil
}

// GetTxStatus returns the confirmation state of a transaction.
// ErrTxNotFound is returned when the backend does not know the txid.
func (e *EsploraClient) GetTxStatus(ctx context.Context, txID string) (*TxStatus, error) {
	var result struct {
		TxID   string `json:"txid"`
		Fee    uint64 `json:"fee"`
		Status struct {
			Confirmed   bool   `json:"confirmed"`
			BlockHeight int64  `json:"block_height"`
			BlockHash   string `json:"block_hash"`
			BlockTime   int64  `json:"block_time"`
		} `json:"status"`
	}

	if err := e.rest.Get(ctx, "/tx/"+txID, &result); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	st := &TxStatus{
		TxID:        result.TxID,
		Confirmed:   result.Status.Confirmed,
		BlockHeight: result.Status.BlockHeight,
		BlockHash:   result.Status.BlockHash,
		BlockTime:   result.Status.BlockTime,
		Fee:         result.Fee,
	}
	if st.Confirmed && st.BlockHeight > 0 {
		if tip, err := e.GetBlockHeight(ctx); err == nil && tip >= st.BlockHeight {
			st.Confirmations = tip - st.BlockHeight + 1
		}
	}
	return st, nil
}

// GetRawTransaction returns the raw transaction hex.
func (e *EsploraClient) GetRawTransaction(ctx context.Context, txID string) (string, error) {
	body, err := e.rest.GetText(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrTxNotFound
		}
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// BroadcastTransaction broadcasts a raw transaction and returns its txid.
// A node rejection is returned as errs.CodeRejected with the node message.
func (e *EsploraClient) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	body, err := e.rest.PostText(ctx, "/tx", rawTxHex)
	if err != nil {
		var httpErr *errs.HTTPStatusError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusBadRequest {
			return "", errs.Chain(errs.CodeRejected, e.rest.chain, "broadcast", fmt.Errorf("%s", httpErr.Body))
		}
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// GetBlockHeight returns the current block height.
func (e *EsploraClient) GetBlockHeight(ctx context.Context) (int64, error) {
	body, err := e.rest.GetText(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, errs.New(errs.CodeInvalidPayload, "tip height", err)
	}
	return height, nil
}

// GetFeeEstimates returns fee rates for different confirmation targets.
func (e *EsploraClient) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64

	if e.flavour == TypeEsplora {
		// Esplora keys the map by confirmation target in blocks
		if err := e.rest.Get(ctx, "/fee-estimates", &result); err != nil {
			return nil, err
		}
		return &FeeEstimate{
			FastestFee:  ceilRate(result["1"]),
			HalfHourFee: ceilRate(result["3"]),
			HourFee:     ceilRate(result["6"]),
			EconomyFee:  ceilRate(result["144"]),
			MinimumFee:  1,
		}, nil
	}

	if err := e.rest.Get(ctx, "/v1/fees/recommended", &result); err != nil {
		return nil, err
	}
	return &FeeEstimate{
		FastestFee:  ceilRate(result["fastestFee"]),
		HalfHourFee: ceilRate(result["halfHourFee"]),
		HourFee:     ceilRate(result["hourFee"]),
		EconomyFee:  ceilRate(result["economyFee"]),
		MinimumFee:  ceilRate(result["minimumFee"]),
	}, nil
}

func ceilRate(f float64) uint64 {
	if f <= 0 {
		return 0
	}
	r := uint64(f)
	if float64(r) < f {
		r++
	}
	return r
}
