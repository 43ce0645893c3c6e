package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

func TestDefaultConfigs(t *testing.T) {
	configs := DefaultConfigs()

	for _, code := range chain.List() {
		cfg, ok := configs[code]
		if !ok {
			t.Errorf("expected default config for %s", code)
			continue
		}
		if cfg.URLFor(chain.Mainnet) == "" || cfg.URLFor(chain.Testnet) == "" {
			t.Errorf("%s: endpoints should not be empty", code)
		}
	}

	if configs[chain.Solana].WSURLFor(chain.Mainnet) == "" {
		t.Error("SOL should have a websocket endpoint")
	}
	if configs[chain.Bitcoin].URLFor(chain.Regtest) != configs[chain.Bitcoin].TestnetURL {
		t.Error("regtest should use the testnet URL")
	}
}

func TestRESTClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, "bad input")
		case "/garbage":
			io.WriteString(w, "{not json")
		default:
			json.NewEncoder(w).Encode(map[string]int{"n": 7})
		}
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL+"/", "BTC", nil)
	ctx := context.Background()

	var out struct{ N int }
	if err := c.Get(ctx, "/ok", &out); err != nil || out.N != 7 {
		t.Fatalf("Get() = %+v, %v", out, err)
	}

	if err := c.Get(ctx, "/missing", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("404 error = %v, want ErrNotFound", err)
	}

	err := c.Get(ctx, "/busy", &out)
	if !errs.IsNetworkError(err) {
		t.Errorf("429 should be a network error: %v", err)
	}

	err = c.Get(ctx, "/bad", &out)
	var httpErr *errs.HTTPStatusError
	if !errors.As(err, &httpErr) || httpErr.Body != "bad input" {
		t.Errorf("400 error = %v", err)
	}
	if errs.IsNetworkError(err) {
		t.Error("400 should not be retryable")
	}

	if err := c.Get(ctx, "/garbage", &out); errs.CodeOf(err) != errs.CodeInvalidPayload {
		t.Errorf("garbage error = %v, want invalid payload", err)
	}
}

func TestRESTClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewRESTClient(url, "BTC", nil)
	err := c.Get(context.Background(), "/x", nil)
	if !errs.IsNetworkError(err) {
		t.Fatalf("closed server error = %v, want network error", err)
	}
	if errs.KindOf(err) != errs.KindNetwork {
		t.Errorf("KindOf() = %v, want network", errs.KindOf(err))
	}
}

func TestRPCClientCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "eth_chainId":
			json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0x1"})
		case "eth_sendRawTransaction":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32000, "message": "insufficient funds for gas * price + value"},
			})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL, "ETH", nil)
	ctx := context.Background()

	var chainID string
	if err := c.Call(ctx, "eth_chainId", nil, &chainID); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if chainID != "0x1" {
		t.Errorf("chainId = %s, want 0x1", chainID)
	}

	err := c.Call(ctx, "eth_sendRawTransaction", []interface{}{"0x00"}, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("Call() error = %v, want RPCError", err)
	}
	if errs.IsNetworkError(err) {
		t.Error("node rejection must not be retryable")
	}

	if err := c.Call(ctx, "eth_unknown", nil, nil); !errs.IsNetworkError(err) {
		t.Errorf("502 error = %v, want network error", err)
	}
}

func TestEsploraClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/blocks/tip/height":
			io.WriteString(w, "100")
		case "/address/bc1qtest/utxo":
			io.WriteString(w, `[
				{"txid":"aa","vout":0,"value":5000,"status":{"confirmed":true,"block_height":91}},
				{"txid":"bb","vout":1,"value":700,"status":{"confirmed":false}}
			]`)
		case "/address/bc1qtest":
			io.WriteString(w, `{"address":"bc1qtest","chain_stats":{"funded_txo_sum":9000,"spent_txo_sum":3300,"tx_count":3},"mempool_stats":{"funded_txo_sum":700,"spent_txo_sum":0,"tx_count":1}}`)
		case "/tx/aa":
			io.WriteString(w, `{"txid":"aa","fee":226,"status":{"confirmed":true,"block_height":91,"block_hash":"00ff"}}`)
		case "/tx":
			body, _ := io.ReadAll(r.Body)
			if string(body) == "deadbeef" {
				io.WriteString(w, "cc\n")
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, "sendrawtransaction RPC error: bad-txns-inputs-missingorspent")
		case "/v1/fees/recommended":
			io.WriteString(w, `{"fastestFee":12,"halfHourFee":8,"hourFee":5,"economyFee":2,"minimumFee":1}`)
		case "/fee-estimates":
			io.WriteString(w, `{"1":11.2,"3":7.5,"6":4,"144":1.01}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewEsploraClient(srv.URL, "BTC", TypeMempool, nil)

	utxos, err := c.GetAddressUTXOs(ctx, "bc1qtest")
	if err != nil {
		t.Fatalf("GetAddressUTXOs() error = %v", err)
	}
	if len(utxos) != 2 || utxos[0].Confirmations != 10 || utxos[1].Confirmations != 0 {
		t.Errorf("GetAddressUTXOs() = %+v", utxos)
	}

	info, err := c.GetAddressInfo(ctx, "bc1qtest")
	if err != nil {
		t.Fatalf("GetAddressInfo() error = %v", err)
	}
	if info.Balance != 5700 || info.MempoolBalance != 700 || info.TxCount != 4 {
		t.Errorf("GetAddressInfo() = %+v", info)
	}

	st, err := c.GetTxStatus(ctx, "aa")
	if err != nil {
		t.Fatalf("GetTxStatus() error = %v", err)
	}
	if !st.Confirmed || st.Confirmations != 10 || st.Fee != 226 {
		t.Errorf("GetTxStatus() = %+v", st)
	}
	if _, err := c.GetTxStatus(ctx, "zz"); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("GetTxStatus(unknown) error = %v, want ErrTxNotFound", err)
	}

	txid, err := c.BroadcastTransaction(ctx, "deadbeef")
	if err != nil || txid != "cc" {
		t.Errorf("BroadcastTransaction() = %s, %v", txid, err)
	}
	if _, err := c.BroadcastTransaction(ctx, "00"); errs.CodeOf(err) != errs.CodeRejected {
		t.Errorf("rejected broadcast error = %v, want CodeRejected", err)
	}

	fees, err := c.GetFeeEstimates(ctx)
	if err != nil || fees.FastestFee != 12 || fees.EconomyFee != 2 {
		t.Errorf("GetFeeEstimates() = %+v, %v", fees, err)
	}

	esplora := NewEsploraClient(srv.URL, "BTC", TypeEsplora, nil)
	fees, err = esplora.GetFeeEstimates(ctx)
	if err != nil || fees.FastestFee != 12 || fees.HourFee != 4 || fees.EconomyFee != 2 {
		t.Errorf("esplora GetFeeEstimates() = %+v, %v", fees, err)
	}
}
