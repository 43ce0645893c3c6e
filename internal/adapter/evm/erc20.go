package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/errs"
)

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// ERC20ABI is the subset of the ERC20 interface used by the adapter.
var ERC20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EncodeTransfer returns calldata for transfer(to, amount): selector a9059cbb.
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}

// EncodeBalanceOf returns calldata for balanceOf(owner): selector 70a08231.
func EncodeBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20ABI.Pack("balanceOf", owner)
}

// Token is a resolved ERC20 contract.
type Token struct {
	Contract common.Address
	Symbol   string
	Decimals uint8
}

// resolveToken looks the token up in the registry by symbol or contract,
// falling back to on-chain metadata for unknown contracts.
func (a *Adapter) resolveToken(ctx context.Context, token string) (*Token, error) {
	if info := chain.GetToken(a.params.Code, a.network, token); info != nil {
		return &Token{Contract: common.HexToAddress(info.Contract), Symbol: info.Symbol, Decimals: info.Decimals}, nil
	}
	if !common.IsHexAddress(token) {
		return nil, errs.Newf(errs.CodeInvalidAddress, "evm.token", "unknown token %q", token)
	}

	t := &Token{Contract: common.HexToAddress(token)}
	out, err := a.call(ctx, t.Contract, "decimals")
	if err != nil {
		return nil, err
	}
	t.Decimals = out[0].(uint8)

	if out, err := a.call(ctx, t.Contract, "symbol"); err == nil {
		t.Symbol, _ = out[0].(string)
	}
	return t, nil
}

func (a *Adapter) call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := ERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, a.wrap("eth_call", err)
	}
	out, err := ERC20ABI.Unpack(method, res)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidPayload, "evm."+method, err)
	}
	if len(out) == 0 {
		return nil, errs.Newf(errs.CodeInvalidPayload, "evm."+method, "empty result")
	}
	return out, nil
}

func (a *Adapter) tokenBalance(ctx context.Context, owner common.Address, t *Token) (*big.Int, error) {
	out, err := a.call(ctx, t.Contract, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return bal, nil
}
