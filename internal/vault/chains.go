package vault

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/address"
	"github.com/Klingon-tech/klingvault/internal/chain"
)

// Balance returns the balance of addr, retrying network failures.
func (s *Service) Balance(ctx context.Context, code chain.Code, addr, token string) (*adapter.Balance, error) {
	a, err := s.adapters.Get(code)
	if err != nil {
		return nil, err
	}
	return adapter.DoValue(ctx, s.policy, func(ctx context.Context) (*adapter.Balance, error) {
		return a.Balance(ctx, addr, token)
	})
}

// Balances fetches many balances concurrently. Each result carries its own
// error; one unreachable chain does not fail the rest.
func (s *Service) Balances(ctx context.Context, queries []adapter.BalanceQuery) []adapter.BalanceResult {
	return adapter.Balances(ctx, s.adapters, queries, s.policy)
}

// WalletBalances returns the native balance of the first address on each
// chain.
func (s *Service) WalletBalances(ctx context.Context, codes []chain.Code) ([]adapter.BalanceResult, error) {
	queries := make([]adapter.BalanceQuery, 0, len(codes))
	for _, code := range codes {
		addr, err := s.Address(code, "", 0)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s address: %w", code, err)
		}
		queries = append(queries, adapter.BalanceQuery{Chain: code, Address: addr.Value})
	}
	return s.Balances(ctx, queries), nil
}

// EstimateFee quotes a transfer.
func (s *Service) EstimateFee(ctx context.Context, code chain.Code, p *adapter.TransferParams) (*adapter.FeeSetting, error) {
	a, err := s.adapters.Get(code)
	if err != nil {
		return nil, err
	}
	return adapter.DoValue(ctx, s.policy, func(ctx context.Context) (*adapter.FeeSetting, error) {
		return a.EstimateFee(ctx, p)
	})
}

// EstimateFees quotes many transfers concurrently.
func (s *Service) EstimateFees(ctx context.Context, queries []adapter.FeeQuery) []adapter.FeeResult {
	return adapter.Fees(ctx, s.adapters, queries, s.policy)
}

// TxResult returns the on-chain outcome of hash, or nil when unknown.
func (s *Service) TxResult(ctx context.Context, code chain.Code, hash string) (*adapter.TxResult, error) {
	a, err := s.adapters.Get(code)
	if err != nil {
		return nil, err
	}
	return adapter.DoValue(ctx, s.policy, func(ctx context.Context) (*adapter.TxResult, error) {
		return a.QueryTxResult(ctx, hash)
	})
}

// Send builds, signs and broadcasts a transfer from the key of from.
// Building and signing are never retried; the broadcast is retried on
// network errors only, since resending identical signed bytes is harmless.
func (s *Service) Send(ctx context.Context, from Signer, p *adapter.TransferParams) (*adapter.SignedTx, error) {
	a, err := s.adapters.Get(from.Chain)
	if err != nil {
		return nil, err
	}

	key, err := s.signerKey(from)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	if p.From == "" {
		addr, err := address.FromKeyPair(key, from.AddrType)
		if err != nil {
			return nil, err
		}
		p.From = addr.Value
	}
	if p.PublicKey == nil {
		p.PublicKey = append([]byte(nil), key.Public...)
	}

	unsigned, err := a.BuildUnsigned(ctx, p)
	if err != nil {
		return nil, err
	}
	signed, err := a.Sign(unsigned, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s transfer: %w", from.Chain, err)
	}

	hash, err := adapter.DoValue(ctx, s.policy, func(ctx context.Context) (string, error) {
		return a.Broadcast(ctx, signed)
	})
	if err != nil {
		return nil, err
	}
	signed.Hash = hash

	s.log.Info("Broadcast transfer", "chain", from.Chain, "hash", hash)
	return signed, nil
}
