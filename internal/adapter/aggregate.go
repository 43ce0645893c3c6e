package adapter

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingvault/internal/chain"
)

// DefaultConcurrency bounds in-flight node requests during aggregation.
const DefaultConcurrency = 8

// BalanceQuery selects one balance to fetch.
type BalanceQuery struct {
	Chain   chain.Code
	Address string
	Token   string
}

// BalanceResult pairs a query with its outcome. Failures are per item.
type BalanceResult struct {
	Query   BalanceQuery
	Balance *Balance
	Err     error
}

// FeeQuery selects one fee estimate.
type FeeQuery struct {
	Chain  chain.Code
	Params *TransferParams
}

// FeeResult pairs a fee query with its outcome.
type FeeResult struct {
	Query FeeQuery
	Fee   *FeeSetting
	Err   error
}

// Balances fetches all queries concurrently. Results keep query order and
// one failing chain does not cancel the others.
func Balances(ctx context.Context, reg *Registry, queries []BalanceQuery, policy Policy) []BalanceResult {
	results := make([]BalanceResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultConcurrency)
	for i, q := range queries {
		results[i].Query = q
		g.Go(func() error {
			a, err := reg.Get(q.Chain)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Balance, results[i].Err = DoValue(gctx, policy, func(ctx context.Context) (*Balance, error) {
				return a.Balance(ctx, q.Address, q.Token)
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Fees estimates all queries concurrently.
func Fees(ctx context.Context, reg *Registry, queries []FeeQuery, policy Policy) []FeeResult {
	results := make([]FeeResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultConcurrency)
	for i, q := range queries {
		results[i].Query = q
		g.Go(func() error {
			a, err := reg.Get(q.Chain)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Fee, results[i].Err = DoValue(gctx, policy, func(ctx context.Context) (*FeeSetting, error) {
				return a.EstimateFee(ctx, q.Params)
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}
