// Package pricing turns a set of independent price sources into the reference prices an
// auction round is valued at.
package pricing

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnavailable is returned when no rate can be produced for a pair.
var ErrUnavailable = errors.New("price unavailable")

// Estimator quotes how many atoms of buy one atom of sell is worth. A nil or zero amount
// asks for the marginal rate.
type Estimator interface {
	Name() string
	Estimate(ctx context.Context, sell, buy common.Address, amount *big.Int) (*big.Rat, error)
}

// Policy combines the rates of the estimators that answered. rates is never empty.
type Policy func(rates []*big.Rat) *big.Rat

// Median returns the middle rate, or the mean of the two middle rates for an even count.
func Median(rates []*big.Rat) *big.Rat {
	sorted := sortedCopy(rates)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

// Best returns the most favourable rate for the seller.
func Best(rates []*big.Rat) *big.Rat {
	sorted := sortedCopy(rates)
	return sorted[len(sorted)-1]
}

func sortedCopy(rates []*big.Rat) []*big.Rat {
	out := make([]*big.Rat, 0, len(rates))
	for _, r := range rates {
		out = append(out, new(big.Rat).Set(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// PolicyByName maps a configuration value to a policy. Empty selects Median.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "median":
		return Median, nil
	case "best":
		return Best, nil
	}
	return nil, errors.New("unknown pricing policy " + name)
}
