package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/params"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
)

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAddresses(field string, in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		a, err := parseAddress(field, s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// parseRat accepts "3/2" and "0.001" forms. Empty yields nil.
func parseRat(field, s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return r, nil
}

func parsePrices(in map[string]string) (map[common.Address]*big.Rat, error) {
	out := make(map[common.Address]*big.Rat, len(in))
	for tok, v := range in {
		a, err := parseAddress("pricing.static_prices", tok)
		if err != nil {
			return nil, err
		}
		r, err := parseRat("pricing.static_prices["+tok+"]", v)
		if err != nil {
			return nil, err
		}
		if r == nil || r.Sign() == 0 {
			return nil, fmt.Errorf("pricing.static_prices[%s]: price must be positive", tok)
		}
		out[a] = r
	}
	return out, nil
}

func parseReserve(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%s: invalid reserve %q", field, s)
	}
	return v, nil
}

func parsePools(in []params.Pool) ([]settlement.Pool, error) {
	out := make([]settlement.Pool, 0, len(in))
	for i, p := range in {
		field := fmt.Sprintf("pools[%d]", i)
		var (
			pool settlement.Pool
			err  error
		)
		if pool.Address, err = parseAddress(field+".address", p.Address); err != nil {
			return nil, err
		}
		if pool.TokenA, err = parseAddress(field+".token_a", p.TokenA); err != nil {
			return nil, err
		}
		if pool.TokenB, err = parseAddress(field+".token_b", p.TokenB); err != nil {
			return nil, err
		}
		if pool.TokenA == pool.TokenB {
			return nil, fmt.Errorf("%s: pool trades a token against itself", field)
		}
		if pool.ReserveA, err = parseReserve(field+".reserve_a", p.ReserveA); err != nil {
			return nil, err
		}
		if pool.ReserveB, err = parseReserve(field+".reserve_b", p.ReserveB); err != nil {
			return nil, err
		}
		if p.FeeBps >= 10_000 {
			return nil, fmt.Errorf("%s: fee %d bps out of range", field, p.FeeBps)
		}
		pool.FeeBps = p.FeeBps
		out = append(out, pool)
	}
	return out, nil
}
