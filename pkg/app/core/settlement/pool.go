package settlement

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrPoolToken = errors.New("token not traded by pool")

const feeDenominator = 10_000

// Pool is a constant-product (x*y=k) pool with a fee in basis points on the input.
type Pool struct {
	Address  common.Address `json:"address"`
	TokenA   common.Address `json:"tokenA"`
	TokenB   common.Address `json:"tokenB"`
	ReserveA *big.Int       `json:"reserveA"`
	ReserveB *big.Int       `json:"reserveB"`
	FeeBps   uint32         `json:"feeBps"`
}

func (p Pool) reserves(tokenIn, tokenOut common.Address) (rin, rout *big.Int, err error) {
	switch {
	case tokenIn == p.TokenA && tokenOut == p.TokenB:
		return p.ReserveA, p.ReserveB, nil
	case tokenIn == p.TokenB && tokenOut == p.TokenA:
		return p.ReserveB, p.ReserveA, nil
	}
	return nil, nil, ErrPoolToken
}

// AmountOut is the output for swapping amountIn of tokenIn, rounded down.
func (p Pool) AmountOut(tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	rin, rout, err := p.reserves(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if amountIn.Sign() <= 0 || rin.Sign() <= 0 || rout.Sign() <= 0 {
		return new(big.Int), nil
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(feeDenominator-p.FeeBps)))
	num := new(big.Int).Mul(inWithFee, rout)
	den := new(big.Int).Mul(rin, big.NewInt(feeDenominator))
	den.Add(den, inWithFee)
	return num.Quo(num, den), nil
}

// Swap returns the pool after the swap has executed.
func (p Pool) Swap(tokenIn, tokenOut common.Address, amountIn, amountOut *big.Int) (Pool, error) {
	if _, _, err := p.reserves(tokenIn, tokenOut); err != nil {
		return p, err
	}
	next := p
	if tokenIn == p.TokenA {
		next.ReserveA = new(big.Int).Add(p.ReserveA, amountIn)
		next.ReserveB = new(big.Int).Sub(p.ReserveB, amountOut)
	} else {
		next.ReserveB = new(big.Int).Add(p.ReserveB, amountIn)
		next.ReserveA = new(big.Int).Sub(p.ReserveA, amountOut)
	}
	return next, nil
}

// Rate is the marginal price of tokenIn in tokenOut (reserveOut/reserveIn), ignoring fees.
func (p Pool) Rate(tokenIn, tokenOut common.Address) (*big.Rat, error) {
	rin, rout, err := p.reserves(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	if rin.Sign() <= 0 {
		return nil, ErrPoolToken
	}
	return new(big.Rat).SetFrac(rout, rin), nil
}
