package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20ABI covers the two views the balance check reads.
const ERC20ABI = `[{"type":"function","name":"balanceOf","stateMutability":"view",
 "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view",
 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
 "outputs":[{"name":"","type":"uint256"}]}]`

// ERC20Balances reads an owner's token balance and the allowance it granted the settlement
// contract. It implements orderbook.BalanceReader.
type ERC20Balances struct {
	client  ethereum.ContractCaller
	spender common.Address
	abi     abi.ABI
}

func NewERC20Balances(client ethereum.ContractCaller, settlementContract common.Address) (*ERC20Balances, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("erc20 abi: %w", err)
	}
	return &ERC20Balances{client: client, spender: settlementContract, abi: parsed}, nil
}

// Funds returns balanceOf(owner) and allowance(owner, settlement contract) at the latest block.
func (b *ERC20Balances) Funds(ctx context.Context, owner, token common.Address) (balance, allowance *big.Int, err error) {
	if balance, err = b.view(ctx, token, "balanceOf", owner); err != nil {
		return nil, nil, err
	}
	if allowance, err = b.view(ctx, token, "allowance", owner, b.spender); err != nil {
		return nil, nil, err
	}
	return balance, allowance, nil
}

func (b *ERC20Balances) view(ctx context.Context, token common.Address, method string, args ...any) (*big.Int, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, token.Hex(), err)
	}
	vals, err := b.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s on %s: %w", method, token.Hex(), err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s on %s: unexpected result %T", method, token.Hex(), vals[0])
	}
	return v, nil
}
