package execution

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/util"
)

// SettlementABI covers the settlement contract calls the executor makes: settle, and the
// filledAmount view used to find orders spent by a failed settlement.
const SettlementABI = `[{"type":"function","name":"filledAmount","stateMutability":"view",
 "inputs":[{"name":"orderUid","type":"bytes"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"settle","stateMutability":"nonpayable","outputs":[],"inputs":[
 {"name":"round","type":"uint64"},
 {"name":"orderUids","type":"bytes[]"},
 {"name":"executedSell","type":"uint256[]"},
 {"name":"executedBuy","type":"uint256[]"},
 {"name":"interactions","type":"tuple[]","components":[
  {"name":"pool","type":"address"},
  {"name":"tokenIn","type":"address"},
  {"name":"tokenOut","type":"address"},
  {"name":"amountIn","type":"uint256"},
  {"name":"amountOut","type":"uint256"}]}]}]`

// Client is the subset of the Ethereum RPC the executor uses. *ethclient.Client implements it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// consumedLookupTimeout bounds the filledAmount queries after a failed execution. They run
// after the execution horizon, so they get their own deadline.
const consumedLookupTimeout = 10 * time.Second

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

type abiInteraction struct {
	Pool      common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
}

// ChainExecutor calls settle on the settlement contract with an EIP-1559 transaction and
// waits for its receipt until the context ends.
type ChainExecutor struct {
	client       Client
	contract     common.Address
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	abi          abi.ABI
	pollInterval time.Duration
	log          *zap.SugaredLogger
}

func NewChainExecutor(client Client, contract common.Address, chainID *big.Int, key *ecdsa.PrivateKey, log *zap.SugaredLogger) (*ChainExecutor, error) {
	parsed, err := abi.JSON(strings.NewReader(SettlementABI))
	if err != nil {
		return nil, fmt.Errorf("parse settlement abi: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("submitter key required")
	}
	return &ChainExecutor{
		client:       client,
		contract:     contract,
		chainID:      new(big.Int).Set(chainID),
		key:          key,
		from:         gethcrypto.PubkeyToAddress(key.PublicKey),
		abi:          parsed,
		pollInterval: 2 * time.Second,
		log:          util.Sugar(log),
	}, nil
}

// SetPollInterval changes how often the receipt is polled.
func (c *ChainExecutor) SetPollInterval(d time.Duration) { c.pollInterval = d }

// Calldata encodes the settle call for s.
func (c *ChainExecutor) Calldata(s *settlement.Settlement) ([]byte, error) {
	uids := make([][]byte, 0, len(s.Trades))
	sells := make([]*big.Int, 0, len(s.Trades))
	buys := make([]*big.Int, 0, len(s.Trades))
	for _, t := range s.Trades {
		uid := t.OrderUID
		uids = append(uids, uid[:])
		sells = append(sells, t.ExecutedSell)
		buys = append(buys, t.ExecutedBuy)
	}
	inters := make([]abiInteraction, 0, len(s.Interactions))
	for _, in := range s.Interactions {
		inters = append(inters, abiInteraction{in.Pool, in.TokenIn, in.TokenOut, in.AmountIn, in.AmountOut})
	}
	return c.abi.Pack("settle", s.RoundID, uids, sells, buys, inters)
}

// Execute submits s. A result other than confirmed carries the orders the contract reports
// as filled anyway.
func (c *ChainExecutor) Execute(ctx context.Context, s *settlement.Settlement) (Result, error) {
	res, err := c.execute(ctx, s)
	if err == nil && res.Status != StatusConfirmed {
		res.Consumed = c.consumed(ctx, s)
	}
	return res, err
}

func (c *ChainExecutor) execute(ctx context.Context, s *settlement.Settlement) (Result, error) {
	data, err := c.Calldata(s)
	if err != nil {
		return Result{}, fmt.Errorf("pack settle: %w", err)
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return Result{}, fmt.Errorf("%w: nonce: %v", ErrTransient, err)
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: tip: %v", ErrTransient, err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: head: %v", ErrTransient, err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	to := c.contract
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data, GasTipCap: tip, GasFeeCap: feeCap})
	if err != nil {
		// The call fails in simulation; it would revert on-chain.
		return Result{Status: StatusReverted, Reason: fmt.Sprintf("estimate gas: %v", err)}, nil
	}

	tx, err := gethtypes.SignNewTx(c.key, gethtypes.LatestSignerForChainID(c.chainID), &gethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	if err != nil {
		return Result{}, fmt.Errorf("sign settle tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, tx); err != nil {
		return Result{}, fmt.Errorf("%w: send: %v", ErrTransient, err)
	}
	c.log.Infow("settlement_submitted", "round", s.RoundID, "tx", tx.Hash().Hex(), "nonce", nonce, "gas", gas)
	return c.wait(ctx, tx.Hash())
}

func (c *ChainExecutor) wait(ctx context.Context, h common.Hash) (Result, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, h)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == gethtypes.ReceiptStatusSuccessful {
				return Result{Status: StatusConfirmed, TxHash: h}, nil
			}
			return Result{Status: StatusReverted, TxHash: h, Reason: "receipt status failed"}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.log.Debugw("receipt_poll_failed", "tx", h.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return Result{Status: StatusUnknown, TxHash: h, Reason: ctx.Err().Error()}, nil
		case <-ticker.C:
		}
	}
}

// Filled returns the sell amount the settlement contract has recorded for uid.
func (c *ChainExecutor) Filled(ctx context.Context, uid order.UID) (*big.Int, error) {
	data, err := c.abi.Pack("filledAmount", uid[:])
	if err != nil {
		return nil, fmt.Errorf("pack filledAmount: %w", err)
	}
	to := c.contract
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := c.abi.Unpack("filledAmount", out)
	if err != nil {
		return nil, fmt.Errorf("unpack filledAmount: %w", err)
	}
	filled, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("filledAmount returned %T", vals[0])
	}
	return filled, nil
}

// consumed lists the orders of s that the contract reports as filled. Orders that cannot be
// checked are left out and go back to the book.
func (c *ChainExecutor) consumed(ctx context.Context, s *settlement.Settlement) []order.UID {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consumedLookupTimeout)
	defer cancel()
	var out []order.UID
	for _, t := range s.Trades {
		filled, err := c.Filled(lctx, t.OrderUID)
		if err != nil {
			c.log.Warnw("filled_lookup_failed", "round", s.RoundID, "order", t.OrderUID.Short(), "err", err)
			continue
		}
		if filled.Sign() > 0 {
			out = append(out, t.OrderUID)
		}
	}
	if len(out) > 0 {
		c.log.Warnw("orders_filled_despite_failure", "round", s.RoundID, "orders", len(out))
	}
	return out
}
