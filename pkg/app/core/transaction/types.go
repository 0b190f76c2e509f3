package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/batchauction/pkg/crypto"
)

// TxType represents the type of transaction
type TxType string

const (
	TxTypeOrder  TxType = "order"  // Place order (signed)
	TxTypeCancel TxType = "cancel" // Cancel order (signed)
)

// SignedTransaction is the client-facing envelope for orders and cancellations.
type SignedTransaction struct {
	Type      TxType         `json:"type"`
	Order     *OrderPayload  `json:"order,omitempty"`
	Cancel    *CancelPayload `json:"cancel,omitempty"`
	Signature string         `json:"signature"` // Hex-encoded signature (0x...)
}

// OrderPayload mirrors crypto.OrderEIP712 with amounts as decimal strings.
type OrderPayload struct {
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	Nonce             string `json:"nonce"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	Owner             string `json:"owner"`
}

// CancelPayload contains order cancellation data
type CancelPayload struct {
	OrderUID string `json:"orderUid"`
	Owner    string `json:"owner"`
}

func parseAmount(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", name, s)
	}
	return v, nil
}

// ToEIP712Order converts OrderPayload to crypto.OrderEIP712 for signing/verification
func (o *OrderPayload) ToEIP712Order() (*crypto.OrderEIP712, error) {
	for name, addr := range map[string]string{"sellToken": o.SellToken, "buyToken": o.BuyToken, "owner": o.Owner} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid %s: %q", name, addr)
		}
	}
	sell, err := parseAmount("sellAmount", o.SellAmount)
	if err != nil {
		return nil, err
	}
	buy, err := parseAmount("buyAmount", o.BuyAmount)
	if err != nil {
		return nil, err
	}
	nonce, err := parseAmount("nonce", o.Nonce)
	if err != nil {
		return nil, err
	}

	return &crypto.OrderEIP712{
		SellToken:         common.HexToAddress(o.SellToken),
		BuyToken:          common.HexToAddress(o.BuyToken),
		SellAmount:        sell,
		BuyAmount:         buy,
		ValidTo:           o.ValidTo,
		Nonce:             nonce,
		PartiallyFillable: o.PartiallyFillable,
		Owner:             common.HexToAddress(o.Owner),
	}, nil
}

// FromEIP712Order converts crypto.OrderEIP712 to OrderPayload
func FromEIP712Order(order *crypto.OrderEIP712) *OrderPayload {
	return &OrderPayload{
		SellToken:         order.SellToken.Hex(),
		BuyToken:          order.BuyToken.Hex(),
		SellAmount:        order.SellAmount.String(),
		BuyAmount:         order.BuyAmount.String(),
		ValidTo:           order.ValidTo,
		Nonce:             order.Nonce.String(),
		PartiallyFillable: order.PartiallyFillable,
		Owner:             order.Owner.Hex(),
	}
}

// Serialize converts SignedTransaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Validate performs basic validation on transaction structure
func (tx *SignedTransaction) Validate() error {
	if tx.Signature == "" {
		return fmt.Errorf("missing signature")
	}

	switch tx.Type {
	case TxTypeOrder:
		if tx.Order == nil {
			return fmt.Errorf("order type requires order payload")
		}
		if tx.Order.Owner == "" {
			return fmt.Errorf("missing order owner")
		}
	case TxTypeCancel:
		if tx.Cancel == nil {
			return fmt.Errorf("cancel type requires cancel payload")
		}
		if tx.Cancel.OrderUID == "" {
			return fmt.Errorf("missing cancel order uid")
		}
		if tx.Cancel.Owner == "" {
			return fmt.Errorf("missing cancel owner")
		}
	default:
		return fmt.Errorf("unknown transaction type: %q", tx.Type)
	}
	return nil
}

// ParseTransaction decodes and structurally validates a JSON transaction.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return &tx, nil
}

// Example order transaction:
//   {
//     "type": "order",
//     "order": {
//       "sellToken": "0x6B17...",
//       "buyToken": "0xC02a...",
//       "sellAmount": "1000000000000000000000",
//       "buyAmount": "500000000000000000",
//       "validTo": 1767225600,
//       "nonce": "42",
//       "partiallyFillable": false,
//       "owner": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
//     },
//     "signature": "0x1234567890abcdef..."
//   }
