package transaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/crypto"
)

var (
	ErrMalformed    = errors.New("malformed transaction")
	ErrBadSignature = errors.New("bad signature")
)

// Verifier turns signed client transactions into authenticated domain values.
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// DecodeOrder verifies the owner's signature and returns the order with its UID.
// CreatedAt is left for the orderbook to stamp.
func (v *Verifier) DecodeOrder(tx *SignedTransaction) (order.Order, error) {
	if tx.Type != TxTypeOrder || tx.Order == nil {
		return order.Order{}, fmt.Errorf("%w: not an order transaction", ErrMalformed)
	}
	o, err := tx.Order.ToEIP712Order()
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	sig, err := decodeSignature(tx.Signature)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest, err := v.eip712Signer.HashOrder(o)
	if err != nil {
		return order.Order{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !crypto.VerifySignature(o.Owner, digest, sig) {
		return order.Order{}, fmt.Errorf("%w: signer is not %s", ErrBadSignature, o.Owner.Hex())
	}

	return order.Order{
		UID:               order.ComputeUID(digest, o.Owner, o.ValidTo),
		Owner:             o.Owner,
		SellToken:         o.SellToken,
		BuyToken:          o.BuyToken,
		SellAmount:        o.SellAmount,
		BuyAmount:         o.BuyAmount,
		ValidTo:           o.ValidTo,
		Nonce:             o.Nonce,
		PartiallyFillable: o.PartiallyFillable,
		Signature:         sig,
	}, nil
}

// DecodeCancel returns the order uid and the address that signed the cancellation.
// Whether that address owns the order is for the orderbook to decide.
func (v *Verifier) DecodeCancel(tx *SignedTransaction) (order.UID, common.Address, error) {
	if tx.Type != TxTypeCancel || tx.Cancel == nil {
		return order.UID{}, common.Address{}, fmt.Errorf("%w: not a cancel transaction", ErrMalformed)
	}
	uid, err := order.ParseUID(tx.Cancel.OrderUID)
	if err != nil {
		return order.UID{}, common.Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !common.IsHexAddress(tx.Cancel.Owner) {
		return order.UID{}, common.Address{}, fmt.Errorf("%w: invalid owner %q", ErrMalformed, tx.Cancel.Owner)
	}
	sig, err := decodeSignature(tx.Signature)
	if err != nil {
		return order.UID{}, common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	cancel := &crypto.CancelEIP712{OrderUID: uid.String(), Owner: common.HexToAddress(tx.Cancel.Owner)}
	signer, err := v.eip712Signer.RecoverCancelSigner(cancel, sig)
	if err != nil {
		return order.UID{}, common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != cancel.Owner {
		return order.UID{}, common.Address{}, fmt.Errorf("%w: cancel signed by %s, claims %s", ErrBadSignature, signer.Hex(), cancel.Owner.Hex())
	}
	return uid, signer, nil
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	if !strings.HasPrefix(sig, "0x") {
		sig = "0x" + sig
	}
	b, err := hexutil.Decode(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}
