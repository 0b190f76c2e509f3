package transaction

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/crypto"
)

// NewSignedOrder signs o with signer (whose address must be o.Owner) and wraps it.
func NewSignedOrder(domain crypto.EIP712Domain, signer *crypto.Signer, o *crypto.OrderEIP712) (*SignedTransaction, error) {
	sig, err := crypto.NewEIP712Signer(domain).SignOrder(signer, o)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{
		Type:      TxTypeOrder,
		Order:     FromEIP712Order(o),
		Signature: hexutil.Encode(sig),
	}, nil
}

// NewSignedCancel authorizes cancellation of uid by signer.
func NewSignedCancel(domain crypto.EIP712Domain, signer *crypto.Signer, uid order.UID) (*SignedTransaction, error) {
	c := &crypto.CancelEIP712{OrderUID: uid.String(), Owner: signer.Address()}
	sig, err := crypto.NewEIP712Signer(domain).SignCancel(signer, c)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{
		Type:      TxTypeCancel,
		Cancel:    &CancelPayload{OrderUID: c.OrderUID, Owner: c.Owner.Hex()},
		Signature: hexutil.Encode(sig),
	}, nil
}
