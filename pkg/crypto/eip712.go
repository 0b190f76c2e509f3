package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // settlement contract
}

// OrderEIP712 is the swap order users sign in their wallets.
type OrderEIP712 struct {
	SellToken         common.Address
	BuyToken          common.Address
	SellAmount        *big.Int
	BuyAmount         *big.Int // minimum amount of BuyToken for the full SellAmount
	ValidTo           uint32   // unix seconds
	Nonce             *big.Int
	PartiallyFillable bool
	Owner             common.Address
}

// CancelEIP712 authorizes cancellation of one order by its owner.
type CancelEIP712 struct {
	OrderUID string // 0x-prefixed hex
	Owner    common.Address
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderType = []apitypes.Type{
	{Name: "sellToken", Type: "address"},
	{Name: "buyToken", Type: "address"},
	{Name: "sellAmount", Type: "uint256"},
	{Name: "buyAmount", Type: "uint256"},
	{Name: "validTo", Type: "uint32"},
	{Name: "nonce", Type: "uint256"},
	{Name: "partiallyFillable", Type: "bool"},
	{Name: "owner", Type: "address"},
}

var cancelType = []apitypes.Type{
	{Name: "orderUid", Type: "string"},
	{Name: "owner", Type: "address"},
}

// EIP712Signer hashes, signs and verifies typed orders and cancellations for one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain is the off-chain devnet domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "BatchAuction",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// DomainFor binds signatures to one chain and settlement contract.
func DomainFor(chainID int64, contract common.Address) EIP712Domain {
	d := DefaultDomain()
	d.ChainID = big.NewInt(chainID)
	d.VerifyingContract = contract
	return d
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedData(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func digest(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

func orderMessage(o *OrderEIP712) (apitypes.TypedDataMessage, error) {
	if o.SellAmount == nil || o.BuyAmount == nil || o.Nonce == nil {
		return nil, fmt.Errorf("order amounts and nonce are required")
	}
	return apitypes.TypedDataMessage{
		"sellToken":         o.SellToken.Hex(),
		"buyToken":          o.BuyToken.Hex(),
		"sellAmount":        o.SellAmount.String(),
		"buyAmount":         o.BuyAmount.String(),
		"validTo":           fmt.Sprintf("%d", o.ValidTo),
		"nonce":             o.Nonce.String(),
		"partiallyFillable": o.PartiallyFillable,
		"owner":             o.Owner.Hex(),
	}, nil
}

// HashOrder returns the 32-byte EIP-712 digest that owners sign.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	msg, err := orderMessage(order)
	if err != nil {
		return nil, err
	}
	return digest(e.typedData("Order", orderType, msg))
}

func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.Sign(hash)
}

// VerifyOrderSignature reports whether signature was made by order.Owner.
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return false, fmt.Errorf("failed to hash order: %w", err)
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == order.Owner, nil
}

func (e *EIP712Signer) HashCancel(cancel *CancelEIP712) ([]byte, error) {
	return digest(e.typedData("CancelOrder", cancelType, apitypes.TypedDataMessage{
		"orderUid": cancel.OrderUID,
		"owner":    cancel.Owner.Hex(),
	}))
}

func (e *EIP712Signer) SignCancel(signer *Signer, cancel *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return nil, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverCancelSigner returns the address that signed the cancellation.
func (e *EIP712Signer) RecoverCancelSigner(cancel *CancelEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashCancel(cancel)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// OrderToJSON renders the order as eth_signTypedData_v4 input for wallets.
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	msg, err := orderMessage(order)
	if err != nil {
		return "", err
	}
	td := e.typedData("Order", orderType, msg)
	out, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
