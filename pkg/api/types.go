package api

import (
	"time"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/core/transaction"
)

// ==============================
// REST Types
// ==============================

// OrderInfo is an order as seen by its owner. Status is the effective status at query time.
type OrderInfo struct {
	UID               string `json:"uid"`
	Owner             string `json:"owner"`
	SellToken         string `json:"sellToken"`
	BuyToken          string `json:"buyToken"`
	SellAmount        string `json:"sellAmount"`
	BuyAmount         string `json:"buyAmount"`
	ValidTo           uint32 `json:"validTo"`
	PartiallyFillable bool   `json:"partiallyFillable"`
	Status            string `json:"status"`
	Remaining         string `json:"remaining"`
	ExecutedSell      string `json:"executedSell"`
	ExecutedBuy       string `json:"executedBuy"`
	Round             uint64 `json:"round,omitempty"` // last round that claimed the order
	Reason            string `json:"reason,omitempty"`
	CreatedAt         int64  `json:"createdAt"` // Unix milliseconds
	UpdatedAt         int64  `json:"updatedAt"` // Unix milliseconds
}

func newOrderInfo(rec *order.Record, now time.Time) OrderInfo {
	return OrderInfo{
		UID:               rec.UID.String(),
		Owner:             rec.Owner.Hex(),
		SellToken:         rec.SellToken.Hex(),
		BuyToken:          rec.BuyToken.Hex(),
		SellAmount:        rec.SellAmount.String(),
		BuyAmount:         rec.BuyAmount.String(),
		ValidTo:           rec.ValidTo,
		PartiallyFillable: rec.PartiallyFillable,
		Status:            rec.EffectiveStatus(now).String(),
		Remaining:         rec.Remaining.String(),
		ExecutedSell:      rec.ExecutedSell.String(),
		ExecutedBuy:       rec.ExecutedBuy.String(),
		Round:             rec.Round,
		Reason:            rec.Reason,
		CreatedAt:         rec.CreatedAt.UnixMilli(),
		UpdatedAt:         rec.UpdatedAt.UnixMilli(),
	}
}

type SubmitOrderResponse struct {
	Status   string `json:"status"`
	UID      string `json:"uid"`
	Replaced string `json:"replaced,omitempty"`
}

// ReplaceOrderRequest carries a signed cancel of the path order and its signed replacement.
type ReplaceOrderRequest struct {
	Cancel *transaction.SignedTransaction `json:"cancel"`
	Order  *transaction.SignedTransaction `json:"order"`
}

// AuctionInfo is the round currently collecting proposals, if any.
type AuctionInfo struct {
	State   string              `json:"state"`
	Auction *settlement.Auction `json:"auction,omitempty"`
	Last    *auction.Summary    `json:"last,omitempty"`
}

type ProposalResponse struct {
	ProposalID string    `json:"proposalId"`
	RoundID    uint64    `json:"roundId"`
	Objective  string    `json:"objective"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	LastRound uint64 `json:"lastRound"`
}

// ErrorResponse is returned for failed requests
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest subscribes to "rounds" or "orders:<owner>".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

type WSMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// RoundOpenedEvent announces a new auction without its order payload.
type RoundOpenedEvent struct {
	RoundID  uint64    `json:"roundId"`
	Deadline time.Time `json:"deadline"`
	Orders   int       `json:"orders"`
	Pools    int       `json:"pools"`
}
