// Package events publishes round lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/util"
)

const (
	TypeRoundOpened   = "round_opened"
	TypeRoundFinished = "round_finished"
)

// Event is the message value. Exactly one of Auction and Round is set.
type Event struct {
	Type    string           `json:"type"`
	RoundID uint64           `json:"roundId"`
	Time    time.Time        `json:"time"`
	Auction *AuctionOpened   `json:"auction,omitempty"`
	Round   *auction.Summary `json:"round,omitempty"`
}

type AuctionOpened struct {
	Deadline time.Time `json:"deadline"`
	Orders   int       `json:"orders"`
	Pools    int       `json:"pools"`
}

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher forwards round events to a Writer from a background goroutine so observers
// never block the auction loop. Events are dropped when the queue is full.
type Publisher struct {
	w     Writer
	queue chan kafka.Message
	clock util.Clock
	log   *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type Option func(*Publisher)

func WithLogger(l *zap.SugaredLogger) Option { return func(p *Publisher) { p.log = l } }
func WithClock(c util.Clock) Option { return func(p *Publisher) { p.clock = c } }
func WithQueueSize(n int) Option { return func(p *Publisher) { p.queue = make(chan kafka.Message, n) } }

// NewKafkaPublisher writes to topic on brokers, keyed by round id.
func NewKafkaPublisher(brokers []string, topic string, opts ...Option) *Publisher {
	return NewPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, opts...)
}

func NewPublisher(w Writer, opts ...Option) *Publisher {
	p := &Publisher{
		w:     w,
		queue: make(chan kafka.Message, 256),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.clock = util.OrDefault(p.clock)
	p.log = util.Sugar(p.log)
	return p
}

// Run writes queued events until Close is called or ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.w.WriteMessages(ctx, msg); err != nil {
				p.log.Warnw("event_publish_failed", "key", string(msg.Key), "err", err)
			}
		}
	}
}

// Close drains the queue and closes the writer. Run must have been started.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.w.Close()
}

func (p *Publisher) enqueue(ev Event) {
	val, err := json.Marshal(ev)
	if err != nil {
		p.log.Warnw("event_encode_failed", "type", ev.Type, "round", ev.RoundID, "err", err)
		return
	}
	msg := kafka.Message{
		Key:     []byte(strconv.FormatUint(ev.RoundID, 10)),
		Value:   val,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
		Time:    ev.Time,
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.log.Warnw("event_dropped", "type", ev.Type, "round", ev.RoundID)
	}
}

func (p *Publisher) RoundOpened(a *settlement.Auction) {
	p.enqueue(Event{
		Type:    TypeRoundOpened,
		RoundID: a.RoundID,
		Time:    p.clock.Now(),
		Auction: &AuctionOpened{Deadline: a.Deadline, Orders: len(a.Orders), Pools: len(a.Liquidity)},
	})
}

func (p *Publisher) RoundFinished(s *auction.Summary) {
	p.enqueue(Event{Type: TypeRoundFinished, RoundID: s.RoundID, Time: p.clock.Now(), Round: s})
}

var _ auction.Observer = (*Publisher)(nil)
