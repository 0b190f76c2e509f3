package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/crypto"
	"github.com/uhyunpark/batchauction/pkg/util"
)

const (
	topicRounds      = "auction-rounds/1"
	protocolProposal = protocol.ID("/auction/proposal/1.0.0")

	maxProposalSize = 8 << 20
	streamTimeout   = 10 * time.Second
)

var (
	ErrUnknownSolver        = errors.New("solver has no registered proposal key")
	ErrBadProposalSignature = errors.New("proposal signature does not match solver key")
)

// Proposer accepts settlements for a round. *auction.Coordinator implements it.
type Proposer interface {
	Propose(ctx context.Context, roundID uint64, solver string, s *settlement.Settlement) (*auction.Proposal, error)
}

// Handlers receive gossiped round events on solver nodes.
type Handlers struct {
	OnAuction       func(ctx context.Context, a *settlement.Auction)
	OnRoundFinished func(ctx context.Context, s *auction.Summary)
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	// Proposer is set on the venue node; nil on solver nodes.
	Proposer Proposer
	// Solvers maps solver ids to the addresses that sign their p2p proposals.
	Solvers map[string]common.Address
	Logger  *zap.SugaredLogger
}

// Libp2pNet gossips auctions and round results and carries signed solver proposals to the
// venue over direct streams.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	tRounds   *pubsub.Topic
	subRounds *pubsub.Subscription

	proposer Proposer
	solvers  map[string]common.Address

	muH      sync.RWMutex
	handlers Handlers
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Libp2pNet{
		h:        h,
		ps:       ps,
		log:      util.Sugar(cfg.Logger),
		solvers:  cfg.Solvers,
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if n.tRounds, err = ps.Join(topicRounds); err != nil {
		h.Close()
		return nil, err
	}
	if n.subRounds, err = n.tRounds.Subscribe(); err != nil {
		h.Close()
		return nil, err
	}
	if cfg.Proposer != nil {
		n.AcceptProposals(cfg.Proposer)
	}

	go n.handleRounds(ctx)

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// AcceptProposals makes this node a venue: signed proposals arriving over direct streams
// are handed to p.
func (n *Libp2pNet) AcceptProposals(p Proposer) {
	n.proposer = p
	n.h.SetStreamHandler(protocolProposal, n.handleProposalStream)
}

func (n *Libp2pNet) SetHandlers(h Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns the node's dialable multiaddrs including its peer id.
func (n *Libp2pNet) Addrs() []string {
	var out []string
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

func (n *Libp2pNet) Close() error {
	n.subRounds.Cancel()
	_ = n.tRounds.Close()
	return n.h.Close()
}

// ==============================
// Venue side
// ==============================

func (n *Libp2pNet) publish(kind roundKind, round uint64, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.log.Warnw("gossip_encode_failed", "round", round, "err", err)
		return
	}
	data, err := gobEncode(RoundWire{Kind: kind, Payload: payload})
	if err != nil {
		n.log.Warnw("gossip_encode_failed", "round", round, "err", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
		defer cancel()
		if err := n.tRounds.Publish(ctx, data); err != nil {
			n.log.Warnw("gossip_publish_failed", "round", round, "err", err)
		}
	}()
}

func (n *Libp2pNet) RoundOpened(a *settlement.Auction) { n.publish(kindAuctionOpened, a.RoundID, a) }

func (n *Libp2pNet) RoundFinished(s *auction.Summary) { n.publish(kindRoundFinished, s.RoundID, s) }

var _ auction.Observer = (*Libp2pNet)(nil)

// handleProposalStream reads one signed proposal, hands it to the proposer and replies.
func (n *Libp2pNet) handleProposalStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	data, err := io.ReadAll(io.LimitReader(s, maxProposalSize))
	if err != nil {
		return
	}
	ack := n.accept(data, s.Conn().RemotePeer())
	out, err := gobEncode(ack)
	if err != nil {
		return
	}
	_, _ = s.Write(out)
}

func (n *Libp2pNet) accept(data []byte, from peer.ID) AckWire {
	var w ProposalWire
	if err := gobDecode(data, &w); err != nil {
		return AckWire{Error: "malformed proposal: " + err.Error()}
	}
	st, err := w.Open(n.solvers)
	if err != nil {
		n.log.Infow("p2p_proposal_refused", "peer", from.String(), "solver", w.Solver, "err", err)
		return AckWire{Error: err.Error()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()
	p, err := n.proposer.Propose(ctx, st.RoundID, w.Solver, st)
	if err != nil {
		return AckWire{Error: err.Error()}
	}
	return AckWire{ProposalID: p.ID.String(), Objective: p.Objective.FloatString(6)}
}

// ==============================
// Solver side
// ==============================

// SubmitProposal signs s and sends it to the venue peer, returning the venue's answer.
func (n *Libp2pNet) SubmitProposal(ctx context.Context, venue peer.ID, signer *crypto.Signer, solver string, s *settlement.Settlement) (AckWire, error) {
	w, err := SignProposal(signer, solver, s)
	if err != nil {
		return AckWire{}, err
	}
	data, err := gobEncode(w)
	if err != nil {
		return AckWire{}, err
	}

	stream, err := n.h.NewStream(ctx, venue, protocolProposal)
	if err != nil {
		return AckWire{}, fmt.Errorf("open proposal stream: %w", err)
	}
	defer stream.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	if _, err := stream.Write(data); err != nil {
		return AckWire{}, err
	}
	if err := stream.CloseWrite(); err != nil {
		return AckWire{}, err
	}
	reply, err := io.ReadAll(io.LimitReader(stream, 64<<10))
	if err != nil {
		return AckWire{}, err
	}
	var ack AckWire
	if err := gobDecode(reply, &ack); err != nil {
		return AckWire{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

// handleRounds dispatches gossiped round events to the registered handlers.
func (n *Libp2pNet) handleRounds(ctx context.Context) {
	for {
		msg, err := n.subRounds.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w RoundWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}

		n.muH.RLock()
		h := n.handlers
		n.muH.RUnlock()

		switch w.Kind {
		case kindAuctionOpened:
			var a settlement.Auction
			if err := json.Unmarshal(w.Payload, &a); err != nil || h.OnAuction == nil {
				continue
			}
			h.OnAuction(ctx, &a)
		case kindRoundFinished:
			var s auction.Summary
			if err := json.Unmarshal(w.Payload, &s); err != nil || h.OnRoundFinished == nil {
				continue
			}
			h.OnRoundFinished(ctx, &s)
		}
	}
}
