package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/app/solver"
	"github.com/uhyunpark/batchauction/pkg/crypto"
	"github.com/uhyunpark/batchauction/pkg/p2p"
	"github.com/uhyunpark/batchauction/pkg/util"
)

type options struct {
	id        string
	api       string
	secret    string
	tokenTTL  time.Duration
	interval  time.Duration
	minVolume string
	noPools   bool

	// p2p mode
	venue  string
	key    string
	listen string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "solver",
		Short:         "External solver for the batch auction",
		Long:          "Polls the node's REST API for the open auction, or follows round gossip over libp2p when --venue is set, and proposes settlements built by the greedy engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.id, "id", "", "solver id registered with the node")
	f.StringVar(&o.api, "api", "http://localhost:8080", "node API base URL")
	f.StringVar(&o.secret, "secret", os.Getenv("NODE_SOLVER_SECRET"), "shared JWT secret (defaults to $NODE_SOLVER_SECRET)")
	f.DurationVar(&o.tokenTTL, "token-ttl", 15*time.Minute, "lifetime of issued JWTs")
	f.DurationVar(&o.interval, "interval", time.Second, "auction poll interval")
	f.StringVar(&o.minVolume, "min-volume", "", "ignore orders worth less than this many native atoms")
	f.BoolVar(&o.noPools, "no-pools", false, "match orders only against each other")
	f.StringVar(&o.venue, "venue", "", "venue multiaddr with /p2p/<id>; switches to libp2p mode")
	f.StringVar(&o.key, "key", "", "hex key that signs proposals; its address must be registered with the node")
	f.StringVar(&o.listen, "listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen address")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func run(parent context.Context, o *options) error {
	logger, err := util.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar().Named("solver").With("id", o.id)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var engineOpts []solver.Option
	engineOpts = append(engineOpts, solver.WithLogger(log))
	if o.noPools {
		engineOpts = append(engineOpts, solver.WithoutPools())
	}
	var next solver.Solver = solver.NewEngine(o.id, engineOpts...)
	if o.minVolume != "" {
		floor, ok := new(big.Rat).SetString(o.minVolume)
		if !ok {
			return fmt.Errorf("invalid --min-volume %q", o.minVolume)
		}
		next = solver.MinVolumeFilter{Next: next, Min: floor}
	}

	if o.venue != "" {
		return runP2P(ctx, o, next, log)
	}
	return runHTTP(ctx, o, next, log)
}

func runHTTP(ctx context.Context, o *options, s solver.Solver, log *zap.SugaredLogger) error {
	if o.secret == "" {
		return errors.New("--secret is required to propose over HTTP")
	}
	if o.key == "" {
		return errors.New("--key is required to sign proposals")
	}
	signer, err := crypto.FromPrivateKeyHex(o.key)
	if err != nil {
		return fmt.Errorf("--key: %w", err)
	}
	client := newVenueClient(o.api, o.id, o.secret, signer, o.tokenTTL)
	driver := solver.NewDriver(s, func(ctx context.Context, st *settlement.Settlement) error {
		resp, err := client.Propose(ctx, st)
		if err != nil {
			return err
		}
		log.Infow("proposal_accepted", "round", resp.RoundID, "proposal", resp.ProposalID, "objective", resp.Objective)
		return nil
	}, solver.WithDriverLogger(log))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.interval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	log.Infow("solver_polling", "api", o.api, "interval", o.interval)
	for {
		wait := o.interval
		info, err := client.Auction(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			wait = b.NextBackOff()
			log.Warnw("auction_poll_failed", "err", err, "retry_in", wait)
		default:
			b.Reset()
			if info.Auction != nil {
				if _, err := driver.Handle(ctx, info.Auction); err != nil {
					log.Warnw("round_failed", "round", info.Auction.RoundID, "err", err)
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func runP2P(ctx context.Context, o *options, s solver.Solver, log *zap.SugaredLogger) error {
	if o.key == "" {
		return errors.New("--key is required in p2p mode")
	}
	signer, err := crypto.FromPrivateKeyHex(o.key)
	if err != nil {
		return fmt.Errorf("--key: %w", err)
	}
	venue, err := peer.AddrInfoFromString(o.venue)
	if err != nil {
		return fmt.Errorf("--venue: %w", err)
	}

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: o.listen,
		Bootstrap:  []string{o.venue},
		Logger:     log.Named("p2p"),
	})
	if err != nil {
		return err
	}
	defer net.Close()

	driver := solver.NewDriver(s, func(ctx context.Context, st *settlement.Settlement) error {
		ack, err := net.SubmitProposal(ctx, venue.ID, signer, o.id, st)
		if err != nil {
			return err
		}
		if ack.Error != "" {
			return errors.New(ack.Error)
		}
		log.Infow("proposal_accepted", "round", st.RoundID, "proposal", ack.ProposalID, "objective", ack.Objective)
		return nil
	}, solver.WithDriverLogger(log))

	net.SetHandlers(p2p.Handlers{
		OnAuction: func(ctx context.Context, a *settlement.Auction) {
			go func() {
				if _, err := driver.Handle(ctx, a); err != nil {
					log.Warnw("round_failed", "round", a.RoundID, "err", err)
				}
			}()
		},
	})

	log.Infow("solver_following_gossip", "venue", venue.ID.String(), "signer", signer.Address().Hex(), "addrs", net.Addrs())
	<-ctx.Done()
	return nil
}
