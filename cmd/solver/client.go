package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/batchauction/pkg/api"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/crypto"
	"github.com/uhyunpark/batchauction/pkg/p2p"
)

// venueClient talks to a node's REST API as one solver.
type venueClient struct {
	base   string
	id     string
	secret string
	signer *crypto.Signer
	ttl    time.Duration
	http   *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newVenueClient(base, id, secret string, signer *crypto.Signer, ttl time.Duration) *venueClient {
	return &venueClient{
		base:   strings.TrimRight(base, "/"),
		id:     id,
		secret: secret,
		signer: signer,
		ttl:    ttl,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// bearer returns a token valid for at least another quarter of its lifetime.
func (c *venueClient) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.expires) > c.ttl/4 {
		return c.token, nil
	}
	tok, err := api.IssueSolverToken(c.secret, c.id, c.ttl)
	if err != nil {
		return "", err
	}
	c.token, c.expires = tok, time.Now().Add(c.ttl)
	return tok, nil
}

func (c *venueClient) Auction(ctx context.Context) (*api.AuctionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/auction", nil)
	if err != nil {
		return nil, err
	}
	var info api.AuctionInfo
	if err := c.do(req, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Propose posts s signed with the solver key; the node checks the signature over the exact body.
func (c *venueClient) Propose(ctx context.Context, s *settlement.Settlement) (*api.ProposalResponse, error) {
	w, err := p2p.SignProposal(c.signer, c.id, s)
	if err != nil {
		return nil, err
	}
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/solvers/proposals", bytes.NewReader(w.Settlement))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(api.HeaderSolverSignature, hexutil.Encode(w.Signature))
	var out api.ProposalResponse
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *venueClient) do(req *http.Request, want int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s: %s %s", req.Method, req.URL.Path, resp.Status, e.Error, e.Message)
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
