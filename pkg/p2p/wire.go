package p2p

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/crypto"
)

func init() {
	gob.Register(RoundWire{})
	gob.Register(ProposalWire{})
	gob.Register(AckWire{})
}

type roundKind uint8

const (
	kindAuctionOpened roundKind = iota + 1
	kindRoundFinished
)

// RoundWire is gossiped on the rounds topic.
type RoundWire struct {
	Kind    roundKind
	Payload []byte // JSON settlement.Auction or auction.Summary
}

// ProposalWire is a solver settlement sent to the venue over a direct stream.
type ProposalWire struct {
	Solver     string
	Settlement []byte // JSON settlement.Settlement
	Signature  []byte // secp256k1 over keccak256(Solver || 0x00 || Settlement)
}

// AckWire answers a ProposalWire.
type AckWire struct {
	ProposalID string
	Objective  string
	Error      string
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func proposalMessage(solver string, payload []byte) []byte {
	msg := make([]byte, 0, len(solver)+1+len(payload))
	msg = append(msg, solver...)
	msg = append(msg, 0)
	return append(msg, payload...)
}

// SignProposal encodes s and signs it for solver with the solver's registered key.
func SignProposal(signer *crypto.Signer, solver string, s *settlement.Settlement) (ProposalWire, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return ProposalWire{}, fmt.Errorf("encode settlement: %w", err)
	}
	sig, err := signer.SignMessage(proposalMessage(solver, payload))
	if err != nil {
		return ProposalWire{}, err
	}
	return ProposalWire{Solver: solver, Settlement: payload, Signature: sig}, nil
}

// Open checks the signature against the solver's registered address and decodes the settlement.
func (w ProposalWire) Open(solvers map[string]common.Address) (*settlement.Settlement, error) {
	addr, ok := solvers[w.Solver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSolver, w.Solver)
	}
	if !crypto.VerifyMessage(addr, proposalMessage(w.Solver, w.Settlement), w.Signature) {
		return nil, fmt.Errorf("%w: %q", ErrBadProposalSignature, w.Solver)
	}
	var s settlement.Settlement
	if err := json.Unmarshal(w.Settlement, &s); err != nil {
		return nil, fmt.Errorf("decode settlement: %w", err)
	}
	return &s, nil
}

// ParseSolverRegistry reads "id=0xaddress" entries. Entries without a key are skipped.
func ParseSolverRegistry(entries []string) (map[string]common.Address, error) {
	out := make(map[string]common.Address)
	for _, e := range entries {
		id, addr, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid solver entry %q", e)
		}
		out[id] = common.HexToAddress(addr)
	}
	return out, nil
}
