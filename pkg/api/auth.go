package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
	"github.com/uhyunpark/batchauction/pkg/p2p"
)

type contextKey string

const contextKeySolver contextKey = "api.solver"

var errUnknownSolver = errors.New("solver not registered")

// HeaderSolverSignature carries the solver's secp256k1 signature over the proposal body,
// made with p2p.SignProposal.
const HeaderSolverSignature = "X-Solver-Signature"

var errMissingSignature = errors.New("missing proposal signature")

// SolverAuth verifies HS256 solver tokens and the key signature on each proposal. The token
// subject is the solver id; the signature binds the body to the key registered for it.
type SolverAuth struct {
	secret  []byte
	solvers map[string]struct{} // empty allows any subject
	keys    map[string]common.Address
	leeway  time.Duration
}

// NewSolverAuth builds the verifier from registry entries "id" or "id=0xaddress". Only
// solvers with an address can have proposals accepted.
func NewSolverAuth(secret string, solvers []string) (*SolverAuth, error) {
	keys, err := p2p.ParseSolverRegistry(solvers)
	if err != nil {
		return nil, err
	}
	a := &SolverAuth{
		secret:  []byte(strings.TrimSpace(secret)),
		solvers: make(map[string]struct{}),
		keys:    keys,
		leeway:  30 * time.Second,
	}
	for _, s := range solvers {
		id, _, _ := strings.Cut(s, "=")
		if id = strings.TrimSpace(id); id != "" {
			a.solvers[id] = struct{}{}
		}
	}
	return a, nil
}

// OpenProposal checks that body was signed by the key registered for solver and decodes it.
func (a *SolverAuth) OpenProposal(solver string, body []byte, signature string) (*settlement.Settlement, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil, errMissingSignature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", p2p.ErrBadProposalSignature, err)
	}
	return p2p.ProposalWire{Solver: solver, Settlement: body, Signature: sig}.Open(a.keys)
}

// IssueSolverToken signs a token for solver valid for ttl.
func IssueSolverToken(secret, solver string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   solver,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

// Authenticate returns the solver id of a valid token.
func (a *SolverAuth) Authenticate(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("solver auth secret not configured")
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(a.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("token invalid")
	}
	if len(a.solvers) > 0 {
		if _, ok := a.solvers[claims.Subject]; !ok {
			return "", fmt.Errorf("%w: %s", errUnknownSolver, claims.Subject)
		}
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the solver id in the
// request context.
func (a *SolverAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		solver, err := a.Authenticate(token)
		if errors.Is(err, errUnknownSolver) {
			respondError(w, http.StatusForbidden, "solver not allowed", err.Error())
			return
		}
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeySolver, solver)))
	})
}

// SolverFromContext returns the authenticated solver id.
func SolverFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(contextKeySolver).(string)
	return s, ok && s != ""
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
