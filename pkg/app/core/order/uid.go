package order

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UIDLen is digest (32) + owner (20) + validTo (4).
const UIDLen = 56

// UID identifies an order. It embeds the signed digest, so two distinct orders
// can never share one, and it carries owner and expiry for cheap indexing.
type UID [UIDLen]byte

func ComputeUID(digest []byte, owner common.Address, validTo uint32) UID {
	var u UID
	copy(u[:32], digest)
	copy(u[32:52], owner.Bytes())
	binary.BigEndian.PutUint32(u[52:], validTo)
	return u
}

func ParseUID(s string) (UID, error) {
	var u UID
	b, err := hexutil.Decode(s)
	if err != nil {
		return u, fmt.Errorf("invalid order uid %q: %w", s, err)
	}
	if len(b) != UIDLen {
		return u, fmt.Errorf("invalid order uid length %d", len(b))
	}
	copy(u[:], b)
	return u, nil
}

func (u UID) Digest() []byte        { return u[:32] }
func (u UID) Owner() common.Address { return common.BytesToAddress(u[32:52]) }
func (u UID) ValidTo() uint32       { return binary.BigEndian.Uint32(u[52:]) }
func (u UID) String() string        { return hexutil.Encode(u[:]) }
func (u UID) Short() string         { return u.String()[:10] }
func (u UID) IsZero() bool          { return u == UID{} }
func (u UID) Less(o UID) bool       { return bytes.Compare(u[:], o[:]) < 0 }

func (u UID) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *UID) UnmarshalText(b []byte) error {
	parsed, err := ParseUID(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
