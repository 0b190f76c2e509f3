package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
)

// Key schema:
//
//	ord:<uid>                       → order record (JSON)
//	open:<validTo>:<uid>            → empty, present while the record is Open
//	own:<owner>:<createdAt>:<uid>   → empty, one per order
//	rnd:<roundID>                   → round summary (JSON)
//	meta:lastround                  → highest saved round id (8 bytes, big endian)
const (
	prefixOrder = "ord:"
	prefixOpen  = "open:"
	prefixOwner = "own:"
	prefixRound = "rnd:"
)

var keyLastRound = []byte("meta:lastround")

func orderKey(uid order.UID) []byte {
	return []byte(prefixOrder + uid.String())
}

// openKey sorts by expiry so a snapshot can seek past expired entries.
func openKey(validTo uint32, uid order.UID) []byte {
	return []byte(fmt.Sprintf("%s%010d:%s", prefixOpen, validTo, uid))
}

func openLowerBound(validAfter time.Time) []byte {
	secs := validAfter.Unix() + 1
	switch {
	case secs < 0:
		secs = 0
	case secs > int64(^uint32(0)):
		secs = int64(^uint32(0)) + 1
	}
	return []byte(fmt.Sprintf("%s%010d", prefixOpen, secs))
}

func ownerPrefix(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOwner, owner.Hex()))
}

func ownerKey(rec *order.Record) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", ownerPrefix(rec.Owner), rec.CreatedAt.UnixNano(), rec.UID))
}

func roundKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRound, id))
}

// keyUpperBound returns the smallest key greater than every key with the given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
