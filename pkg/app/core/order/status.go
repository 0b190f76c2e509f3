package order

import "fmt"

type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusMatched
	StatusSettled
	StatusCancelled
	StatusExpired
)

var statusNames = map[Status]string{
	StatusOpen:      "open",
	StatusMatched:   "matched",
	StatusSettled:   "settled",
	StatusCancelled: "cancelled",
	StatusExpired:   "expired",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled || s == StatusExpired
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown order status %q", string(b))
}
