// Package peer defines the values that identify and locate the members of an
// election group.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

// Identity ranks a node within the group. Comparison is lexicographic on
// (Priority, ID); the highest Identity is the rightful leader.
type Identity struct {
	// Priority is derived at startup (e.g. days until an anniversary).
	Priority int64
	// ID is a fixed integer that breaks ties between equal priorities.
	ID int64
}

// Compare returns -1, 0 or +1 depending on whether i sorts before, equal to
// or after o.
func (i Identity) Compare(o Identity) int {
	switch {
	case i.Priority < o.Priority:
		return -1
	case i.Priority > o.Priority:
		return 1
	case i.ID < o.ID:
		return -1
	case i.ID > o.ID:
		return 1
	}
	return 0
}

// Less reports whether i ranks strictly below o.
func (i Identity) Less(o Identity) bool { return i.Compare(o) < 0 }

// Greater reports whether i ranks strictly above o.
func (i Identity) Greater(o Identity) bool { return i.Compare(o) > 0 }

func (i Identity) String() string {
	return fmt.Sprintf("(%d,%d)", i.Priority, i.ID)
}

// ID bounds accepted by ValidateID.
const (
	MinID = 1000000
	MaxID = 9999999
)

// ErrInvalidID is returned for tiebreak ids outside [MinID, MaxID].
var ErrInvalidID = errors.New("id out of range")

// ValidateID checks that id falls in the accepted range.
func ValidateID(id int64) error {
	if id < MinID || id > MaxID {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidID, id, MinID, MaxID)
	}
	return nil
}

// FromBirthday derives an Identity whose Priority is the number of whole days
// from now until the next occurrence of month/day. An anniversary falling
// earlier than now (including earlier today) rolls over to next year.
func FromBirthday(now time.Time, month time.Month, day int, id int64) Identity {
	next := time.Date(now.Year(), month, day, 0, 0, 0, 0, now.Location())
	if next.Before(now) {
		next = time.Date(now.Year()+1, month, day, 0, 0, 0, 0, now.Location())
	}
	return Identity{
		Priority: int64(next.Sub(now) / (24 * time.Hour)),
		ID:       id,
	}
}

// ParseBirthday parses a "mm-dd" string, as accepted on the command line.
func ParseBirthday(s string) (time.Month, int, error) {
	t, err := time.Parse("01-02", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date %q (want mm-dd): %w", s, err)
	}
	return t.Month(), t.Day(), nil
}

// Address is where a member accepts connections.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress splits a host:port string into an Address.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, splitErr := net.SplitHostPort(hostport)
	if splitErr != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", hostport, splitErr)
	}
	port, convErr := strconv.Atoi(portStr)
	if convErr != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", hostport)
	}
	return Address{Host: host, Port: port}, nil
}

// Members maps each known Identity to its Address.
type Members map[Identity]Address

// Clone returns a copy that shares nothing with m.
func (m Members) Clone() Members {
	out := make(Members, len(m))
	for id, addr := range m {
		out[id] = addr
	}
	return out
}

// Identities returns the keys of m, highest first.
func (m Members) Identities() []Identity {
	ids := make([]Identity, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a].Greater(ids[b]) })
	return ids
}
