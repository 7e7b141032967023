// Package memory implements in-process variants of the membership directory
// and the peer transport to allow for quick local/single-process testing.
package memory

import (
	"context"
	"sync"

	"github.com/vimeo/bullyelection/peer"
)

// Directory is an in-memory membership directory. It implements
// bullyelection.Directory and dirgrpc.Registrar.
type Directory struct {
	l             sync.Mutex
	members       peer.Members
	registrations int
	err           error
}

// NewDirectory returns a new, empty Directory.
func NewDirectory() *Directory {
	return &Directory{members: peer.Members{}}
}

// Register records self at addr (replacing any previous address) and returns
// a copy of every registered member.
func (d *Directory) Register(ctx context.Context, self peer.Identity, addr peer.Address) (peer.Members, error) {
	d.l.Lock()
	defer d.l.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.registrations++
	d.members[self] = addr
	return d.members.Clone(), nil
}

// Add records a member without counting it as a registration.
func (d *Directory) Add(id peer.Identity, addr peer.Address) {
	d.l.Lock()
	defer d.l.Unlock()
	d.members[id] = addr
}

// Remove forgets id.
func (d *Directory) Remove(id peer.Identity) {
	d.l.Lock()
	defer d.l.Unlock()
	delete(d.members, id)
}

// SetError makes every subsequent Register fail with err (nil restores
// normal operation).
func (d *Directory) SetError(err error) {
	d.l.Lock()
	defer d.l.Unlock()
	d.err = err
}

// Registrations returns the number of successful Register calls.
func (d *Directory) Registrations() int {
	d.l.Lock()
	defer d.l.Unlock()
	return d.registrations
}

// Members returns a copy of the registered members.
func (d *Directory) Members() peer.Members {
	d.l.Lock()
	defer d.l.Unlock()
	return d.members.Clone()
}
