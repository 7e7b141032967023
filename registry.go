package bullyelection

import (
	"github.com/vimeo/bullyelection/peer"
)

// registryEntry remembers where an address was learned so a directory
// refresh can replace only what the directory told us.
type registryEntry struct {
	addr          peer.Address
	fromDirectory bool
}

// registry is the node's membership table. It carries no lock of its own;
// every access happens under Node.mu.
type registry struct {
	entries map[peer.Identity]registryEntry
}

func newRegistry() registry {
	return registry{entries: map[peer.Identity]registryEntry{}}
}

// replaceDirectory drops every directory-sourced entry and installs m in
// their place. Peer-sourced entries survive unless m names the same
// identity.
func (r *registry) replaceDirectory(m peer.Members) {
	for id, e := range r.entries {
		if e.fromDirectory {
			delete(r.entries, id)
		}
	}
	for id, addr := range m {
		r.entries[id] = registryEntry{addr: addr, fromDirectory: true}
	}
}

// mergePeer unions m into the table; m wins on conflicts.
func (r *registry) mergePeer(m peer.Members) {
	for id, addr := range m {
		r.entries[id] = registryEntry{addr: addr}
	}
}

func (r *registry) lookup(id peer.Identity) (peer.Address, bool) {
	e, ok := r.entries[id]
	return e.addr, ok
}

func (r *registry) snapshot() peer.Members {
	out := make(peer.Members, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.addr
	}
	return out
}

// higherThan returns the entries ranking strictly above self.
func (r *registry) higherThan(self peer.Identity) peer.Members {
	out := peer.Members{}
	for id, e := range r.entries {
		if id.Greater(self) {
			out[id] = e.addr
		}
	}
	return out
}

// except returns every entry other than self.
func (r *registry) except(self peer.Identity) peer.Members {
	out := make(peer.Members, len(r.entries))
	for id, e := range r.entries {
		if id != self {
			out[id] = e.addr
		}
	}
	return out
}
