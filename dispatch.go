package bullyelection

import (
	"context"

	"github.com/vimeo/bullyelection/envelope"
)

var _ envelope.Handler = (*Node)(nil)

// HandleEnvelope routes one decoded envelope to its handler. It is the
// entrypoint used by the transports' servers.
func (n *Node) HandleEnvelope(ctx context.Context, env *envelope.Envelope) {
	switch env.Tag {
	case envelope.Election:
		n.HandleElection(ctx, env.Sender, env.Members)
	case envelope.OK:
		n.HandleOK(ctx)
	case envelope.Coordinator:
		n.HandleCoordinator(ctx, env.Leader)
	default:
		n.log.Warn().Str("tag", string(env.Tag)).Msg("unknown envelope tag; dropping")
	}
}
