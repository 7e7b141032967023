package dirgrpc

import (
	"context"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server serves Register calls from a Registrar.
type Server struct {
	reg Registrar
	log *zerolog.Logger
}

// NewServer wraps reg. A nil logger disables logging.
func NewServer(reg Registrar, lg *zerolog.Logger) *Server {
	if lg == nil {
		nop := zerolog.Nop()
		lg = &nop
	}
	return &Server{reg: reg, log: lg}
}

// RegisterWith attaches the directory service to gs.
func (s *Server) RegisterWith(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	self, addr, decodeErr := decodeRequest(req)
	if decodeErr != nil {
		s.log.Warn().Err(decodeErr).Msg("rejecting malformed registration")
		return nil, status.Error(codes.InvalidArgument, decodeErr.Error())
	}
	if addr.IsZero() {
		return nil, status.Errorf(codes.InvalidArgument, "member %s has no address", self)
	}
	members, regErr := s.reg.Register(ctx, self, addr)
	if regErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, status.FromContextError(ctxErr).Err()
		}
		s.log.Error().Err(regErr).Str("member", self.String()).Msg("registration failed")
		return nil, status.Errorf(codes.Unavailable, "failed to register %s: %s", self, regErr)
	}
	s.log.Info().Str("member", self.String()).Str("addr", addr.String()).Int("members", len(members)).Msg("registered member")
	return encodeResponse(members), nil
}
