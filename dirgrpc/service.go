// Package dirgrpc exposes a membership directory over gRPC.
//
// The service has a single unary method, Register. Requests and responses
// are protobuf Structs, so no generated code is needed on either side:
//
//	request:  {"member": [{priority, id, host, port}]}
//	response: {"members": [{priority, id, host, port}, ...]}
package dirgrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/peer"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "bullyelection.Directory"

const registerMethod = "/" + ServiceName + "/Register"

const (
	fieldMember  = "member"
	fieldMembers = "members"
)

// Registrar is the backing store of a directory Server.
type Registrar interface {
	Register(ctx context.Context, self peer.Identity, addr peer.Address) (peer.Members, error)
}

// directoryServer is the handler type checked by grpc.Server.RegisterService.
type directoryServer interface {
	register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*directoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler:    registerHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bullyelection/directory",
}

func registerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(directoryServer).register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: registerMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(directoryServer).register(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func encodeRequest(self peer.Identity, addr peer.Address) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldMember: envelope.MembersValue(peer.Members{self: addr}),
	}}
}

func decodeRequest(req *structpb.Struct) (peer.Identity, peer.Address, error) {
	m, err := envelope.MembersFromValue(req.GetFields()[fieldMember])
	if err != nil {
		return peer.Identity{}, peer.Address{}, fmt.Errorf("bad member: %w", err)
	}
	if len(m) != 1 {
		return peer.Identity{}, peer.Address{}, fmt.Errorf("expected exactly one member; got %d", len(m))
	}
	id := m.Identities()[0]
	return id, m[id], nil
}

func encodeResponse(m peer.Members) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldMembers: envelope.MembersValue(m),
	}}
}

func decodeResponse(resp *structpb.Struct) (peer.Members, error) {
	v, ok := resp.GetFields()[fieldMembers]
	if !ok {
		return nil, errors.New("response has no members")
	}
	return envelope.MembersFromValue(v)
}
