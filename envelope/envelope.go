// Package envelope defines the messages exchanged between election peers and
// their wire encoding.
//
// Envelopes are encoded as a protobuf Struct (tag plus payload fields), so
// either end can decode a message without sharing generated code.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vimeo/bullyelection/peer"
)

// Tag identifies the kind of an Envelope.
type Tag string

// Envelope tags.
const (
	Election    Tag = "ELECTION"
	OK          Tag = "OK"
	Coordinator Tag = "COORDINATOR"
)

// MaxEnvelopeSize bounds the encoded size of a single envelope.
const MaxEnvelopeSize = 1 << 20

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one message between peers. Only the fields belonging to Tag
// are meaningful.
type Envelope struct {
	Tag Tag
	// Sender and Members are set on ELECTION.
	Sender  peer.Identity
	Members peer.Members
	// Leader is set on COORDINATOR.
	Leader peer.Identity
}

// NewElection builds an ELECTION envelope carrying a copy of members.
func NewElection(sender peer.Identity, members peer.Members) *Envelope {
	return &Envelope{Tag: Election, Sender: sender, Members: members.Clone()}
}

// NewOK builds an OK envelope.
func NewOK() *Envelope {
	return &Envelope{Tag: OK}
}

// NewCoordinator builds a COORDINATOR envelope announcing leader.
func NewCoordinator(leader peer.Identity) *Envelope {
	return &Envelope{Tag: Coordinator, Leader: leader}
}

func (e *Envelope) String() string {
	switch e.Tag {
	case Election:
		return fmt.Sprintf("{%s sender=%s members=%d}", e.Tag, e.Sender, len(e.Members))
	case Coordinator:
		return fmt.Sprintf("{%s leader=%s}", e.Tag, e.Leader)
	default:
		return fmt.Sprintf("{%s}", e.Tag)
	}
}

// Handler consumes decoded envelopes. The context is the lifetime of the
// receiving server, not of the individual connection.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Envelope)

// HandleEnvelope calls f.
func (f HandlerFunc) HandleEnvelope(ctx context.Context, env *Envelope) { f(ctx, env) }

const (
	fieldTag     = "tag"
	fieldSender  = "sender"
	fieldMembers = "members"
	fieldLeader  = "leader"

	fieldPriority = "priority"
	fieldID       = "id"
	fieldHost     = "host"
	fieldPort     = "port"
)

// Marshal encodes e.
func Marshal(e *Envelope) ([]byte, error) {
	fields := map[string]*structpb.Value{
		fieldTag: structpb.NewStringValue(string(e.Tag)),
	}
	switch e.Tag {
	case Election:
		fields[fieldSender] = IdentityValue(e.Sender)
		fields[fieldMembers] = MembersValue(e.Members)
	case Coordinator:
		fields[fieldLeader] = IdentityValue(e.Leader)
	case OK:
	default:
		return nil, fmt.Errorf("unknown tag %q", e.Tag)
	}
	b, err := proto.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s envelope: %w", e.Tag, err)
	}
	if len(b) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%s envelope is %d bytes, over the %d byte limit", e.Tag, len(b), MaxEnvelopeSize)
	}
	return b, nil
}

// Unmarshal decodes and validates one envelope.
func Unmarshal(b []byte) (*Envelope, error) {
	if len(b) > MaxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformed, len(b))
	}
	s := structpb.Struct{}
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	fields := s.GetFields()
	tagVal, ok := fields[fieldTag].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, fmt.Errorf("%w: missing tag", ErrMalformed)
	}
	e := &Envelope{Tag: Tag(tagVal.StringValue)}
	var err error
	switch e.Tag {
	case Election:
		if e.Sender, err = IdentityFromValue(fields[fieldSender]); err != nil {
			return nil, fmt.Errorf("%w: sender: %s", ErrMalformed, err)
		}
		if e.Members, err = MembersFromValue(fields[fieldMembers]); err != nil {
			return nil, fmt.Errorf("%w: members: %s", ErrMalformed, err)
		}
	case Coordinator:
		if e.Leader, err = IdentityFromValue(fields[fieldLeader]); err != nil {
			return nil, fmt.Errorf("%w: leader: %s", ErrMalformed, err)
		}
	case OK:
	default:
		return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformed, e.Tag)
	}
	return e, nil
}

// IdentityValue encodes id as a Struct value.
func IdentityValue(id peer.Identity) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPriority: structpb.NewNumberValue(float64(id.Priority)),
		fieldID:       structpb.NewNumberValue(float64(id.ID)),
	}})
}

// IdentityFromValue reverses IdentityValue.
func IdentityFromValue(v *structpb.Value) (peer.Identity, error) {
	s := v.GetStructValue()
	if s == nil {
		return peer.Identity{}, errors.New("not a struct")
	}
	prio, prioErr := intField(s, fieldPriority)
	if prioErr != nil {
		return peer.Identity{}, prioErr
	}
	id, idErr := intField(s, fieldID)
	if idErr != nil {
		return peer.Identity{}, idErr
	}
	return peer.Identity{Priority: prio, ID: id}, nil
}

// MembersValue encodes m as a list of {priority, id, host, port} structs,
// highest identity first.
func MembersValue(m peer.Members) *structpb.Value {
	vals := make([]*structpb.Value, 0, len(m))
	for _, id := range m.Identities() {
		addr := m[id]
		vals = append(vals, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldPriority: structpb.NewNumberValue(float64(id.Priority)),
			fieldID:       structpb.NewNumberValue(float64(id.ID)),
			fieldHost:     structpb.NewStringValue(addr.Host),
			fieldPort:     structpb.NewNumberValue(float64(addr.Port)),
		}}))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

// MembersFromValue reverses MembersValue. A missing value decodes as an
// empty Members.
func MembersFromValue(v *structpb.Value) (peer.Members, error) {
	out := peer.Members{}
	if v == nil {
		return out, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("not a list")
	}
	for i, mv := range list.GetValues() {
		s := mv.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("member %d: not a struct", i)
		}
		id, idErr := IdentityFromValue(mv)
		if idErr != nil {
			return nil, fmt.Errorf("member %d: %w", i, idErr)
		}
		host, ok := s.GetFields()[fieldHost].GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("member %d: missing host", i)
		}
		port, portErr := intField(s, fieldPort)
		if portErr != nil {
			return nil, fmt.Errorf("member %d: %w", i, portErr)
		}
		if port < 0 || port > math.MaxUint16 {
			return nil, fmt.Errorf("member %d: port %d out of range", i, port)
		}
		out[id] = peer.Address{Host: host.StringValue, Port: int(port)}
	}
	return out, nil
}

// float64 holds integers exactly up to 2^53.
const maxExactInt = 1 << 53

func intField(s *structpb.Struct, name string) (int64, error) {
	nv, ok := s.GetFields()[name].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("missing numeric field %q", name)
	}
	f := nv.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > maxExactInt {
		return 0, fmt.Errorf("field %q is not an integer: %v", name, f)
	}
	return int64(f), nil
}
