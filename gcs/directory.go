// Package gcs contains a membership directory (plus helpers) that persists
// the member table in a single Google Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vimeo/bullyelection/envelope"
	"github.com/vimeo/bullyelection/peer"
)

// DefaultMaxAttempts bounds the read-merge-write cycles of one Register.
const DefaultMaxAttempts = 5

// ErrConflict is wrapped when every attempt lost a race with a concurrent
// writer.
var ErrConflict = errors.New("concurrent modification of directory object")

const fieldMembers = "members"

type directoryOptions struct {
	acls        []storage.ACLRule
	maxAttempts int
	clock       clocks.Clock
}

// DirectoryOpts configures a GCS Directory at construction-time
type DirectoryOpts func(*directoryOptions)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) DirectoryOpts {
	return func(cfg *directoryOptions) {
		cfg.maxAttempts = n
	}
}

// WithClock sets the clock pacing retries after a lost race.
func WithClock(c clocks.Clock) DirectoryOpts {
	return func(cfg *directoryOptions) {
		cfg.clock = c
	}
}

// Directory implements the membership directory using a specific object in
// a specific bucket for persistence. Concurrent registrations from any
// number of processes are serialized with generation preconditions.
type Directory struct {
	object      string
	bucket      *storage.BucketHandle
	acls        []storage.ACLRule
	maxAttempts int
	clock       clocks.Clock
}

// NewDirectory creates a new gcs.Directory
func NewDirectory(client *storage.Client, bucket, object string, opts ...DirectoryOpts) *Directory {
	cfg := directoryOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAttempts < 1 {
		cfg.maxAttempts = 1
	}
	if cfg.clock == nil {
		cfg.clock = clocks.DefaultClock()
	}
	return &Directory{
		bucket:      client.Bucket(bucket),
		object:      object,
		acls:        cfg.acls,
		maxAttempts: cfg.maxAttempts,
		clock:       cfg.clock,
	}
}

func (d *Directory) objHandle() *storage.ObjectHandle {
	return d.bucket.Object(d.object)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Register records self at addr and returns every registered member. The
// object is rewritten only when the stored address differs.
func (d *Directory) Register(ctx context.Context, self peer.Identity, addr peer.Address) (peer.Members, error) {
	b := retry.DefaultBackoff()
	for attempt := 1; ; attempt++ {
		members, gen, readErr := d.read(ctx)
		if readErr != nil {
			return nil, readErr
		}
		if cur, ok := members[self]; ok && cur == addr {
			return members, nil
		}
		members[self] = addr

		writeErr := d.write(ctx, members, gen)
		if writeErr == nil {
			return members, nil
		}
		if !errors.Is(writeErr, ErrConflict) || attempt >= d.maxAttempts {
			return nil, writeErr
		}
		if !d.clock.SleepFor(ctx, b.Next()) {
			return nil, ctx.Err()
		}
	}
}

// Members returns the stored member table without modifying it.
func (d *Directory) Members(ctx context.Context) (peer.Members, error) {
	members, _, err := d.read(ctx)
	return members, err
}

// read returns the stored members and the generation they were read at
// (zero if the object doesn't exist yet).
func (d *Directory) read(ctx context.Context) (peer.Members, int64, error) {
	r, readerErr := d.objHandle().NewReader(ctx)
	switch {
	case readerErr == nil:
	case errors.Is(readerErr, storage.ErrObjectNotExist):
		return peer.Members{}, 0, nil
	default:
		return nil, 0, fmt.Errorf("unexpected error opening object %q: %w", d.object, readerErr)
	}
	defer r.Close()
	contents, readErr := io.ReadAll(r)
	if readErr != nil {
		return nil, 0, fmt.Errorf("failed to read existing value from object %q: %w", d.object, readErr)
	}
	members, decodeErr := decodeMembers(contents)
	if decodeErr != nil {
		return nil, 0, fmt.Errorf("object %q: %w", d.object, decodeErr)
	}
	return members, r.Attrs.Generation, nil
}

func (d *Directory) write(ctx context.Context, members peer.Members, gen int64) error {
	obj := d.objHandle().If(storage.Conditions{
		GenerationMatch: gen,
		DoesNotExist:    gen == 0,
	})
	newContents, marshalErr := encodeMembers(members)
	if marshalErr != nil {
		return fmt.Errorf("failed to serialize members for writing: %w", marshalErr)
	}

	w := obj.NewWriter(ctx)
	w.CRC32C = crc32.Checksum(newContents, crc32cTable)
	w.SendCRC32C = true
	w.ACL = d.acls

	if _, wrErr := w.Write(newContents); wrErr != nil {
		w.Close()
		return fmt.Errorf("failed to write contents: %w", wrErr)
	}
	if closeErr := w.Close(); closeErr != nil {
		if preconditionFailed(closeErr) {
			return fmt.Errorf("%w: %s", ErrConflict, closeErr)
		}
		return fmt.Errorf("failed to close: %w", closeErr)
	}
	return nil
}

func preconditionFailed(err error) bool {
	var ge *googleapi.Error
	return errors.As(err, &ge) && ge.Code == http.StatusPreconditionFailed
}

func encodeMembers(m peer.Members) ([]byte, error) {
	return proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldMembers: envelope.MembersValue(m),
	}})
}

func decodeMembers(b []byte) (peer.Members, error) {
	s := structpb.Struct{}
	if unmarshalErr := proto.Unmarshal(b, &s); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal contents as protobuf: %w", unmarshalErr)
	}
	members, err := envelope.MembersFromValue(s.GetFields()[fieldMembers])
	if err != nil {
		return nil, fmt.Errorf("malformed member table: %w", err)
	}
	return members, nil
}
