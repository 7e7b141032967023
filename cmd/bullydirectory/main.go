// Command bullydirectory serves the membership directory that bully
// election members register with. Members are kept in memory unless a GCS
// bucket is given, in which case they are persisted to a single object and
// several directory replicas may share it.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"github.com/vimeo/bullyelection"
	"github.com/vimeo/bullyelection/dirgrpc"
	"github.com/vimeo/bullyelection/gcs"
	"github.com/vimeo/bullyelection/memory"
)

const (
	defaultListen = ":7700"
	defaultObject = "bullyelection/members"
)

type directoryParams struct {
	listen          string
	bucket          string
	object          string
	credentialsFile string
	readers         []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	params := directoryParams{}
	cmd := &cobra.Command{
		Use:          "bullydirectory",
		Short:        "Serve the bully election membership directory",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := bullyelection.NewConsoleLogger(logOut)
			reg, cleanup, regErr := params.registrar(cmd.Context())
			if regErr != nil {
				return regErr
			}
			defer cleanup()

			ln, listenErr := net.Listen("tcp", params.listen)
			if listenErr != nil {
				return fmt.Errorf("failed to listen on %q: %w", params.listen, listenErr)
			}
			return serve(cmd.Context(), ln, reg, lg)
		},
	}
	cmd.Flags().StringVar(&params.listen, "listen", defaultListen, "address to serve gRPC on")
	cmd.Flags().StringVar(&params.bucket, "gcs-bucket", "", "persist members to this GCS bucket (in memory if empty)")
	cmd.Flags().StringVar(&params.object, "gcs-object", defaultObject, "object holding the member table")
	cmd.Flags().StringVar(&params.credentialsFile, "gcs-credentials-file", "", "service account key file (application default credentials if empty)")
	cmd.Flags().StringArrayVar(&params.readers, "gcs-reader", nil, "ACL entity granted read access to the member table (repeatable)")
	return cmd
}

// registrar builds the backing store selected by p.
func (p *directoryParams) registrar(ctx context.Context) (dirgrpc.Registrar, func(), error) {
	if p.bucket == "" {
		return memory.NewDirectory(), func() {}, nil
	}
	var clientOpts []option.ClientOption
	if p.credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(p.credentialsFile))
	}
	client, clientErr := storage.NewClient(ctx, clientOpts...)
	if clientErr != nil {
		return nil, nil, fmt.Errorf("failed to construct GCS client: %w", clientErr)
	}
	opts := make([]gcs.DirectoryOpts, 0, len(p.readers))
	for _, r := range p.readers {
		opts = append(opts, gcs.WithObjectReader(storage.ACLEntity(r)))
	}
	return gcs.NewDirectory(client, p.bucket, p.object, opts...), func() { client.Close() }, nil
}

// serve runs the directory service on ln until ctx is done.
func serve(ctx context.Context, ln net.Listener, reg dirgrpc.Registrar, lg *zerolog.Logger) error {
	gs := grpc.NewServer()
	dirgrpc.NewServer(reg, lg).RegisterWith(gs)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	lg.Info().Str("addr", ln.Addr().String()).Msg("directory serving")
	if err := gs.Serve(ln); err != nil {
		return fmt.Errorf("directory server failed: %w", err)
	}
	lg.Info().Msg("directory stopped")
	return nil
}
