// Command bullynode runs one member of a bully election group. It registers
// with a directory service, listens for peer messages over TCP and takes
// part in elections until interrupted.
//
//	bullynode DIRHOST DIRPORT ID [MM-DD]
//
// ID must lie in [1000000, 9999999]. MM-DD (default 01-01) is an
// anniversary; fewer days until the next one rank lower.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vimeo/bullyelection"
	"github.com/vimeo/bullyelection/dirgrpc"
	"github.com/vimeo/bullyelection/peer"
	"github.com/vimeo/bullyelection/tcpnet"
)

const defaultBirthday = "01-01"

type nodeParams struct {
	directory          peer.Address
	id                 int64
	birthday           string
	listenHost         string
	advertiseHost      string
	port               int
	okTimeout          time.Duration
	coordinatorTimeout time.Duration
	sendTimeout        time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	params := nodeParams{}
	cmd := &cobra.Command{
		Use:          "bullynode DIRHOST DIRPORT ID [MM-DD]",
		Short:        "Run a bully election member",
		Args:         cobra.RangeArgs(3, 4),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := params.parseArgs(args); err != nil {
				return err
			}
			return runNode(cmd.Context(), params, bullyelection.NewConsoleLogger(logOut), nil)
		},
	}
	cmd.Flags().StringVar(&params.listenHost, "listen-host", "", "host to bind the peer listener to (all interfaces if empty)")
	cmd.Flags().IntVar(&params.port, "port", 0, "peer listener port (0 picks an ephemeral port)")
	cmd.Flags().StringVar(&params.advertiseHost, "advertise-host", "", "host other members use to reach this node (detected if empty)")
	cmd.Flags().DurationVar(&params.okTimeout, "ok-timeout", bullyelection.DefaultOKTimeout, "how long to wait for an OK from a higher member")
	cmd.Flags().DurationVar(&params.coordinatorTimeout, "coordinator-timeout", bullyelection.DefaultCoordinatorTimeout, "how long to wait for a COORDINATOR after an OK")
	cmd.Flags().DurationVar(&params.sendTimeout, "send-timeout", tcpnet.DefaultTimeout, "dial and write timeout for peer messages")
	return cmd
}

func (p *nodeParams) parseArgs(args []string) error {
	dirPort, portErr := strconv.Atoi(args[1])
	if portErr != nil {
		return fmt.Errorf("invalid directory port %q: %w", args[1], portErr)
	}
	p.directory = peer.Address{Host: args[0], Port: dirPort}

	id, idErr := strconv.ParseInt(args[2], 10, 64)
	if idErr != nil {
		return fmt.Errorf("invalid ID %q: %w", args[2], idErr)
	}
	if err := peer.ValidateID(id); err != nil {
		return err
	}
	p.id = id

	p.birthday = defaultBirthday
	if len(args) == 4 {
		p.birthday = args[3]
	}
	return nil
}

// runNode wires the node to its directory client and TCP transport and runs
// it until ctx is done. When bound is non-nil it receives the advertised
// address once the listener is up.
func runNode(ctx context.Context, p nodeParams, lg *zerolog.Logger, bound chan<- peer.Address) error {
	month, day, bdayErr := peer.ParseBirthday(p.birthday)
	if bdayErr != nil {
		return bdayErr
	}
	self := peer.FromBirthday(time.Now(), month, day, p.id)

	ln, listenErr := net.Listen("tcp", net.JoinHostPort(p.listenHost, strconv.Itoa(p.port)))
	if listenErr != nil {
		return fmt.Errorf("failed to listen: %w", listenErr)
	}
	defer ln.Close()
	boundPort := ln.Addr().(*net.TCPAddr).Port

	advertise := peer.Address{Host: p.advertiseHost, Port: boundPort}
	if advertise.Host == "" {
		var advErr error
		if advertise, advErr = bullyelection.AdvertiseAddress(boundPort); advErr != nil {
			return advErr
		}
	}

	conn, dialErr := grpc.Dial(p.directory.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if dialErr != nil {
		return fmt.Errorf("failed to set up directory connection to %s: %w", p.directory, dialErr)
	}
	defer conn.Close()

	node, nodeErr := bullyelection.New(bullyelection.Config{
		Self:               self,
		Address:            advertise,
		Directory:          dirgrpc.NewClient(conn, dirgrpc.WithLogger(lg)),
		Transport:          tcpnet.NewSender(p.sendTimeout),
		OKTimeout:          p.okTimeout,
		CoordinatorTimeout: p.coordinatorTimeout,
		Logger:             lg,
		OnElected: func(context.Context) {
			lg.Info().Msg("this node is now the leader")
		},
		OnOusting: func(context.Context) {
			lg.Info().Msg("this node is no longer the leader")
		},
		LeaderChanged: func(_ context.Context, leader peer.Identity) {
			lg.Info().Str("leader", leader.String()).Msg("leader changed")
		},
	})
	if nodeErr != nil {
		return nodeErr
	}
	lg.Info().Str("self", self.String()).Str("addr", advertise.String()).Str("directory", p.directory.String()).Msg("node starting")
	if bound != nil {
		bound <- advertise
	}

	srv := tcpnet.Server{Handler: node, Logger: lg}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(gctx, ln); err != nil && gctx.Err() == nil {
			return fmt.Errorf("peer listener failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return node.Run(gctx)
	})
	runErr := g.Wait()
	if ctx.Err() != nil {
		lg.Info().Msg("node stopped")
		return nil
	}
	return runErr
}
