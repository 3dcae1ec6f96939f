// Command trainer serves refit requests over gRPC by running a local training
// program, so that controllers on other hosts can use refit.grpc_address.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc"

	"github.com/hybrid-md/controller/internal/logging"
	"github.com/hybrid-md/controller/internal/refit"
)

// #region main

func main() {
	listen := flag.String("listen", "localhost:50071", "address to serve hybridmd.v1.Trainer on")
	command := flag.String("command", "", "training program and arguments, split on whitespace")
	level := flag.String("log-level", "info", "debug|info|warn|error")
	format := flag.String("log-format", "text", "text|json")
	flag.Parse()

	argv := strings.Fields(*command)
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: trainer --command 'python refit.py' [--listen host:port]")
		os.Exit(2)
	}
	logger := logging.New(*level, *format, os.Stderr)

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("listen failed", "addr", *listen, "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer()
	refit.RegisterTrainer(srv, refit.Serve{Refitter: refit.CommandRefitter{Argv: argv, Logger: logger}})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.GracefulStop()
	}()

	logger.Info("trainer ready", "addr", lis.Addr().String(), "command", *command)
	if err := srv.Serve(lis); err != nil {
		logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

// #endregion main
