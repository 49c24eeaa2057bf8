// fsh is a single binary bundling the reverse-tunnel broker (fsh server)
// and its three client roles (fsh client forward | port-forward |
// port-listen). See the server and client packages for the protocol these
// commands speak.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hev-fsh/fsh/internal/fsh/client"
	"github.com/hev-fsh/fsh/internal/fsh/eventlog"
	"github.com/hev-fsh/fsh/internal/fsh/protocol"
	"github.com/hev-fsh/fsh/internal/fsh/server"
	log "github.com/hev-fsh/fsh/pkg/minilog"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal("%v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  fsh server [flags]
  fsh client forward --server addr:port [flags]
  fsh client port-forward --server addr:port --token <uuid> [flags]
  fsh client port-listen --server addr:port --token <uuid> --listen addr:port [flags]`)
}

func addLogFlags(fs *pflag.FlagSet) *log.Config {
	cfg := &log.Config{}
	fs.StringVar(&cfg.Level, "level", "info", "log level: debug, info, warn, error, fatal")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", true, "log to stderr")
	fs.StringVar(&cfg.File, "logfile", "", "also log to this file")
	return cfg
}

func runServer(args []string) error {
	fs := pflag.NewFlagSet("fsh server", pflag.ExitOnError)
	listen := fs.StringP("listen", "l", ":9999", "address to listen on for all fsh traffic")
	cfg := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := log.Init(*cfg); err != nil {
		return fmt.Errorf("log init: %w", err)
	}
	eventlog.SetOutput(os.Stdout)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listen, err)
	}
	log.Info("fsh server listening on %s", *listen)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New()
	go srv.Registry().RunWatchdog(ctx)

	return srv.Serve(ctx, ln)
}

func runClient(args []string) error {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "forward":
		return runClientForward(args[1:])
	case "port-forward":
		return runClientPortForward(args[1:])
	case "port-listen":
		return runClientPortListen(args[1:])
	default:
		usage()
		os.Exit(2)
		return nil
	}
}

func parseToken(s string) (protocol.Token, error) {
	if s == "" {
		return protocol.Token{}, nil
	}
	return protocol.TokenFromString(s)
}

func runClientForward(args []string) error {
	fs := pflag.NewFlagSet("fsh client forward", pflag.ExitOnError)
	serverAddr := fs.StringP("server", "s", "", "fsh server address (required)")
	tokenStr := fs.StringP("token", "t", "", "pre-chosen token (uuid form); omit to let the server assign one")
	target := fs.String("target", "127.0.0.1:22", "local address each inbound request is relayed to")
	cfg := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serverAddr == "" {
		return fmt.Errorf("forward: --server is required")
	}

	if err := log.Init(*cfg); err != nil {
		return fmt.Errorf("log init: %w", err)
	}

	tok, err := parseToken(*tokenStr)
	if err != nil {
		return fmt.Errorf("forward: parsing --token: %w", err)
	}

	return client.Forward(client.ForwardConfig{
		ServerAddr: *serverAddr,
		Token:      tok,
		Target:     *target,
	})
}

func runClientPortForward(args []string) error {
	fs := pflag.NewFlagSet("fsh client port-forward", pflag.ExitOnError)
	serverAddr := fs.StringP("server", "s", "", "fsh server address (required)")
	tokenStr := fs.StringP("token", "t", "", "token identifying the forward session (required)")
	cfg := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serverAddr == "" || *tokenStr == "" {
		return fmt.Errorf("port-forward: --server and --token are required")
	}

	if err := log.Init(*cfg); err != nil {
		return fmt.Errorf("log init: %w", err)
	}

	tok, err := parseToken(*tokenStr)
	if err != nil {
		return fmt.Errorf("port-forward: parsing --token: %w", err)
	}

	// The single pre-accepted local socket is the process's own stdio, in
	// the spirit of an ssh -W-style one-shot relay: whatever is piping
	// into/out of this process is the "local side" spliced to the tunnel.
	return client.Connect(*serverAddr, tok, stdioConn{})
}

func runClientPortListen(args []string) error {
	fs := pflag.NewFlagSet("fsh client port-listen", pflag.ExitOnError)
	serverAddr := fs.StringP("server", "s", "", "fsh server address (required)")
	tokenStr := fs.StringP("token", "t", "", "token identifying the forward session (required)")
	listenAddr := fs.StringP("listen", "l", "", "local address to bind and accept on (required)")
	cfg := addLogFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serverAddr == "" || *tokenStr == "" || *listenAddr == "" {
		return fmt.Errorf("port-listen: --server, --token, and --listen are required")
	}

	if err := log.Init(*cfg); err != nil {
		return fmt.Errorf("log init: %w", err)
	}

	tok, err := parseToken(*tokenStr)
	if err != nil {
		return fmt.Errorf("port-listen: parsing --token: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return client.Listen(ctx, client.ListenConfig{
		ServerAddr: *serverAddr,
		Token:      tok,
		ListenAddr: *listenAddr,
		Ready: func(addr net.Addr) {
			log.Info("port-listen: listening on %s", addr)
		},
	})
}
