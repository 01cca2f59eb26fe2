package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/carriersignal/internal/cli"
	"horse.fit/carriersignal/internal/httpapi"
	"horse.fit/carriersignal/internal/logging"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "", "Host interface to bind (default HTTP_HOST)")
	port := fs.Int("port", 0, "HTTP port (default HTTP_PORT)")
	opts := addHTTPTimeoutFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *port < 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := openServices(ctx, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer svc.Close()

	srv := svc.newServer(*host, *port, opts)
	if err := srv.Start(ctx); err != nil {
		svc.logger.Error().Err(err).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}

type httpTimeoutFlags struct {
	read     *time.Duration
	write    *time.Duration
	shutdown *time.Duration
}

func addHTTPTimeoutFlags(fs *flag.FlagSet) httpTimeoutFlags {
	return httpTimeoutFlags{
		read:     fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout"),
		write:    fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout"),
		shutdown: fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout"),
	}
}

func (svc *services) newServer(host string, port int, timeouts httpTimeoutFlags) *httpapi.Server {
	if host == "" {
		host = svc.cfg.HTTPHost
	}
	if port == 0 {
		port = svc.cfg.HTTPPort
	}
	return httpapi.NewServer(httpapi.Deps{
		Store:       svc.store,
		Feed:        svc.feed,
		Monitor:     svc.reporter,
		Cycles:      svc.runner,
		Maintenance: svc.maintenance,
	}, logging.Component(svc.logger, "http"), httpapi.Options{
		Host:            host,
		Port:            port,
		ReadTimeout:     *timeouts.read,
		WriteTimeout:    *timeouts.write,
		ShutdownTimeout: *timeouts.shutdown,
	})
}

// startServer runs srv until ctx ends, reporting a startup failure on the
// returned channel.
func startServer(ctx context.Context, srv *httpapi.Server) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	return errCh
}
