// Command riptide serves the example routes over HTTP/1.1:
//
//	GET  /               200 with an empty body
//	GET  /echo/{str}     echoes str
//	GET  /user-agent     echoes the User-Agent header
//	GET  /files/{name}   reads name from --directory
//	POST /files/{name}   writes the request body to name
//	GET  /stream/{n}     n chunks with chunked transfer coding
//	GET  /metrics        Prometheus metrics, when enabled in the config
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/watt-toolkit/riptide/pkg/riptide/bytesource"
	"github.com/watt-toolkit/riptide/pkg/riptide/config"
	"github.com/watt-toolkit/riptide/pkg/riptide/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.New(os.Stderr, "riptide: ", log.LstdFlags)

	f, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		logger.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, logger); err != nil {
		logger.Fatal(err)
	}
}

// loadConfig reads the config file named by --config, if any, and lays
// the flags that were set explicitly over it.
func loadConfig(args []string, output io.Writer) (*config.File, error) {
	fs := flag.NewFlagSet("riptide", flag.ContinueOnError)
	fs.SetOutput(output)
	directory := fs.String("directory", "", "directory served under /files/")
	addr := fs.String("addr", config.DefaultAddr, "listen address")
	cfgPath := fs.String("config", "", "JSON or YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	f := config.Default()
	if *cfgPath != "" {
		var err error
		if f, err = config.Load(*cfgPath); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "addr":
			f.Addr = *addr
		case "directory":
			f.Directory = *directory
		}
	})
	return f, f.Validate()
}

// run serves until ctx is cancelled, then shuts the server down.
func run(ctx context.Context, f *config.File, logger *log.Logger) error {
	accessOut, closeAccess, err := f.OpenAccessLog()
	if err != nil {
		return err
	}
	defer closeAccess()

	cfg := f.ServerConfig(accessOut)
	cfg.ErrorLog = logger
	if f.Metrics {
		cfg.Metrics = server.NewMetrics()
	}

	g, gctx := errgroup.WithContext(ctx)

	var store files
	if f.Directory != "" {
		dir, err := bytesource.NewDir(f.Directory)
		if err != nil {
			return err
		}
		defer dir.Close()
		store = dir

		if f.CacheBytes > 0 {
			cache := bytesource.NewCache(dir, f.CacheBytes)
			store = cache
			if f.Watch {
				w, err := bytesource.NewWatcher(f.Directory, cache)
				if err != nil {
					return err
				}
				defer w.Close()
				w.OnError = func(err error) { logger.Printf("watch %s: %v", f.Directory, err) }
				g.Go(func() error {
					if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}
		}
	}
	cfg.Handler = routes(store, cfg.Metrics)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-srv.Ready():
			logger.Printf("listening on %s", srv.Addr())
		case <-gctx.Done():
		}
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		st := srv.Stats()
		logger.Printf("stopped after %d connections, %d requests", st.TotalConnections.Load(), st.TotalRequests.Load())
		return nil
	})
	return g.Wait()
}
