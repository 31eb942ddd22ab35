// Command hellod greets every client on a TUN-backed TCP port: it sends
// "hello", closes its side, and logs whatever the client sends back until the
// client closes too.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"TUN-TCP/pkg/config"
	"TUN-TCP/pkg/iptcpstack"
	"TUN-TCP/pkg/logging"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	tunName := flag.String("tun", "", "TUN interface name (overrides config)")
	address := flag.String("addr", "", "interface address such as 192.168.0.1/24 (overrides config)")
	port := flag.Uint("port", 9000, "port to serve")
	once := flag.Bool("once", false, "exit after the first client")
	pcapPath := flag.String("pcap", "", "capture all frames to this pcap file (overrides config)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()
	if *port == 0 || *port > 65535 {
		log.Fatalf("bad port %d", *port)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	cfg.Apply(config.Overrides{
		TunName:  *tunName,
		Address:  *address,
		Pcap:     *pcapPath,
		LogLevel: *logLevel,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ih, err := iptcpstack.Start(cfg.TunConfig(), cfg.Pcap, cfg.StackConfig(logger))
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, ih, uint16(*port), *once)
	if cerr := ih.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		slog.Error("hellod", "err", err)
		os.Exit(1)
	}
}

func serve(sigCtx context.Context, ih *iptcpstack.Interface, port uint16, once bool) error {
	l, err := ih.Bind(port)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		if err := l.Close(); err != nil && !errors.Is(err, iptcpstack.ErrPendingAborted) {
			return err
		}
		if sigCtx.Err() != nil {
			// wakes clients blocked in Read
			return ih.Close()
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			s, err := l.Accept()
			if errors.Is(err, iptcpstack.ErrConnectionAborted) || errors.Is(err, iptcpstack.ErrInterfaceClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			if once {
				return greet(ctx, s)
			}
			g.Go(func() error {
				if err := greet(ctx, s); err != nil {
					slog.Warn("client failed", "quad", s.Quad().String(), "err", err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}

func greet(ctx context.Context, s *iptcpstack.Stream) error {
	defer s.Close()
	slog.Info("client connected", "quad", s.Quad().String())

	if _, err := s.WriteAll(ctx, []byte("hello\n")); err != nil {
		return errors.Wrap(err, "write greeting")
	}
	if err := s.Shutdown(iptcpstack.ShutdownWrite); err != nil {
		return errors.Wrap(err, "shutdown")
	}

	buf := make([]byte, 512)
	for {
		n, err := s.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read")
		}
		fmt.Printf("%s: %q\n", s.Quad().RemoteAddr, buf[:n])
	}
	slog.Info("client finished", "quad", s.Quad().String())
	return nil
}
