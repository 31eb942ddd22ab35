package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"TUN-TCP/pkg/config"
	"TUN-TCP/pkg/iptcpstack"
	"TUN-TCP/pkg/logging"
	"TUN-TCP/pkg/repl"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	tunName := flag.String("tun", "", "TUN interface name (overrides config)")
	address := flag.String("addr", "", "interface address such as 192.168.0.1/24 (overrides config)")
	pcapPath := flag.String("pcap", "", "capture all frames to this pcap file (overrides config)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (text, json)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	cfg.Apply(config.Overrides{
		TunName:   *tunName,
		Address:   *address,
		Pcap:      *pcapPath,
		LogLevel:  *logLevel,
		LogFormat: *logFormat,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ih, err := iptcpstack.Start(cfg.TunConfig(), cfg.Pcap, cfg.StackConfig(logger))
	if err != nil {
		log.Fatalf("%v", err)
	}

	console := repl.New(ih, os.Stdout)
	for _, port := range cfg.Listen {
		if err := console.Execute(fmt.Sprintf("a %d", port)); err != nil {
			slog.Error("listen", "port", port, "err", err)
		}
	}
	if err := console.Run(os.Stdin); err != nil {
		slog.Error("console", "err", err)
	}

	if err := console.Close(); err != nil {
		slog.Warn("closing sockets", "err", err)
	}
	if err := ih.Close(); err != nil {
		slog.Error("stack stopped with error", "err", err)
		os.Exit(1)
	}
}
