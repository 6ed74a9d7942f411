// Command vpntunnel is a demonstration/operator harness for the vpntunnel
// core. It performs no authentication of its own: it reads a
// pre-authenticated session descriptor (cookie + TunnelConfig, normally
// produced by an external auth dialog) from a YAML file and drives the
// core to bring the tunnel up against a real or simulated gateway.
//
// Grounded on the teacher's root main.go: flag-based config path, logrus
// TextFormatter with full timestamps, signal-driven context cancellation,
// and a top-to-bottom "load config → construct components → wire
// callbacks → run" shape.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"vpntunnel"
	"vpntunnel/config"
	"vpntunnel/diag"
	"vpntunnel/tracelog"
)

var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "harness.yaml", "path to the session descriptor YAML file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("vpntunnel: loading config: %v", err)
	}

	log.Infof("Starting vpntunnel demonstration harness v%s", Version)
	log.Infof("  Endpoint: %s:%d", cfg.Session.Endpoint.Host, cfg.Session.Endpoint.Port)
	log.Infof("  Dialect: %s", cfg.Session.Dialect)
	log.Infof("  Diag listen address: %s", cfg.Diag.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("vpntunnel: shutting down...")
		cancel()
	}()

	dialect, err := cfg.Dialect()
	if err != nil {
		log.Fatalf("vpntunnel: parsing dialect: %v", err)
	}
	cookie, err := cfg.Cookie()
	if err != nil {
		log.Fatalf("vpntunnel: decoding cookie: %v", err)
	}
	tunnelCfg, err := config.DecodeTunnelConfig(cfg.Tunnel)
	if err != nil {
		log.Fatalf("vpntunnel: decoding tunnel_config: %v", err)
	}

	tracer := tracelog.NewWriter(cfg.Tracelog.Path, cfg.Tracelog.RetentionDays)
	defer tracer.Close()

	// The local virtual interface: spec.md §6 models this as a plain
	// io.ReadWriteCloser the wider client supplies. This harness wires an
	// in-memory pipe so the demo runs without root or a real TUN device;
	// tunLocal is what the core reads/writes, tunPeer is this process's
	// end for loopback inspection. A real deployment swaps tunLocal for an
	// OS-specific TUN/TAP driver satisfying the same interface.
	tunLocal, tunPeer := net.Pipe()
	defer tunPeer.Close()

	dialer := vpntunnel.NewDialer()
	req := vpntunnel.ConnectRequest{
		Endpoint:     vpntunnel.Endpoint{Host: cfg.Session.Endpoint.Host, Port: cfg.Session.Endpoint.Port},
		Dialect:      dialect,
		Cookie:       cookie,
		Config:       tunnelCfg,
		Datagram:     cfg.Datagram.Enabled,
		HelperPath:   cfg.Helper.Path,
		HelloTimeout: 10 * time.Second,
		Tun:          tunLocal,
		Log:          log.NewEntry(log.StandardLogger()),
	}
	req.Driver.TunDevice = cfg.Helper.TunDevice

	session, err := dialer.Connect(ctx, req)
	if err != nil {
		log.Fatalf("vpntunnel: connect: %v", err)
	}

	trace := diag.NewTraceBuffer(512)
	diagServer := diag.New(cfg.Diag.ListenAddr, session, trace)

	go func() {
		<-session.Ready()
		log.Info("vpntunnel: tunnel is up")
		trace.Append("state", "tunnel ready")
		tracer.Write("state", "tunnel ready")
	}()

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tracer.Cleanup()
			}
		}
	}()

	go func() {
		<-session.Done()
		if err := session.Err(); err != nil {
			log.Errorf("vpntunnel: session ended: %v", err)
			trace.Append("fatal", err.Error())
			tracer.Write("fatal", err.Error())
		} else {
			log.Info("vpntunnel: session closed")
			trace.Append("state", "session closed")
			tracer.Write("state", "session closed")
		}
		cancel()
	}()

	if err := diagServer.Run(ctx); err != nil {
		log.Errorf("vpntunnel: diag server error: %v", err)
	}

	session.Close()
}
