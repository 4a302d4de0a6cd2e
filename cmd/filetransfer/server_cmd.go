package main

import (
	"fmt"
	"net"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gotlougit/filetransfer/internal/config"
	"github.com/gotlougit/filetransfer/internal/datagram"
	"github.com/gotlougit/filetransfer/internal/logging"
	"github.com/gotlougit/filetransfer/internal/metrics"
	"github.com/gotlougit/filetransfer/internal/server"
	"github.com/gotlougit/filetransfer/internal/transport"
)

func newServerCmd() *cobra.Command {
	defaults, err := config.LoadServerSettings()
	if err != nil {
		defaults = config.DefaultServerSettings()
	}

	var (
		listen     string
		servedAs   string
		metricAddr string
		logLevel   string
		logDir     string
	)

	cmd := &cobra.Command{
		Use:   "server <filename> <auth>",
		Short: "Serve one file to whichever peer presents the matching auth token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(args[0], args[1], listen, servedAs, metricAddr, logLevel, logDir)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", defaults.Listen, "UDP address to bind")
	cmd.Flags().StringVar(&servedAs, "served-as", "", "filename clients must request (defaults to the basename of <filename>)")
	cmd.Flags().StringVar(&metricAddr, "metrics-addr", "", "if set, expose Prometheus metrics on this HTTP address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "if set, additionally append every log line to a dated file in this directory")
	return cmd
}

func runServer(path, token, listen, servedAs, metricAddr, logLevel, logDir string) error {
	if err := config.ValidateHostPort(listen); err != nil {
		return err
	}

	log := logging.New(parseLevel(logLevel))
	if logDir != "" {
		if _, err := logging.WithFileOutput(log, logDir, "server"); err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}
	entry := logging.NewTransfer(log)

	if servedAs == "" {
		servedAs = filenameOf(path)
	}

	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", listen, err)
	}
	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}
	defer udpConn.Close()

	conn := transport.New(datagram.NewOS(udpConn), entry)
	engine, err := server.Open(path, servedAs, token, conn, entry)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer engine.Close()

	if err := config.SaveServerSettings(&config.ServerSettings{
		Listen: listen, BaseDir: filepath.Dir(path),
	}); err != nil {
		entry.WithError(err).Debug("failed to persist server defaults")
	}

	collector := metrics.New("filetransfer_server")
	engine.SetMetrics(collector)
	if metricAddr != "" {
		if err := serveMetrics(metricAddr, collector, entry); err != nil {
			return err
		}
	}

	entry.WithField("listen", listen).WithField("file", servedAs).Info("server ready")

	buf := make([]byte, transport.MTU)
	for {
		n, peer, ok := conn.ReliableRecv(buf)
		if !ok {
			collector.IncResendsRequested()
			continue
		}
		engine.HandleDatagram(peer, buf[:n])
	}
}

func serveMetrics(addr string, collector prometheus.Collector, log interface{ Warn(args ...interface{}) }) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server stopped: ", err)
		}
	}()
	return nil
}
