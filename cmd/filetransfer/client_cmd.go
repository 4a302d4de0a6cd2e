package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gotlougit/filetransfer/internal/client"
	"github.com/gotlougit/filetransfer/internal/config"
	"github.com/gotlougit/filetransfer/internal/datagram"
	"github.com/gotlougit/filetransfer/internal/logging"
	"github.com/gotlougit/filetransfer/internal/metrics"
	"github.com/gotlougit/filetransfer/internal/transport"
	"github.com/gotlougit/filetransfer/internal/wire"
)

func newClientCmd() *cobra.Command {
	defaults, err := config.LoadClientSettings()
	if err != nil {
		defaults = config.DefaultClientSettings()
	}

	var (
		server     string
		metricAddr string
		logLevel   string
		logDir     string
		out        string
		retries    int
		yes        bool
		natProbe   bool
	)

	cmd := &cobra.Command{
		Use:   "client <filename> <auth>",
		Short: "Request a file from a running server",
		Long: "Request a file from a running server.\n\n" +
			"The filename may be a bare name resolved against --server, or a\n" +
			"combined [@]host:port/filename target that overrides --server.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(args[0], args[1], server, out, metricAddr, logLevel, logDir, retries, yes, natProbe)
		},
	}

	cmd.Flags().StringVar(&server, "server", defaults.Server, "server's UDP address")
	cmd.Flags().StringVar(&out, "out", "", "output path (defaults to <filename>)")
	cmd.Flags().StringVar(&metricAddr, "metrics-addr", "", "if set, expose Prometheus metrics on this HTTP address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "if set, additionally append every log line to a dated file in this directory")
	cmd.Flags().IntVar(&retries, "retries", defaults.Retries, "SEND_REQ retries before giving up on the server")
	cmd.Flags().BoolVar(&yes, "yes", false, "accept the transfer without an interactive confirmation prompt")
	cmd.Flags().BoolVar(&natProbe, "nat-probe", false, "run the loopback/LAN NAT traversal demo before requesting the file")
	return cmd
}

func runClient(filename, token, serverAddr, out, metricAddr, logLevel, logDir string, maxRetries int, autoYes, natProbe bool) error {
	if host, port, path, err := wire.ParseTarget(filename); err == nil {
		serverAddr = net.JoinHostPort(host, strconv.Itoa(port))
		filename = path
	}
	if err := config.ValidateHostPort(serverAddr); err != nil {
		return err
	}
	if err := config.ValidateRetries(maxRetries); err != nil {
		return err
	}

	log := logging.New(parseLevel(logLevel))
	if logDir != "" {
		if _, err := logging.WithFileOutput(log, logDir, "client"); err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}
	entry := logging.NewTransfer(log)

	if out == "" {
		out = filename
	}

	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", serverAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open local socket: %w", err)
	}
	defer udpConn.Close()

	if natProbe {
		connected, err := (loopbackTraversal{}).Traverse(context.Background(), udpConn, addr)
		if err != nil {
			entry.WithError(err).Warn("nat traversal probe failed")
		} else {
			entry.WithField("connected", connected).Info("nat traversal probe finished")
		}
	}

	conn := transport.New(datagram.NewOS(udpConn), entry)
	var confirm client.Confirmer = stdinConfirmer{}
	if autoYes {
		confirm = alwaysConfirmer{}
	}
	engine := client.New(addr, filename, token, out, conn, confirm, entry)

	collector := metrics.New("filetransfer_client")
	engine.SetMetrics(collector)
	if metricAddr != "" {
		if err := serveMetrics(metricAddr, collector, entry); err != nil {
			return err
		}
	}

	if err := engine.Start(); err != nil {
		return fmt.Errorf("send initial request: %w", err)
	}

	buf := make([]byte, transport.MTU)
	retries := 0
	for engine.State() != client.Done {
		n, _, ok := conn.ReliableRecv(buf)
		if !ok {
			collector.IncResendsRequested()
			if engine.State() == client.ACKorNACK {
				retries++
				if retries > maxRetries {
					return fmt.Errorf("no response from %s after %d retries", serverAddr, retries)
				}
				if err := engine.Start(); err != nil {
					entry.WithError(err).Warn("resend of SEND_REQ failed")
				}
			}
			continue
		}
		engine.HandleDatagram(buf[:n])
	}
	entry.WithField("out", out).Info("transfer complete")

	if err := config.SaveClientSettings(&config.ClientSettings{
		Server: serverAddr, LastFile: filename, OutputPath: out, Retries: maxRetries,
	}); err != nil {
		entry.WithError(err).Debug("failed to persist client defaults")
	}
	return nil
}

// stdinConfirmer asks on the controlling terminal whether to accept an
// incoming transfer.
type stdinConfirmer struct{}

func (stdinConfirmer) Confirm(filename string, size uint64) bool {
	fmt.Printf("Accept %q (%d bytes)? [y/N] ", filename, size)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// alwaysConfirmer accepts every transfer without prompting, for scripted
// or non-interactive use (--yes).
type alwaysConfirmer struct{}

func (alwaysConfirmer) Confirm(filename string, size uint64) bool { return true }
