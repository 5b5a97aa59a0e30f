package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/basket/analyst/internal/cron"
	"github.com/basket/analyst/internal/gateway"
	"github.com/basket/analyst/internal/session"
	"github.com/basket/analyst/internal/telemetry"
)

const mdnsServiceType = "_analyst._tcp"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat protocol and REST API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addServeFlags(cmd)
	return cmd
}

// addServeFlags is shared by serve and the root command, which serves when
// stdout is not a terminal.
func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "Listen address (default bind_addr from config.yaml)")
	cmd.Flags().Bool("mdns", false, "Advertise the server on the local network via mDNS")
	cmd.Flags().Bool("qr", false, "Print a QR code of the server URL")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = a.cfg.BindAddr
	}

	a.watch(ctx)

	retention, err := cron.NewScheduler(cron.Config{
		Store:    a.store,
		Days:     a.cfg.Retention.MessagesDays,
		Schedule: a.cfg.Retention.Schedule,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	retention.Start(ctx)
	defer retention.Stop()

	gw := gateway.New(gateway.Config{
		Sessions:          func(sink session.Sink) *session.Orchestrator { return a.newOrchestrator(sink) },
		Tasks:             a.tasks,
		Registry:          a.tools,
		Store:             a.store,
		Bus:               a.bus,
		Auth:              a.cfg.Auth,
		RateLimit:         a.cfg.RateLimit,
		CORS:              a.cfg.CORS,
		AllowOrigins:      a.cfg.AllowOrigins,
		ConfigFingerprint: a.cfg.Fingerprint(),
		DefaultModel:      a.model,
		Logger:            telemetry.Component(logger, "gateway"),
		Tracer:            a.otel.Tracer,
		Metrics:           a.metrics,
	})
	gw.StartEviction(ctx)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w\n\n  %s", err, portOccupantHint(addr))
		}
		return err
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	url := serverURL(ln.Addr())
	logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
	fmt.Fprintf(cmd.OutOrStdout(), "analyst listening on %s (websocket %s/ws)\n", url, strings.Replace(url, "http", "ws", 1))

	if qr, _ := cmd.Flags().GetBool("qr"); qr {
		if err := printQRCode(cmd, url); err != nil {
			printErr("Warning: failed to render QR code: %v", err)
		}
	}
	if advertise, _ := cmd.Flags().GetBool("mdns"); advertise {
		_, port := splitHostPort(ln.Addr().String())
		server, err := startMDNSService(port, url)
		if err != nil {
			printErr("Warning: failed to start mDNS advertisement: %v", err)
		} else {
			logger.Info("mdns advertising", "service", mdnsServiceType, "port", port)
			defer server.Shutdown()
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("gateway: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down gateway: %w", err)
	}
	return nil
}

// serverURL is the address clients should use. An unspecified bind address
// is replaced with the first LAN address so the URL works from a phone.
func serverURL(addr net.Addr) string {
	host, port := splitHostPort(addr.String())
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		host = lanIP()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

func startMDNSService(port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "analyst"
	}
	txt := []string{
		"url=" + url,
		"ws=/ws",
	}
	service, err := mdns.NewMDNSService(name, mdnsServiceType, "local", "", port, nil, txt)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}

func printQRCode(cmd *cobra.Command, url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), code.ToString(false))
	return nil
}

func splitHostPort(addr string) (string, int) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return host, 0
	}
	return host, port
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port := splitHostPort(addr)
	if port == 0 {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %d is already in use. Stop the existing process, pass --addr, or change bind_addr in config.yaml.", port)
}
