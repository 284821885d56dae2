package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqtrelay/certs"
	"github.com/zsiec/moqtrelay/internal/relay"
	"github.com/zsiec/moqtrelay/internal/session"
)

var version = "dev"

func main() {
	addr := flag.String("addr", envOr("MOQRELAY_ADDR", ":4443"), "WebTransport listen address")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	r := relay.New(relay.Config{})
	defer r.Close()

	var wtSrv *webtransport.Server

	mux := http.NewServeMux()
	mux.HandleFunc("/moq", func(w http.ResponseWriter, req *http.Request) {
		wtSession, err := wtSrv.Upgrade(w, req)
		if err != nil {
			slog.Error("webtransport upgrade failed", "error", err, "remote", req.RemoteAddr)
			return
		}
		slog.Info("moqt session accepted", "remote", req.RemoteAddr)
		if err := r.HandleSession(req.Context(), wtSession, session.TransportWebTransport); err != nil {
			slog.Debug("moqt session ended", "remote", req.RemoteAddr, "error", err)
		}
	})

	wtSrv = &webtransport.Server{
		H3: http3.Server{
			Addr:      *addr,
			Handler:   mux,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}},
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
				Allow0RTT:      true,
			},
		},
		// CheckOrigin accepts all origins; deployments needing origin
		// enforcement should do it in a reverse proxy in front of this relay.
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	slog.Info("moqrelay starting", "version", version, "addr", *addr, "cert_hash", cert.FingerprintBase64())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stop := context.AfterFunc(ctx, func() { wtSrv.Close() })
		defer stop()
		err := wtSrv.ListenAndServe()
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
