package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/summitto/heartbeat-compute-party/internal/aesbridge"
	"github.com/summitto/heartbeat-compute-party/internal/analysisapp"
	"github.com/summitto/heartbeat-compute-party/internal/cache"
	"github.com/summitto/heartbeat-compute-party/internal/config"
	"github.com/summitto/heartbeat-compute-party/internal/keyshare"
	"github.com/summitto/heartbeat-compute-party/internal/obelisk"
	"github.com/summitto/heartbeat-compute-party/internal/partykeys"
	"github.com/summitto/heartbeat-compute-party/internal/statusstore"
	"github.com/summitto/heartbeat-compute-party/internal/taskmanager"
	"github.com/summitto/heartbeat-compute-party/internal/timer"
)

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP-fronted compute party",
		GroupID: "",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*cfgPath)
		},
	}
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := newLogger(cfg.LogPretty)

	keys, err := partykeys.Load(partykeys.Config{
		ServerKey:  cfg.ServerKey,
		ServerCert: cfg.ServerCert,
		PartyIndex: cfg.PartyIndex,
		PartyCerts: cfg.PartyCerts,
	})
	if err != nil {
		return fmt.Errorf("loading party keys: %w", err)
	}

	cacheEncoding := cache.EncodingJSON
	if cfg.CacheEncoding == "binary" {
		cacheEncoding = cache.EncodingBinary
	}
	cacheMgr, err := cache.New(cfg.CacheBaseDir, cfg.CacheMaxSize, cacheEncoding)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}

	status, err := statusstore.Open(cfg.StatusDBPath)
	if err != nil {
		return fmt.Errorf("opening status store: %w", err)
	}
	defer status.Close()

	obeliskClient := obelisk.New(cfg.ObeliskBaseURL, cfg.ObeliskTokenURL, cfg.ServerID, cfg.ServerSecret)
	bridge := aesbridge.New(cfg.AESBridgeBin, cfg.AESBridgeConfig)
	clock := timer.New(cfg.ResultsDir, cfg.PartyIndex, log)

	tasks := taskmanager.New(taskmanager.Config{
		QueueSize:       cfg.QueueSize,
		Keys:            keys,
		Decryptor:       keyshare.New(keys),
		Obelisk:         obeliskClient,
		Bridge:          bridge,
		Cache:           cacheMgr,
		Status:          status,
		Timer:           clock,
		Logger:          log,
		ModelDir:        cfg.ModelDir,
		SharesFilePath:  cfg.SharesFilePath,
		InferenceBin:    cfg.InferenceBin,
		HostsFile:       cfg.HostsFile,
		OfflineBin:      cfg.OfflineBin,
		OfflineScpHosts: cfg.OfflineScpHosts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tasks.Run(ctx)

	app := analysisapp.New(tasks, status, log)
	mux := http.NewServeMux()
	app.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("building TLS config: %w", err)
	}

	srv := &http.Server{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Int("party_index", cfg.PartyIndex).Msg("compute party listening")
		errCh <- srv.ListenAndServeTLS(cfg.ServerCert, cfg.ServerKey)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		return srv.Shutdown(context.Background())
	}
	return nil
}

// buildTLSConfig sets up the client side of mutual TLS: a client CA pool
// built from ca_cert, requiring the peer compute parties to present a
// certificate signed by it. The server's own certificate is not part of the
// returned config; runServe passes it to ListenAndServeTLS.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("reading ca_cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("ca_cert at %s contains no usable certificates", cfg.CACert)
	}

	return &tls.Config{
		ClientCAs:  pool,
		ClientAuth: tls.RequireAndVerifyClientCert,
		MinVersion: tls.VersionTLS12,
	}, nil
}
