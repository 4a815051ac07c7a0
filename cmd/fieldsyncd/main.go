// fieldsyncd is the local sync daemon for field technicians. It keeps a
// durable queue of job mutations on disk, drains them to the remote API
// whenever connectivity allows, and pushes queue state to UI surfaces over
// WebSocket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/plumbworks/fieldsync/cmd/fieldsyncd/handlers"
	"github.com/plumbworks/fieldsync/internal/broadcast"
	"github.com/plumbworks/fieldsync/internal/config"
	"github.com/plumbworks/fieldsync/internal/engine"
	"github.com/plumbworks/fieldsync/internal/logging"
	"github.com/plumbworks/fieldsync/internal/remote"
	"github.com/plumbworks/fieldsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldsyncd",
	Short: "Offline-first sync daemon for field job mutations",
	Long: `fieldsyncd persists job mutations locally and replays them against
the remote API with backoff, so technicians keep working through dead
spots and the office still sees every change.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	log := logging.New(cfg.LogLevel)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := remote.NewClient(cfg.RemoteURL)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(log)
	eng := engine.New(st, client, log)
	eng.SetBroadcaster(hub)
	hub.SetSignalHandler(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.NewRouter(st, eng, hub, log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":   cfg.ListenAddr,
			"remote": cfg.RemoteURL,
		}).Info("fieldsyncd listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}
