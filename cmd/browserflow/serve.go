package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/browserflow/internal/server"
)

var serveFlagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the nodes over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newApp()
		if err != nil {
			return err
		}
		defer rt.Close()

		addr := rt.cfg.Addr
		if serveFlagAddr != "" {
			addr = serveFlagAddr
		}
		if rt.cfg.APIKey == "" {
			log.Warn().Msg("BROWSERFLOW_API_KEY is empty, node endpoints are unauthenticated")
		}

		srv := &http.Server{
			Addr:              addr,
			Handler:           server.New(rt.registry, rt.cfg.APIKey, log.With().Str("comp", "http").Logger()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}

		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlagAddr, "addr", "", "listen address (default BROWSERFLOW_ADDR or :8090)")
}
