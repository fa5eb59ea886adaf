package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/userop-sponsor/core/httpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the send, receipt, account and history API over HTTP",
	Long: `Start an HTTP server on http_bind_address.

POST /v1/userops streams build progress as newline delimited JSON,
GET /metrics exposes Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		s, c, err := openSession(ctx, reg)
		if err != nil {
			return err
		}
		defer s.Close()

		if c.HttpBindAddress == "" {
			return errors.New("http_bind_address is not configured")
		}

		srv := httpserver.New(s, reg, c.Logger)
		errC := make(chan error, 1)
		go func() {
			errC <- srv.Start(c.HttpBindAddress)
		}()

		select {
		case err := <-errC:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
