package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/api"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/config"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/service"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/statestore"
)

func newStatusCmd(f *flags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per repository progress from the state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, f)
			if err != nil {
				return err
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				log.WithError(err).Error("Failed to open state store")
				return err
			}
			defer store.Close()

			repos, err := service.NewProgressService(store).Repositories(cmd.Context())
			if err != nil {
				return err
			}
			if format == "json" {
				data, _ := json.MarshalIndent(repos, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			return printProgress(cmd.OutOrStdout(), store.Namespace().String(), repos)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")
	return cmd
}

func printProgress(out io.Writer, namespace string, repos []service.RepositoryProgress) error {
	fmt.Fprintf(out, "Namespace: %s\n", namespace)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tTYPE\tSTATUS\tTOTAL\tPUBLISHED\tFAILED\tSKIPPED\tPENDING\tLAST ERROR")
	for _, r := range repos {
		lastErr := r.LastError
		if len(lastErr) > 50 {
			lastErr = lastErr[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Name, r.PackageType, r.Status, r.Total, r.Published, r.Failed, r.Skipped, r.Pending, lastErr)
	}
	return w.Flush()
}

func newServeCmd(f *flags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the progress API over the state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, f)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg)
			if err != nil {
				log.WithError(err).Error("Failed to open state store")
				return err
			}
			defer store.Close()

			srv := &http.Server{
				Addr:    cfg.Server.Addr(),
				Handler: api.SetupRouter(service.NewProgressService(store), nil, cfg.Server, log),
			}
			errCh := make(chan error, 1)
			go func() {
				log.WithFields(logger.Fields{
					"port":                cfg.Server.Port,
					logger.FieldComponent: "progress-api",
				}).Info("Starting progress server")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					log.WithError(err).Error("Failed to start server")
					return err
				}
			case <-ctx.Done():
			}
			log.Info("Shutting down server...")
			shutdown(srv, log)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	return statestore.New(ctx, cfg, namespaceFor(cfg), false)
}
