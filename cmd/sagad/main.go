package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	saga "github.com/glimte/mmate-saga"
	"github.com/glimte/mmate-saga/config"
	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/recipe"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand(os.Stdout, builtinRecipes()...).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer, recipes ...recipe.Recipe) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "sagad",
		Short: "Run the saga orchestration service",
		Long: `sagad serves the saga dispatcher over HTTP and consumes task queues.
Configuration is read from a YAML file and SAGA_* environment variables.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP and consume the configured queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := cfg.Log.Logger(os.Stderr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := saga.New(ctx, cfg, saga.WithLogger(logger), saga.WithRecipes(recipes...))
			if err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
				defer cancel()
				if err := svc.Close(closeCtx); err != nil {
					logger.Error("shutdown incomplete", "error", err)
				}
			}()

			logger.Info("sagad started", "version", version, "transport", cfg.Transport.Kind, "store", cfg.Store.Kind)
			return svc.Run(ctx)
		},
	}

	routesCmd := &cobra.Command{
		Use:   "routes",
		Short: "List every dispatchable key and its path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// Routes only need the recipe graph.
			cfg.Transport.Kind = config.TransportMemory
			cfg.Store.Kind = config.StoreMemory
			cfg.DeadLetter.PostgresDSN = ""

			svc, err := saga.New(cmd.Context(), cfg, saga.WithLogger(cfg.Log.Logger(io.Discard)), saga.WithRecipes(recipes...))
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tPATH")
			for _, r := range svc.Routes() {
				fmt.Fprintf(w, "%s\tPOST %s\n", r.Key, r.Path)
			}
			return w.Flush()
		},
	}

	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show the depth of the task queues and their dead-letter queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			svc, err := saga.New(ctx, cfg, saga.WithLogger(cfg.Log.Logger(io.Discard)), saga.WithRecipes(recipes...))
			if err != nil {
				return err
			}
			defer svc.Close(context.Background())

			counts, err := svc.Queues(ctx)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tMESSAGES")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%d\n", name, counts[name])
			}
			return w.Flush()
		},
	}

	rootCmd.AddCommand(serveCmd, routesCmd, queuesCmd)
	return rootCmd
}

// builtinRecipes lets a fresh deployment be smoke-tested with POST /v2/action/ping
func builtinRecipes() []recipe.Recipe {
	return []recipe.Recipe{{
		Namespace: recipe.NamespaceAction,
		Name:      "ping",
		Sequence: []recipe.Step{{
			Key: "perform.pong",
			Handler: func(ctx context.Context, msg *contracts.Message, sc *contracts.StepContext) (contracts.Result, error) {
				sc.Logger.InfoContext(ctx, "pong", "messageId", msg.ID)
				return contracts.Append("pong"), nil
			},
		}},
	}}
}
