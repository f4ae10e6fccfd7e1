// Command todosyncd is the coordination server: it owns the merged todo
// list in SQLite and serves the sync API to devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/todosync/internal/server"
	"github.com/tonimelisma/todosync/internal/server/store"
)

// version is set at build time via ldflags.
var version = "dev"

// shutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

var (
	flagDBPath  string
	flagVerbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "todosyncd",
		Short:         "Todo list coordination server",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging()
		},
	}

	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "todosync.db", "SQLite database path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newUserCmd())

	return cmd
}

func setupLogging() {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.Default()

			st, err := store.Open(flagDBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.New(st, logger).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logger.Info("listening", slog.String("addr", addr))

				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}

				return nil
			})

			g.Go(func() error {
				<-ctx.Done()
				logger.Info("shutting down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				return srv.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")

	return cmd
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	cmd.AddCommand(newUserAddCmd())

	return cmd
}

func newUserAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create a user and print its bearer token",
		Long: `Create a user account and issue its bearer token. The token is printed
exactly once and cannot be recovered; put it in the device's config file.
The user id is also the merge tiebreaker, so keep ids stable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			st, err := store.Open(flagDBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			id := args[0]
			if name == "" {
				name = id
			}

			user, token, err := st.CreateUser(cmd.Context(), id, name)
			if err != nil {
				return err
			}

			cmd.Printf("user %s (%s) created\n", user.ID, user.Name)
			cmd.Printf("token: %s\n", token)
			cmd.Println("store this token now; it is not shown again")

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")

	return cmd
}
