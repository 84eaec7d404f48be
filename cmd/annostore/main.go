// Command annostore runs the annotation store server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wholeslide/annostore/internal/api"
	"github.com/wholeslide/annostore/internal/hooks"
	"github.com/wholeslide/annostore/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "annostore",
		Short:        "Annotation store for whole-slide images",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	flags := cmd.Flags()
	flags.String("db", "annostore.db", "SQLite database path, or :memory:")
	flags.String("listen", ":8080", "listen address")
	flags.Bool("history", true, "keep annotation version history")
	flags.StringSlice("cors", nil, "allowed CORS origins")
	flags.Bool("dev", false, "development logging")
	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("annostore")
	viper.AutomaticEnv()
	return cmd
}

func serve() error {
	var log *zap.Logger
	var err error
	if viper.GetBool("dev") {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(viper.GetString("db"),
		store.WithHistory(viper.GetBool("history")),
		store.WithLogger(log.Named("store")))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		return err
	}

	hk := hooks.New(st, log.Named("hooks"))
	server := api.New(st, hk, log.Named("api"))

	httpServer := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: server.Router(viper.GetStringSlice("cors")),
		// Streaming endpoints raise their own deadlines; the server-wide
		// timeouts only bound header reads.
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr),
			zap.Bool("history", viper.GetBool("history")))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
}
