// Command server runs an off-heap authoritative cache tier behind a small
// admin HTTP surface: /stats (JSON), /metrics (Prometheus), and
// /debug/segments (segment-table occupancy aggregated over all segments).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/skbansal/ehcache3/offheap"
)

const (
	version     = "1.0.0"
	serviceName = "ehcache3 off-heap tier server"
)

var rootCmd = &cobra.Command{
	Use:   "ehcache3-server",
	Short: serviceName,
	Long: fmt.Sprintf(`%s (v%s)

Serves an off-heap authoritative cache tier's admin surface over HTTP:
stats, Prometheus metrics, and a segment-table debug view.`, serviceName, version),
	RunE: run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s v%s\n", serviceName, version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("listen", ":8080", "admin HTTP listen address")
	rootCmd.PersistentFlags().Int("segments", 64, "number of segments in the segmented map")
	rootCmd.PersistentFlags().Int64("capacity-bytes", 0, "arena capacity in bytes (0 = unbounded)")
	rootCmd.PersistentFlags().Int("page-size-bytes", 1<<20, "arena page growth increment in bytes")
	rootCmd.PersistentFlags().String("config", "", "path to a config file (yaml/json/toml)")

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	viper.SetEnvPrefix("EHCACHE3")
	viper.AutomaticEnv()

	rootCmd.AddCommand(versionCmd)
}

func loadConfigFile() {
	path := viper.GetString("config")
	if path == "" {
		return
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("config file %q: %v (continuing with flags/env only)", path, err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	loadConfigFile()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	store := offheap.New(
		offheap.WithSegmentCount(viper.GetInt("segments")),
		offheap.WithCapacityBytes(viper.GetInt64("capacity-bytes")),
		offheap.WithPageSizeBytes(viper.GetInt("page-size-bytes")),
		offheap.WithLogger(logger),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(store.Collector("ehcache3"))

	router := mux.NewRouter()
	router.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", handleStats(store)).Methods(http.MethodGet)
	router.HandleFunc("/debug/segments", handleDebugSegments(store)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	addr := viper.GetString("listen")
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting admin server",
		zap.String("addr", addr),
		zap.Int("segments", viper.GetInt("segments")),
		zap.Int("goroutines", runtime.NumGoroutine()),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
