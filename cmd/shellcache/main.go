package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"shellcache/internal/mlog"
	"shellcache/internal/shellcache"
)

type startFlags struct {
	config string
	watch  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shellcache",
		Short: "Offline caching proxy for the app shell and its data.",
	}

	sf := new(startFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [--watch]",
		Short: "Start the caching proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	fs := startCmd.Flags()
	fs.StringVarP(&sf.config, "config", "c", getenvDefault("SHELLCACHE_CONFIG", "/shellcache.yaml"), "config file")
	fs.BoolVar(&sf.watch, "watch", false, "reload the config file when it changes")
	root.AddCommand(startCmd)

	var cfgPath string
	configCmd := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shellcache.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
		SilenceUsage: true,
	}
	configCmd.Flags().StringVarP(&cfgPath, "config", "c", getenvDefault("SHELLCACHE_CONFIG", "/shellcache.yaml"), "config file")
	root.AddCommand(configCmd)

	return root
}

func run(sf *startFlags) error {
	cfg, err := shellcache.LoadConfig(sf.config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer lg.Sync()

	metricsReg := shellcache.NewMetricsRegistry()
	svc, err := shellcache.NewService(shellcache.ServiceOpts{
		Config:     cfg,
		Logger:     lg,
		Registerer: metricsReg,
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	unsubscribe := svc.Registration().Events().Subscribe(func(ev shellcache.Event) {
		fields := []zap.Field{zap.String("version", ev.Version)}
		if ev.Cache != "" {
			fields = append(fields, zap.String("cache", ev.Cache))
		}
		if ev.Count > 0 {
			fields = append(fields, zap.Int("count", ev.Count))
		}
		if ev.Err != nil {
			lg.Warn(string(ev.Kind), append(fields, zap.Error(ev.Err))...)
			return
		}
		lg.Info(string(ev.Kind), fields...)
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	installCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := svc.Start(installCtx); err != nil {
		lg.Warn("no active worker, forwarding all requests to the network", zap.Error(err))
	}
	cancel()

	if sf.watch {
		go func() {
			if err := shellcache.WatchConfig(ctx, sf.config, lg.Named("watch"), svc.Reload); err != nil {
				lg.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	if addr := cfg.API.HTTP; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		apiSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			lg.Info("starting api http server", zap.String("addr", addr))
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("api server error", zap.Error(err))
			}
		}()
		defer apiSrv.Close()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lg.Info("shellcache listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
