package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pingd"
	"pkt.systems/pingd/internal/svcfields"
	"pkt.systems/pslog"
)

// stopTimeout bounds how long the CLI waits for a drain after a signal.
var stopTimeout = 30 * time.Second

// reloadableKeys are watched in the config file; a change is reported but
// only takes effect on restart.
var reloadableKeys = []string{
	"listen",
	"port",
	"request-timeout",
	"read-header-timeout",
	"max-header-bytes",
	"max-connections",
	"shutdown-grace",
	"reuse-port",
	"disable-request-tracing",
	"metrics-listen",
	"pprof-listen",
	"enable-profiling-metrics",
	"otlp-endpoint",
	"log-level",
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PINGD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "pingd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	ran, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if ran == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := pingd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, pingd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "pingd",
		Short:         "pingd answers GET /ping with pong",
		SilenceErrors: true,
		Example: `
  # Serve on 0.0.0.0:3000
  pingd

  # Loopback only, ephemeral port, Prometheus on :9464
  pingd --listen 127.0.0.1 --port 0 --metrics-listen :9464

  # Environment overrides use the PINGD_ prefix
  PINGD_PORT=8080 PINGD_REQUEST_TIMEOUT=2s pingd
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig(v, cmd.Flags())
			if err != nil {
				return err
			}

			logLevel := strings.TrimSpace(v.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("invalid log level %q", logLevel)
			}
			logger = logger.LogLevel(level)
			cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to pingd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			if configFile != "" {
				watchConfig(v, svcfields.WithSubsystem(logger, "cli.config"))
			}

			// The signal ctx must not stop the server on its own: the bounded
			// stop below is the only shutdown path.
			server, stop, err := pingd.StartServer(context.WithoutCancel(ctx), cfg, pingd.WithLogger(logger))
			if err != nil {
				return err
			}
			cliLogger.Info("serving", "url", server.URL())

			select {
			case <-ctx.Done():
				cliLogger.Info("received signal, stopping server")
			case <-server.Done():
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := stop(stopCtx); err != nil && !errors.Is(err, pingd.ErrServerNotRunning) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.pingd/"+pingd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", pingd.DefaultBindAddress, "bind address (IPv4 or IPv6 literal or hostname)")
	flags.IntP("port", "p", pingd.DefaultPort, "TCP port; 0 picks an ephemeral port")
	flags.Duration("request-timeout", pingd.DefaultRequestTimeout, "per-request handler deadline (negative disables)")
	flags.Duration("read-header-timeout", pingd.DefaultReadHeaderTimeout, "deadline for reading request headers (negative disables)")
	flags.String("max-header-bytes", humanize.IBytes(pingd.DefaultMaxHeaderBytes), "maximum request header size (e.g. 64KiB, 1MiB)")
	flags.Int("max-connections", 0, "maximum concurrently accepted connections (0 = unlimited)")
	flags.Duration("shutdown-grace", 0, "bound on graceful drain before forcing connections closed (0 = wait for in-flight requests)")
	flags.Bool("reuse-port", false, "set SO_REUSEPORT on the listener where supported")
	flags.Bool("disable-request-tracing", false, "skip request/correlation id headers and per-request log fields")
	flags.String("metrics-listen", pingd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", pingd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (grpc://host:4317, http://host:4318)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not defined", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	v.SetEnvPrefix("PINGD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	bindFlag("config")
	for _, name := range reloadableKeys {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(v *viper.Viper, flags *pflag.FlagSet) (pingd.Config, error) {
	var cfg pingd.Config
	cfg.BindAddress = v.GetString("listen")
	cfg.Port = v.GetInt("port")
	cfg.PortSet = keySet(v, flags, "port")
	cfg.RequestTimeout = v.GetDuration("request-timeout")
	cfg.ReadHeaderTimeout = v.GetDuration("read-header-timeout")
	if maxHeader := strings.TrimSpace(v.GetString("max-header-bytes")); maxHeader != "" {
		size, err := humanize.ParseBytes(maxHeader)
		if err != nil {
			return cfg, fmt.Errorf("parse max-header-bytes: %w", err)
		}
		cfg.MaxHeaderBytes = int(size)
	}
	cfg.MaxConnections = v.GetInt("max-connections")
	cfg.ShutdownGrace = v.GetDuration("shutdown-grace")
	cfg.ReusePort = v.GetBool("reuse-port")
	cfg.DisableRequestTracing = v.GetBool("disable-request-tracing")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	return cfg, nil
}

// keySet reports whether name was given explicitly by flag, config file or
// environment rather than falling back to its flag default.
func keySet(v *viper.Viper, flags *pflag.FlagSet, name string) bool {
	if f := flags.Lookup(name); f != nil && f.Changed {
		return true
	}
	if v.InConfig(name) {
		return true
	}
	_, ok := os.LookupEnv("PINGD_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
	return ok
}

func watchConfig(v *viper.Viper, logger pslog.Logger) {
	snapshot := configSnapshot(v)
	v.OnConfigChange(func(e fsnotify.Event) {
		next := configSnapshot(v)
		for _, key := range reloadableKeys {
			if snapshot[key] != next[key] {
				logger.Warn("config value changed; restart to apply",
					"path", e.Name,
					"key", key,
					"old", snapshot[key],
					"new", next[key],
				)
			}
		}
		snapshot = next
	})
	v.WatchConfig()
}

func configSnapshot(v *viper.Viper) map[string]string {
	out := make(map[string]string, len(reloadableKeys))
	for _, key := range reloadableKeys {
		out[key] = v.GetString(key)
	}
	return out
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
