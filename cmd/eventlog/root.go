package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/israelio/eventlog-go-client/eventlog"
)

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "eventlog",
		Short:         "Inspect and tail a partitioned event log over AMQP 1.0",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfigFile(v)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML/JSON/TOML config file")
	flags.String("uri", "", "amqp:// or amqps:// URI of the namespace")
	flags.String("connection-string", "", "Endpoint=sb://...;SharedAccessKeyName=...;SharedAccessKey=...;EntityPath=...")
	flags.String("entity", "", "event log name (overrides the URI/connection string)")
	flags.Duration("operation-timeout", eventlog.DefaultOperationTimeout, "timeout for management operations")
	flags.Duration("connection-timeout", eventlog.DefaultConnectionTimeout, "timeout for opening the connection")
	flags.Int("prefetch", eventlog.DefaultPrefetchCount, "link credit granted to partition receivers")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address (empty disables)")

	for _, name := range []string{
		"config", "uri", "connection-string", "entity", "operation-timeout", "connection-timeout",
		"prefetch", "log-level", "log-format", "metrics-listen",
	} {
		mustBindFlag(v, name, flags.Lookup(name))
	}

	v.SetEnvPrefix("EVENTLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(
		newInfoCommand(v),
		newPartitionCommand(v),
		newReceiveCommand(v),
	)
	return cmd
}

func mustBindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func loadConfigFile(v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func newLogger(v *viper.Viper) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	switch v.GetString("log-format") {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", v.GetString("log-format"))
	}
	return logger, nil
}

// newFactory builds a connection factory from the URI or connection
// string, with explicit flags taking precedence.
func newFactory(v *viper.Viper, logger logrus.FieldLogger, metrics eventlog.MetricsCollector) (*eventlog.ConnectionFactory, error) {
	uri := v.GetString("uri")
	cs := v.GetString("connection-string")

	var (
		factory *eventlog.ConnectionFactory
		err     error
	)
	switch {
	case uri != "" && cs != "":
		return nil, errors.New("--uri and --connection-string are mutually exclusive")
	case cs != "":
		factory, err = eventlog.ParseConnectionString(cs)
	case uri != "":
		factory, err = eventlog.ParseURI(uri)
	default:
		return nil, errors.New("one of --uri or --connection-string is required")
	}
	if err != nil {
		return nil, err
	}

	if entity := v.GetString("entity"); entity != "" {
		factory.EntityPath = entity
	}
	// URI query parameters win over flag defaults, not over explicit flags.
	if v.IsSet("operation-timeout") {
		factory.OperationTimeout = v.GetDuration("operation-timeout")
	}
	if v.IsSet("connection-timeout") {
		factory.ConnectionTimeout = v.GetDuration("connection-timeout")
	}
	if v.IsSet("prefetch") {
		factory.PrefetchCount = v.GetInt("prefetch")
	}
	factory.Logger = logger
	factory.Metrics = metrics

	if err := factory.Validate(); err != nil {
		return nil, err
	}
	return factory, nil
}

// session is what every subcommand runs against
type session struct {
	logger *logrus.Logger
	client *eventlog.Client
	stop   func()
}

func openSession(ctx context.Context, v *viper.Viper) (*session, error) {
	logger, err := newLogger(v)
	if err != nil {
		return nil, err
	}

	var metrics eventlog.MetricsCollector = eventlog.NewNoOpMetricsCollector()
	stopMetrics := func() {}
	if addr := v.GetString("metrics-listen"); addr != "" {
		metrics, stopMetrics, err = serveMetrics(addr, logger)
		if err != nil {
			return nil, err
		}
	}

	factory, err := newFactory(v, logger, metrics)
	if err != nil {
		stopMetrics()
		return nil, err
	}
	client, err := factory.NewClient(ctx)
	if err != nil {
		stopMetrics()
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"host":   factory.Host,
		"entity": factory.EntityPath,
	}).Debug("connected")

	s := &session{logger: logger, client: client}
	s.stop = func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), factory.OperationTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("close failed")
		}
		stopMetrics()
	}
	return s, nil
}

func serveMetrics(addr string, logger logrus.FieldLogger) (eventlog.MetricsCollector, func(), error) {
	reg := prometheus.NewRegistry()
	metrics, err := eventlog.NewPrometheusMetricsCollector(reg, "eventlog")
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	logger.WithField("addr", addr).Info("serving metrics")

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return metrics, stop, nil
}
