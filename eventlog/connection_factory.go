package eventlog

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/engine"
	"github.com/israelio/eventlog-go-client/internal/engine/goamqp"
	"github.com/israelio/eventlog-go-client/internal/reactor"
	"github.com/israelio/eventlog-go-client/internal/util"
)

// ConnectionFactory creates and configures connections and clients
type ConnectionFactory struct {
	// Connection settings
	Host     string
	Port     int
	Username string
	Password string

	// EntityPath names the event log, e.g. "telemetry"
	EntityPath string

	// ContainerID identifies this client to the peer; generated when empty
	ContainerID string

	// TLS configuration
	TLS *tls.Config

	// Timeouts
	ConnectionTimeout time.Duration
	OperationTimeout  time.Duration
	IdleTimeout       time.Duration
	ReceiveTimeout    time.Duration

	// PrefetchCount is the link credit granted to partition receivers
	PrefetchCount int

	// Engine speaks AMQP on the wire; defaults to the go-amqp engine
	Engine engine.Engine

	// Custom handlers
	ErrorHandler ErrorHandler
	Metrics      MetricsCollector

	// Logger
	Logger logrus.FieldLogger
}

// Defaults
const (
	DefaultPort              = 5672
	DefaultTLSPort           = 5671
	DefaultConnectionTimeout = 60 * time.Second
	DefaultOperationTimeout  = 60 * time.Second
	DefaultPrefetchCount     = 500
	MinPrefetchCount         = 10
	MaxPrefetchCount         = 999
)

// NewConnectionFactory creates a new ConnectionFactory with sensible defaults
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cf := &ConnectionFactory{
		Host:              "localhost",
		Port:              DefaultPort,
		ConnectionTimeout: DefaultConnectionTimeout,
		OperationTimeout:  DefaultOperationTimeout,
		PrefetchCount:     DefaultPrefetchCount,
	}

	for _, opt := range opts {
		opt(cf)
	}

	cf.applyDefaults()
	return cf
}

func (cf *ConnectionFactory) applyDefaults() {
	if cf.Logger == nil {
		cf.Logger = logrus.StandardLogger()
	}
	if cf.ErrorHandler == nil {
		cf.ErrorHandler = &DefaultErrorHandler{Logger: cf.Logger}
	}
	if cf.Metrics == nil {
		cf.Metrics = NewNoOpMetricsCollector()
	}
	if cf.Engine == nil {
		cf.Engine = goamqp.New(cf.Logger)
	}
	if cf.ContainerID == "" {
		cf.ContainerID = uuid.NewString()
	}
	if cf.ReceiveTimeout <= 0 {
		cf.ReceiveTimeout = cf.OperationTimeout
	}
}

// NewConnection opens a connection using the factory settings
func (cf *ConnectionFactory) NewConnection(ctx context.Context) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, err
	}
	cf.applyDefaults()

	logger := cf.Logger.WithField("connection", cf.ContainerID)
	r, err := reactor.New(logger)
	if err != nil {
		return nil, err
	}
	r.Start(context.Background())

	conn := &Connection{
		factory:    cf,
		reactor:    r,
		dispatcher: r.Dispatcher(),
		opened:     util.NewFuture[struct{}](),
		closed:     util.NewFuture[struct{}](),
		registered: make(map[engine.Link]struct{}),
		pending:    make(map[uint64]func(error)),
		logger:     logger,
		metrics:    cf.Metrics,
	}
	conn.state.Store(int32(StateOpening))
	conn.handler = NewConnectionHandler(conn, logger)

	connCtx, cancel := context.WithTimeout(ctx, cf.ConnectionTimeout)
	defer cancel()
	if err := conn.open(connCtx); err != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), cf.OperationTimeout)
		defer stop()
		_ = conn.shutdown(shutdownCtx)
		return nil, fmt.Errorf("open connection to %s: %w", cf.Host, err)
	}
	return conn, nil
}

// NewClient opens a connection and wraps it in a Client
func (cf *ConnectionFactory) NewClient(ctx context.Context) (*Client, error) {
	conn, err := cf.NewConnection(ctx)
	if err != nil {
		return nil, err
	}
	return newClient(conn), nil
}

func (cf *ConnectionFactory) engineConfig() engine.ConnectionConfig {
	return engine.ConnectionConfig{
		Host:             cf.Host,
		Port:             cf.Port,
		TLS:              cf.TLS,
		Username:         cf.Username,
		Password:         cf.Password,
		ContainerID:      cf.ContainerID,
		IdleTimeout:      cf.IdleTimeout,
		DialTimeout:      cf.ConnectionTimeout,
		OperationTimeout: cf.OperationTimeout,
	}
}

// Validate validates the ConnectionFactory configuration
func (cf *ConnectionFactory) Validate() error {
	if cf.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if cf.Port <= 0 || cf.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cf.Port)
	}
	if cf.EntityPath == "" {
		return fmt.Errorf("entity path cannot be empty")
	}
	if cf.Password != "" && cf.Username == "" {
		return fmt.Errorf("username cannot be empty when a password is set")
	}
	if cf.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout cannot be negative, got %v", cf.ConnectionTimeout)
	}
	if cf.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %v", cf.OperationTimeout)
	}
	if cf.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout cannot be negative, got %v", cf.IdleTimeout)
	}
	if cf.ReceiveTimeout < 0 {
		return fmt.Errorf("receive timeout cannot be negative, got %v", cf.ReceiveTimeout)
	}
	if cf.PrefetchCount < MinPrefetchCount || cf.PrefetchCount > MaxPrefetchCount {
		return fmt.Errorf("prefetch count must be between %d and %d, got %d", MinPrefetchCount, MaxPrefetchCount, cf.PrefetchCount)
	}
	return nil
}
