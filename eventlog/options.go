package eventlog

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/israelio/eventlog-go-client/internal/engine"
)

// FactoryOption is a functional option for ConnectionFactory
type FactoryOption func(*ConnectionFactory)

// WithHost sets the host to connect to
func WithHost(host string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Host = host
	}
}

// WithPort sets the port to connect to
func WithPort(port int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Port = port
	}
}

// WithCredentials sets the SASL PLAIN username and password
func WithCredentials(username, password string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Username = username
		cf.Password = password
	}
}

// WithEntityPath sets the event log to talk to
func WithEntityPath(path string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.EntityPath = path
	}
}

// WithContainerID sets the AMQP container id
func WithContainerID(id string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ContainerID = id
	}
}

// WithTLS enables TLS with the given configuration and switches to the TLS
// port if the port was left at its default.
func WithTLS(config *tls.Config) FactoryOption {
	return func(cf *ConnectionFactory) {
		if config == nil {
			config = &tls.Config{}
		}
		cf.TLS = config
		if cf.Port == DefaultPort {
			cf.Port = DefaultTLSPort
		}
	}
}

// WithConnectionTimeout bounds transport setup
func WithConnectionTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ConnectionTimeout = timeout
	}
}

// WithOperationTimeout bounds session and link setup and management requests
func WithOperationTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.OperationTimeout = timeout
	}
}

// WithIdleTimeout sets the AMQP idle timeout
func WithIdleTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.IdleTimeout = timeout
	}
}

// WithReceiveTimeout sets how long a receive waits before returning an
// empty batch
func WithReceiveTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ReceiveTimeout = timeout
	}
}

// WithPrefetchCount sets the credit granted to partition receivers
func WithPrefetchCount(count int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.PrefetchCount = count
	}
}

// WithEngine replaces the AMQP engine
func WithEngine(e engine.Engine) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Engine = e
	}
}

// WithErrorHandler sets a custom error handler
func WithErrorHandler(handler ErrorHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ErrorHandler = handler
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Metrics = metrics
	}
}

// WithLogger sets a custom logger
func WithLogger(logger logrus.FieldLogger) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Logger = logger
		if cf.ErrorHandler == nil {
			cf.ErrorHandler = &DefaultErrorHandler{Logger: logger}
		}
	}
}
