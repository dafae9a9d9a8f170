package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is the entry point to one event log: runtime information through
// the management channel, and partition receivers.
type Client struct {
	conn    *Connection
	mgmt    *ManagementChannel
	logger  logrus.FieldLogger
	metrics MetricsCollector

	mu        sync.Mutex
	receivers []*PartitionReceiver
	closed    atomic.Bool
}

func newClient(conn *Connection) *Client {
	cf := conn.factory
	return &Client{
		conn: conn,
		mgmt: NewManagementChannel(conn, conn, conn.RemoteContainerID, conn.dispatcher,
			managementChannelName, cf.EntityPath, cf.OperationTimeout, conn.logger, cf.Metrics),
		logger:  conn.logger.WithField("entity", cf.EntityPath),
		metrics: cf.Metrics,
	}
}

// Connection returns the underlying connection
func (c *Client) Connection() *Connection {
	return c.conn
}

// Management returns the management channel
func (c *Client) Management() *ManagementChannel {
	return c.mgmt
}

// GetRuntimeInformation reads the event log description
func (c *Client) GetRuntimeInformation(ctx context.Context) (*RuntimeInformation, error) {
	body, err := c.request(ctx, runtimeInformationRequest(c.conn.factory.EntityPath))
	if err != nil {
		return nil, fmt.Errorf("get runtime information: %w", err)
	}
	return parseRuntimeInformation(body)
}

// GetPartitionRuntimeInformation reads the description of one partition
func (c *Client) GetPartitionRuntimeInformation(ctx context.Context, partitionID string) (*PartitionRuntimeInformation, error) {
	body, err := c.request(ctx, partitionInformationRequest(c.conn.factory.EntityPath, partitionID))
	if err != nil {
		return nil, fmt.Errorf("get partition %s runtime information: %w", partitionID, err)
	}
	return parsePartitionRuntimeInformation(body)
}

func (c *Client) request(ctx context.Context, fields map[string]any) (map[string]any, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	timeout := c.conn.factory.OperationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return c.mgmt.Request(c.conn.dispatcher, fields, timeout).Wait(ctx)
}

// CreateReceiver creates a receiver for partitionID in consumerGroup. An
// empty consumer group means DefaultConsumerGroup. The link opens on the
// first Receive.
func (c *Client) CreateReceiver(consumerGroup, partitionID string, opts ...ReceiverOption) (*PartitionReceiver, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	r, err := newPartitionReceiver(c.conn, c.conn, c.conn.dispatcher, c.conn.factory, consumerGroup, partitionID, opts...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.receivers = append(c.receivers, r)
	c.mu.Unlock()
	return r, nil
}

// Close closes every receiver, the management channel and the connection
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	receivers := c.receivers
	c.receivers = nil
	c.mu.Unlock()

	var errs []error
	for _, r := range receivers {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close receiver %s: %w", r.PartitionID(), err))
		}
	}
	if err := c.mgmt.channel.CloseAndWait(ctx, c.conn.dispatcher); err != nil {
		errs = append(errs, fmt.Errorf("close management channel: %w", err))
	}
	if err := c.conn.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	if len(errs) > 0 {
		c.logger.WithError(errors.Join(errs...)).Warn("client closed with errors")
	}
	return errors.Join(errs...)
}
