// Package influx records delivery counts in InfluxDB so package history
// can be graphed over time. Writes are non-blocking and batched; write
// errors surface asynchronously through the logger.
package influx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nugget/direct4me-bridge/internal/config"
	"github.com/nugget/direct4me-bridge/internal/poller"
)

const (
	defaultPingTimeout = 5 * time.Second

	millisecondsPerSecond = 1000
)

// Client is a connected InfluxDB history writer. It implements
// [poller.Sink].
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	device   string
	logger   *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// Connect creates the client, pings the server, and starts the batched
// write API. device tags every point so several accounts can share a
// bucket.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, device string, logger *slog.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		device:    device,
		logger:    logger,
		connected: true,
	}
	go c.handleWriteErrors(c.writeAPI.Errors())

	logger.Info("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return c, nil
}

func (c *Client) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		c.logger.Warn("influxdb write failed", "error", err)
	}
}

// Name identifies the sink in logs.
func (c *Client) Name() string { return "influxdb" }

// Publish queues the report's points. Delivery happens on the next
// batch flush.
func (c *Client) Publish(_ context.Context, r poller.Report) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	for _, p := range Points(r, c.device, time.Now()) {
		c.writeAPI.WritePoint(p)
	}
	return nil
}

// Ping checks the server is alive. Used by connwatch.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb ping: server not healthy")
	}
	return nil
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Flush blocks until buffered points are written. No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()
}
