// Package report writes settlement batch summaries to InfluxDB.
package report

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/terminal-bench/satengine/pkg/models"
)

const measurement = "settlement_batch"

// Config locates the InfluxDB bucket
type Config struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Org    string `toml:"org"`
	Bucket string `toml:"bucket"`
}

// Enabled reports whether a server is configured
func (c Config) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// Influx writes one point per batch
type Influx struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// NewInflux creates a reporter for cfg
func NewInflux(cfg Config) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Point converts a batch into a line-protocol point
func Point(b *models.SettlementBatch) *write.Point {
	ts := b.CreatedAt
	if b.SettledAt != nil {
		ts = *b.SettledAt
	}
	return influxdb2.NewPoint(measurement,
		map[string]string{"status": string(b.Status)},
		map[string]interface{}{
			"batch_id":    b.ID,
			"pool":        b.Pool,
			"fees":        b.Fees,
			"emission":    b.Emission,
			"pool_funds":  b.PoolFunds,
			"items":       b.ItemCount,
			"distributed": b.Distributed,
		},
		ts)
}

func (r *Influx) Report(ctx context.Context, b *models.SettlementBatch) error {
	if err := r.writer.WritePoint(ctx, Point(b)); err != nil {
		return fmt.Errorf("failed to write batch %s: %w", b.ID, err)
	}
	return nil
}

// Ping checks the server is reachable
func (r *Influx) Ping(ctx context.Context) error {
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb not ready")
	}
	return nil
}

func (r *Influx) Close() {
	r.client.Close()
}

// Nop discards reports
type Nop struct{}

func (Nop) Report(ctx context.Context, b *models.SettlementBatch) error { return nil }
