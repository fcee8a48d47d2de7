package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/config"
)

const dialTimeout = 5 * time.Second

type clickhouseSink struct {
	log   logrus.FieldLogger
	conn  driver.Conn
	table string
}

var _ Sink = (*clickhouseSink)(nil)

// NewClickHouse opens a connection to the configured ClickHouse instance.
// An unreachable instance is logged, not fatal: events are dropped until it
// comes back.
func NewClickHouse(log logrus.FieldLogger, cfg *config.TelemetryConfig) (Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Address},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}

	sink := &clickhouseSink{
		log:   log.WithField("component", "telemetry"),
		conn:  conn,
		table: cfg.Table,
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		sink.log.WithError(err).WithField("address", cfg.Address).Warn("Telemetry store unreachable")
	} else {
		sink.log.WithFields(logrus.Fields{
			"address":  cfg.Address,
			"database": cfg.Database,
			"table":    cfg.Table,
		}).Info("Telemetry sink connected")
	}

	return sink, nil
}

// Emit inserts the event asynchronously without waiting for the server to
// flush it. Failures are logged and dropped.
func (s *clickhouseSink) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (timestamp, service, operation, correlation_id, target_system, runbook_name, status, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		s.table,
	)

	err := s.conn.AsyncInsert(ctx, query, false,
		event.Timestamp,
		event.Service,
		event.Operation,
		event.CorrelationID,
		event.TargetSystem,
		event.RunbookName,
		event.Status,
		event.Detail,
	)
	if err != nil {
		s.log.WithError(err).WithField("operation", event.Operation).Debug("Telemetry emission failed")
	}
}

func (s *clickhouseSink) Close() error {
	return s.conn.Close()
}
