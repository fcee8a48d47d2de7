package telemetry

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/helpdeskops/triage/pkg/config"
)

func TestNewWithoutConfig(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sink, err := New(log, nil)
	require.NoError(t, err)

	sink.Emit(context.Background(), Event{Operation: "diagnose", Status: "success"})
	require.NoError(t, sink.Close())
}

func TestClickHouseSinkDropsEventsWhenUnreachable(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	sink, err := NewClickHouse(log, &config.TelemetryConfig{
		Address:  "127.0.0.1:1",
		Database: "triage",
		Table:    "events",
	})
	require.NoError(t, err)

	sink.Emit(context.Background(), Event{Operation: "diagnose", Status: "failure"})
	require.NoError(t, sink.Close())
}
