package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsHighCardinalityLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("chama_id", "123"),
		attribute.String("user_id", "456"),
		attribute.String("outcome", "disburse"),
		attribute.String("category", "payout"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("outcome"))
	assert.Contains(t, keys, attribute.Key("category"))
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSettlement(ctx, "refund")
	m.RecordStart(ctx)
	m.RecordNotification(ctx, "payout", "stored")
	m.RecordContribution(ctx)

	var nilMetrics *Metrics
	nilMetrics.RecordSettlement(ctx, "refund")
}
