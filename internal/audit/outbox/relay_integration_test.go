//go:build integration

package outbox_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcredpanda "github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"

	"auditcore/internal/audit/models"
	"auditcore/internal/audit/outbox"
	"auditcore/internal/audit/store/event"
	"auditcore/internal/platform/config"
	"auditcore/internal/platform/kafka"
	id "auditcore/pkg/domain"
	"auditcore/pkg/testutil/containers"
)

// End to end: an event insert writes an outbox row, the relay publishes it
// to the broker, and a consumer sees the payload keyed by tenant.
func TestRelayPublishesInsertedEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pg := containers.GetManager().GetPostgres(t)
	require.NoError(t, pg.TruncateTables(ctx, "audit_events", "audit_outbox"))

	rp, err := tcredpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.1.2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rp.Terminate(ctx) })

	broker, err := rp.KafkaSeedBroker(ctx)
	require.NoError(t, err)

	topic := "audit.events.test"
	producer, err := kafka.NewProducer(ctx, config.KafkaConfig{
		Brokers: []string{broker},
		Topic:   topic,
	})
	require.NoError(t, err)
	t.Cleanup(producer.Close)

	orgID := id.OrganizationID(uuid.New())
	store := event.NewPostgres(pg.DB)
	inserted := &models.Event{
		ID:              id.EventID(uuid.New()),
		OrganizationID:  orgID,
		Action:          models.ActionPaymentCreated,
		Severity:        models.SeverityInfo,
		CorrelationID:   "req-relay-1",
		RetentionExpiry: time.Now().AddDate(7, 0, 0),
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, inserted))

	relay := outbox.NewRelay(outbox.NewPostgres(pg.DB), producer)
	require.NoError(t, relay.Drain(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	pollCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var record *kgo.Record
	for record == nil {
		fetches := consumer.PollFetches(pollCtx)
		require.NoError(t, fetches.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			if record == nil {
				record = r
			}
		})
	}

	orgRaw := uuid.UUID(orgID)
	require.Equal(t, orgRaw[:], record.Key, "records are keyed by organization")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(record.Value, &payload))
	require.Equal(t, inserted.ID.String(), payload["id"])
	require.Equal(t, string(models.ActionPaymentCreated), payload["action"])
	require.Equal(t, "req-relay-1", payload["correlation_id"])

	// The outbox row is marked published, so a second drain is a no-op.
	var unpublished int
	require.NoError(t, pg.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_outbox WHERE published_at IS NULL`).Scan(&unpublished))
	require.Zero(t, unpublished)
}
