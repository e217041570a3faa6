package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditcore/internal/audit/models"
	"auditcore/internal/audit/service"
	"auditcore/internal/audit/store/event"
	id "auditcore/pkg/domain"
	"auditcore/pkg/requestcontext"
)

func testSink(t *testing.T) (*service.Service, *event.InMemoryStore, context.Context, id.OrganizationID) {
	t.Helper()
	store := event.NewInMemory()
	svc := service.New(store)
	orgID := id.OrganizationID(uuid.New())
	ctx := requestcontext.WithOrganizationID(context.Background(), orgID)
	return svc, store, ctx, orgID
}

// failingSink fails every delivery until healed.
type failingSink struct {
	mu       sync.Mutex
	healthy  bool
	attempts int
}

func (f *failingSink) RecordEvent(context.Context, *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.healthy {
		return nil
	}
	return errors.New("store unavailable")
}

func (f *failingSink) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func TestPublisher_SyncMode(t *testing.T) {
	sink, store, ctx, orgID := testSink(t)
	pub := NewPublisher(sink)
	defer pub.Close()

	err := pub.Emit(ctx, models.Event{Action: models.ActionUserCreated})
	require.NoError(t, err)

	events, err := store.ListByOrganization(ctx, orgID, models.Page{}.Normalize())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.ActionUserCreated, events[0].Action)
}

func TestPublisher_AsyncMode(t *testing.T) {
	sink, store, ctx, orgID := testSink(t)
	pub := NewPublisher(sink, WithAsyncBuffer(10))
	defer pub.Close()

	err := pub.Emit(ctx, models.Event{OrganizationID: orgID, Action: models.ActionUserCreated})
	require.NoError(t, err)

	// Wait for async processing
	require.Eventually(t, func() bool {
		events, err := store.ListByOrganization(ctx, orgID, models.Page{}.Normalize())
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	sink, store, ctx, orgID := testSink(t)
	pub := NewPublisher(sink, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(ctx, models.Event{OrganizationID: orgID, Action: models.ActionUserCreated})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListByOrganization(ctx, orgID, models.Page{Size: 100}.Normalize())
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_CloseDuringConcurrentEmits(t *testing.T) {
	sink, store, ctx, orgID := testSink(t)
	pub := NewPublisher(sink, WithAsyncBuffer(8))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				assert.NoError(t, pub.Emit(ctx, models.Event{OrganizationID: orgID, Action: models.ActionUserCreated}))
			}
		}()
	}
	pub.Close()
	wg.Wait()

	// Emits after close fall back to synchronous delivery.
	require.NoError(t, pub.Emit(ctx, models.Event{OrganizationID: orgID, Action: models.ActionUserDeleted}))
	events, err := store.ListByAction(ctx, orgID, models.ActionUserDeleted, models.Page{}.Normalize())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPublisher_BufferFull_DropsWithoutBlocking(t *testing.T) {
	sink, _, ctx, orgID := testSink(t)
	pub := NewPublisher(sink, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Emit(ctx, models.Event{OrganizationID: orgID, Action: models.ActionUserCreated})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full buffer")
	}
}

func TestPublisher_ComplianceErrorPropagates(t *testing.T) {
	sink := &failingSink{}
	pub := NewPublisher(sink)
	defer pub.Close()

	err := pub.Emit(context.Background(), models.Event{Action: models.ActionUserDeleted})
	assert.Error(t, err, "compliance delivery is fail-closed")
}

func TestPublisher_OperationsErrorIsSwallowed(t *testing.T) {
	sink := &failingSink{}
	pub := NewPublisher(sink)
	defer pub.Close()

	err := pub.Emit(context.Background(), models.Event{Action: models.ActionUserLogin})
	assert.NoError(t, err, "operations delivery is fire-and-forget")
}

func TestPublisher_CircuitShedsAfterRepeatedFailures(t *testing.T) {
	sink := &failingSink{}
	cb := NewCircuitBreaker(3, time.Minute)
	pub := NewPublisher(sink, WithCircuitBreaker(cb))
	defer pub.Close()

	for range 3 {
		_ = pub.Emit(context.Background(), models.Event{Action: models.ActionUserLogin})
	}
	require.True(t, cb.IsOpen())

	before := sink.attemptCount()
	_ = pub.Emit(context.Background(), models.Event{Action: models.ActionUserLogin})
	assert.Equal(t, before, sink.attemptCount(), "open circuit must not reach the sink")
}

func TestPublisher_ComplianceBypassesOpenCircuit(t *testing.T) {
	sink := &failingSink{}
	cb := NewCircuitBreaker(1, time.Minute)
	pub := NewPublisher(sink, WithCircuitBreaker(cb))
	defer pub.Close()

	_ = pub.Emit(context.Background(), models.Event{Action: models.ActionUserLogin})
	require.True(t, cb.IsOpen())

	before := sink.attemptCount()
	_ = pub.Emit(context.Background(), models.Event{Action: models.ActionUserDeleted})
	assert.Equal(t, before+1, sink.attemptCount(), "compliance events always attempt delivery")
}

func TestPublisher_CircuitRecoversAfterCooldown(t *testing.T) {
	sink := &failingSink{}
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	pub := NewPublisher(sink, WithCircuitBreaker(cb))
	defer pub.Close()

	_ = pub.Emit(context.Background(), models.Event{Action: models.ActionUserLogin})
	require.True(t, cb.IsOpen())

	sink.mu.Lock()
	sink.healthy = true
	sink.mu.Unlock()
	time.Sleep(20 * time.Millisecond)

	_ = pub.Emit(context.Background(), models.Event{Action: models.ActionUserLogin})
	assert.False(t, cb.IsOpen(), "successful delivery after cooldown closes the circuit")
}

func TestPublisher_SamplerDropsOperationsOnly(t *testing.T) {
	sink, store, ctx, orgID := testSink(t)
	sampler := NewSampler(0)
	pub := NewPublisher(sink, WithSampler(sampler))
	defer pub.Close()

	require.NoError(t, pub.Emit(ctx, models.Event{Action: models.ActionUserLogin}))
	require.NoError(t, pub.Emit(ctx, models.Event{Action: models.ActionUserDeleted}))

	events, err := store.ListByOrganization(ctx, orgID, models.Page{}.Normalize())
	require.NoError(t, err)
	require.Len(t, events, 1, "sampled-out operations event must not persist")
	assert.Equal(t, models.ActionUserDeleted, events[0].Action)
}

func TestSampler_PerActionOverride(t *testing.T) {
	sampler := NewSampler(1.0)
	sampler.SetRate(models.ActionWebhookProcessed, 0)

	assert.True(t, sampler.ShouldSample(models.ActionUserLogin))
	assert.False(t, sampler.ShouldSample(models.ActionWebhookProcessed))
}
