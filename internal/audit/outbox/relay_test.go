package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore holds entries in order and tracks which were marked published.
type fakeStore struct {
	mu      sync.Mutex
	entries []Entry
	marked  map[uuid.UUID]bool
}

func newFakeStore(entries ...Entry) *fakeStore {
	return &fakeStore{entries: entries, marked: make(map[uuid.UUID]bool)}
}

func (s *fakeStore) FetchUnpublished(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if s.marked[e.ID] {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, ids []uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.marked[id] = true
	}
	return nil
}

func (s *fakeStore) unpublishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		if !s.marked[e.ID] {
			count++
		}
	}
	return count
}

// fakeProducer records published payloads and can fail after n publishes.
type fakeProducer struct {
	mu        sync.Mutex
	published [][]byte
	keys      [][]byte
	failAfter int // -1 never fails
}

func (p *fakeProducer) Publish(_ context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter >= 0 && len(p.published) >= p.failAfter {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, value)
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func entry(org uuid.UUID, at time.Time, payload string) Entry {
	return Entry{
		ID:             uuid.New(),
		OrganizationID: org,
		EventID:        uuid.New(),
		EventType:      "user.login",
		Payload:        []byte(payload),
		CreatedAt:      at,
	}
}

func TestDrain_PublishesAllAndMarks(t *testing.T) {
	org := uuid.New()
	now := time.Now()
	store := newFakeStore(
		entry(org, now, `{"n":1}`),
		entry(org, now.Add(time.Second), `{"n":2}`),
		entry(org, now.Add(2*time.Second), `{"n":3}`),
	)
	producer := &fakeProducer{failAfter: -1}
	relay := NewRelay(store, producer)

	require.NoError(t, relay.Drain(context.Background()))

	assert.Equal(t, 3, producer.count())
	assert.Equal(t, 0, store.unpublishedCount())
	assert.Equal(t, [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`)}, producer.published)
}

func TestDrain_KeysByOrganization(t *testing.T) {
	org := uuid.New()
	store := newFakeStore(entry(org, time.Now(), `{}`))
	producer := &fakeProducer{failAfter: -1}
	relay := NewRelay(store, producer)

	require.NoError(t, relay.Drain(context.Background()))
	require.Len(t, producer.keys, 1)
	assert.Equal(t, org[:], producer.keys[0])
}

func TestDrain_FailureKeepsUnpublishedForRetry(t *testing.T) {
	org := uuid.New()
	now := time.Now()
	store := newFakeStore(
		entry(org, now, `{"n":1}`),
		entry(org, now.Add(time.Second), `{"n":2}`),
		entry(org, now.Add(2*time.Second), `{"n":3}`),
	)
	producer := &fakeProducer{failAfter: 1}
	relay := NewRelay(store, producer)

	err := relay.Drain(context.Background())
	require.Error(t, err)

	// The one that made it is marked; the rest stay queued.
	assert.Equal(t, 1, producer.count())
	assert.Equal(t, 2, store.unpublishedCount())

	// Recovery publishes the remainder without duplicating the first.
	producer.failAfter = -1
	require.NoError(t, relay.Drain(context.Background()))
	assert.Equal(t, 3, producer.count())
	assert.Equal(t, 0, store.unpublishedCount())
}

func TestDrain_WalksMultipleBatches(t *testing.T) {
	org := uuid.New()
	now := time.Now()
	var entries []Entry
	for i := range 7 {
		entries = append(entries, entry(org, now.Add(time.Duration(i)*time.Second), `{}`))
	}
	store := newFakeStore(entries...)
	producer := &fakeProducer{failAfter: -1}
	relay := NewRelay(store, producer, WithBatchSize(3))

	require.NoError(t, relay.Drain(context.Background()))
	assert.Equal(t, 7, producer.count())
	assert.Equal(t, 0, store.unpublishedCount())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	producer := &fakeProducer{failAfter: -1}
	relay := NewRelay(store, producer, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}
