package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
)

func TestNew(t *testing.T) {
	e1 := New(TypeCircuitOpened)
	e2 := New(TypeCircuitOpened)

	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, TypeCircuitOpened, e1.Type)
	assert.False(t, e1.Timestamp.IsZero())
}

func TestEvent_Builders(t *testing.T) {
	e := New(TypeKillSwitchActivated).
		WithTenant("tenant-a").
		WithService("parallel").
		WithPayload("projected_eur", "1425.001")

	assert.Equal(t, "tenant-a", e.Tenant)
	assert.Equal(t, "parallel", e.Service)
	assert.Equal(t, "1425.001", e.Payload["projected_eur"])
}

func TestType_Stream(t *testing.T) {
	tests := []struct {
		eventType Type
		stream    string
	}{
		{TypeKillSwitchActivated, "budget"},
		{TypeBudgetReset, "budget"},
		{TypeCircuitOpened, "circuit"},
		{TypeCacheStaleServed, "cache"},
		{TypeOperationEnqueued, "queue"},
		{TypeQueueDrained, "queue"},
		{TypeDegradedModeEntered, "degraded"},
		{TypePlanCompleted, "recovery"},
		{TypeHealthCheckCompleted, "recovery"},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.stream, tt.eventType.Stream())
		})
	}
}

func TestStorePublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer client.Close()

	pub := NewStorePublisher(client, &config.EventsConfig{
		StreamPrefix: "events",
		EventTTL:     time.Hour,
		MaxPerStream: 3,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := New(TypeCircuitOpened).WithService("parallel").WithPayload("n", i)
		require.NoError(t, pub.Publish(ctx, e))
	}

	// Stream is capped at the configured size
	entries, err := client.LRange(ctx, "events:circuit", 0, -1)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Most recent event is first
	var latest Event
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &latest))
	assert.Equal(t, TypeCircuitOpened, latest.Type)
	assert.Equal(t, "parallel", latest.Service)
	assert.Equal(t, float64(4), latest.Payload["n"])

	// Stream expires
	assert.Greater(t, mr.TTL("events:circuit"), time.Duration(0))
}

func TestFanout_DeliversToAllSinks(t *testing.T) {
	rec1 := NewRecorder()
	rec2 := NewRecorder()
	fanout := NewFanout(nil, rec1, rec2)

	require.NoError(t, fanout.Publish(context.Background(), New(TypeDegradedModeEntered)))

	// Delivery is asynchronous
	assert.Eventually(t, func() bool {
		return len(rec1.Events()) == 1 && len(rec2.Events()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFanout_SinkFailureDoesNotPropagate(t *testing.T) {
	rec := NewRecorder()
	fanout := NewFanout(nil, &failingSink{}, rec)

	err := fanout.Publish(context.Background(), New(TypeCircuitOpened))
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(rec.Events()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRecorder_ByType(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()

	require.NoError(t, rec.Publish(ctx, New(TypeCacheHit)))
	require.NoError(t, rec.Publish(ctx, New(TypeCacheMiss)))
	require.NoError(t, rec.Publish(ctx, New(TypeCacheHit)))

	assert.Len(t, rec.ByType(TypeCacheHit), 2)
	assert.Len(t, rec.ByType(TypeCacheMiss), 1)
	assert.Empty(t, rec.ByType(TypeCircuitOpened))

	rec.Reset()
	assert.Empty(t, rec.Events())
}

type failingSink struct{}

func (f *failingSink) Name() string { return "failing" }

func (f *failingSink) Publish(ctx context.Context, event Event) error {
	return assert.AnError
}
