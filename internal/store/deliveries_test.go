package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDelivery_ListInOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordDelivery(ctx, DeliveryRecord{
		SubscriptionID: "sub-1", EventID: "ev-1", EventType: "job.completed",
		Callback: "https://example.com/hook", Outcome: OutcomeDelivered, Attempts: 1, StatusCode: 200, RecordedAt: t0,
	}))
	require.NoError(t, s.RecordDelivery(ctx, DeliveryRecord{
		SubscriptionID: "sub-1", EventID: "ev-2", EventType: "job.failed",
		Callback: "https://example.com/hook", Outcome: OutcomeAbandoned, Attempts: 5, StatusCode: 503,
		LastError: "503 Service Unavailable", RecordedAt: t0,
	}))
	require.NoError(t, s.RecordDelivery(ctx, DeliveryRecord{
		SubscriptionID: "sub-2", EventID: "ev-1", EventType: "job.completed",
		Callback: "https://other.example.com", Outcome: OutcomeDelivered, Attempts: 1, RecordedAt: t0,
	}))

	recs, err := s.Deliveries(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ev-1", recs[0].EventID)
	assert.Equal(t, OutcomeDelivered, recs[0].Outcome)
	assert.Equal(t, "ev-2", recs[1].EventID)
	assert.Equal(t, 5, recs[1].Attempts)
	assert.Equal(t, "503 Service Unavailable", recs[1].LastError)
	assert.True(t, recs[1].RecordedAt.Equal(t0))
}

func TestRecordDelivery_ReplacesSamePair(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	rec := DeliveryRecord{
		SubscriptionID: "sub-1", EventID: "ev-1", EventType: "job.completed",
		Callback: "https://example.com/hook", Outcome: OutcomeAbandoned, Attempts: 5, RecordedAt: t0,
	}
	require.NoError(t, s.RecordDelivery(ctx, rec))

	rec.Outcome = OutcomeDelivered
	rec.Attempts = 1
	require.NoError(t, s.RecordDelivery(ctx, rec))

	recs, err := s.Deliveries(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeDelivered, recs[0].Outcome)
}

func TestRecordDelivery_RejectsUnknownOutcome(t *testing.T) {
	s := createTestStore(t)

	err := s.RecordDelivery(context.Background(), DeliveryRecord{
		SubscriptionID: "sub-1", EventID: "ev-1", EventType: "x", Callback: "https://x", Outcome: "lost", Attempts: 1, RecordedAt: t0,
	})

	require.Error(t, err)
}

func TestDeliveries_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)

	recs, err := s.Deliveries(context.Background(), "sub-none")

	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}
