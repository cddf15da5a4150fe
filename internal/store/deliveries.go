package store

import (
	"context"
	"fmt"
	"time"
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeAbandoned = "abandoned"
)

// DeliveryRecord is the final outcome of delivering one event to one
// subscription.
type DeliveryRecord struct {
	SubscriptionID string
	EventID        string
	EventType      string
	Callback       string
	Outcome        string
	Attempts       int
	StatusCode     int
	LastError      string
	RecordedAt     time.Time
}

// RecordDelivery stores a delivery outcome. Recording the same
// (subscription, event) pair again replaces the earlier outcome.
func (s *Store) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts
		(subscription_id, event_id, event_type, callback, outcome, attempts, status_code, last_error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id, event_id) DO UPDATE SET
			outcome = excluded.outcome,
			attempts = excluded.attempts,
			status_code = excluded.status_code,
			last_error = excluded.last_error,
			recorded_at = excluded.recorded_at
	`,
		rec.SubscriptionID,
		rec.EventID,
		rec.EventType,
		rec.Callback,
		rec.Outcome,
		rec.Attempts,
		rec.StatusCode,
		rec.LastError,
		toNanos(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Deliveries lists the recorded outcomes for a subscription in the order
// they were first recorded.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) Deliveries(ctx context.Context, subscriptionID string) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, event_id, event_type, callback, outcome, attempts, status_code, last_error, recorded_at
		FROM delivery_attempts
		WHERE subscription_id = ?
		ORDER BY id ASC
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []DeliveryRecord{}
	for rows.Next() {
		var rec DeliveryRecord
		var recordedAt int64
		if err := rows.Scan(&rec.SubscriptionID, &rec.EventID, &rec.EventType, &rec.Callback,
			&rec.Outcome, &rec.Attempts, &rec.StatusCode, &rec.LastError, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		rec.RecordedAt = fromNanos(recordedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}
