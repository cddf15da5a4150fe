package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainEvent    = "capgate/event/v1"
	DomainDelivery = "capgate/delivery/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed id of an event.
// subject is the job id or request id the event belongs to and seq orders
// events of the same subject. The id is stable across restarts, so a
// redelivered event can be deduplicated by receivers.
func EventID(typ EventType, capabilityID, subject string, seq int64) (string, error) {
	obj := map[string]any{
		"type":       string(typ),
		"capability": capabilityID,
		"subject":    subject,
		"seq":        seq,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// DeliveryKey identifies one event delivered to one subscription.
func DeliveryKey(subscriptionID, eventID string) string {
	return hashWithDomain(DomainDelivery, []byte(subscriptionID+"\x00"+eventID))
}

// NewEvent builds an event with its content-addressed id.
func NewEvent(typ EventType, capabilityID, subject string, seq int64, occurredAt time.Time, data map[string]any) Event {
	// Only strings and an int64 feed the id, which always marshal.
	id, err := EventID(typ, capabilityID, subject, seq)
	if err != nil {
		panic(err)
	}
	return Event{
		ID:           id,
		Type:         typ,
		CapabilityID: capabilityID,
		OccurredAt:   occurredAt.UTC(),
		Data:         data,
	}
}
