package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a durable, not yet delivered event. Once IsProcessed is set the
// row is terminal and the relay never touches it again.
type Message struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Destination   string          `db:"destination"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	IsProcessed   bool            `db:"is_processed"`
	Attempts      int             `db:"attempts"`
	LastError     *string         `db:"last_error"`
}

func NewMessage(aggregateType, aggregateID, eventType, destination string, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return &Message{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Destination:   destination,
		Payload:       body,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Delivery is what a transport receives from the relay.
type Delivery struct {
	MessageID   uuid.UUID
	EventType   string
	Destination string
	Key         string
	Body        []byte
}

func (m *Message) Delivery() Delivery {
	return Delivery{
		MessageID:   m.ID,
		EventType:   m.EventType,
		Destination: m.Destination,
		Key:         m.AggregateID,
		Body:        m.Payload,
	}
}
