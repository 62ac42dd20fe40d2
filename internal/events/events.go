// Package events defines the issuer webhook payloads as a tagged variant
// over known event kinds, discriminated by an explicit type field.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates issuer webhook events.
type Kind string

const (
	KindAuth        Kind = "AUTH"
	KindClearing    Kind = "CLEARING"
	KindTopup       Kind = "TOPUP"
	KindReversal    Kind = "REVERSAL"
	KindCreateCard  Kind = "CREATE_CARD"
	KindDestroyCard Kind = "DESTROY_CARD"
)

// Event is one decoded webhook delivery. Exactly one of the kind-specific
// fields is set, matching Kind.
type Event struct {
	Kind       Kind
	ID         string
	OccurredAt time.Time

	Auth        *AuthEvent
	Clearing    *ClearingEvent
	Topup       *TopupEvent
	Reversal    *ReversalEvent
	CreateCard  *CardEvent
	DestroyCard *CardEvent
}

// AuthEvent is a card authorization hold.
type AuthEvent struct {
	CardID   string          `json:"card_id"`
	Amount   decimal.Decimal `json:"amount"`
	Merchant string          `json:"merchant"`
	Approved bool            `json:"approved"`
}

// ClearingEvent settles a prior authorization.
type ClearingEvent struct {
	CardID string          `json:"card_id"`
	AuthID string          `json:"auth_id"`
	Amount decimal.Decimal `json:"amount"`
}

// TopupEvent reports an issuer-side balance credit for a user.
type TopupEvent struct {
	IssuerUserID  string          `json:"issuer_user_id"`
	ApplicationID string          `json:"application_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// ReversalEvent undoes a prior clearing or top-up.
type ReversalEvent struct {
	CardID     string          `json:"card_id"`
	OriginalID string          `json:"original_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// CardEvent covers card lifecycle notifications.
type CardEvent struct {
	IssuerUserID string `json:"issuer_user_id"`
	CardID       string `json:"card_id"`
}

type envelope struct {
	Type       Kind            `json:"type"`
	ID         string          `json:"id"`
	OccurredAt int64           `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Decode parses a webhook delivery into the tagged variant. Unknown kinds
// and malformed payloads are rejected.
func Decode(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("event envelope decode failed: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("event id is required")
	}

	occurredAt := time.Unix(env.OccurredAt, 0).UTC()
	if env.OccurredAt == 0 {
		// Deliveries without a timestamp are stamped at receipt.
		occurredAt = time.Now().UTC()
	}

	ev := &Event{
		Kind:       env.Type,
		ID:         env.ID,
		OccurredAt: occurredAt,
	}

	var err error
	switch env.Type {
	case KindAuth:
		ev.Auth, err = decodeAs[AuthEvent](env.Data)
	case KindClearing:
		ev.Clearing, err = decodeAs[ClearingEvent](env.Data)
	case KindTopup:
		ev.Topup, err = decodeAs[TopupEvent](env.Data)
	case KindReversal:
		ev.Reversal, err = decodeAs[ReversalEvent](env.Data)
	case KindCreateCard:
		ev.CreateCard, err = decodeAs[CardEvent](env.Data)
	case KindDestroyCard:
		ev.DestroyCard, err = decodeAs[CardEvent](env.Data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("event %s (%s): %w", env.ID, env.Type, err)
	}
	return ev, nil
}

func decodeAs[T any](data json.RawMessage) (*T, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("missing data")
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
