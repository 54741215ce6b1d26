package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pixelpets/backend/internal/ledger"
	"github.com/pixelpets/backend/internal/models"
	"github.com/pixelpets/backend/internal/observability"
)

// RewardEvent is what the activity services (sign-in, mini-games) publish
// when a user earns points. ReferenceID is the publisher's idempotency key,
// so NATS redelivery cannot double-credit.
type RewardEvent struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
	Source      string `json:"source"`
	Description string `json:"description"`
}

// ParseRewardEvent decodes and validates a reward payload.
func ParseRewardEvent(data []byte) (RewardEvent, error) {
	var evt RewardEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return RewardEvent{}, fmt.Errorf("malformed reward event: %w", err)
	}
	if evt.UserID == "" {
		return RewardEvent{}, errors.New("reward event missing user_id")
	}
	if evt.ReferenceID == "" {
		return RewardEvent{}, errors.New("reward event missing reference_id")
	}
	if evt.Amount <= 0 {
		return RewardEvent{}, fmt.Errorf("reward amount must be positive, got %d", evt.Amount)
	}
	return evt, nil
}

// RewardConsumer subscribes to the reward subject and applies each event as
// an Earn through the transaction engine.
type RewardConsumer struct {
	nc      *nats.Conn
	engine  *ledger.Engine
	metrics *observability.Metrics
	log     zerolog.Logger
	sub     *nats.Subscription
	subject string
	queue   string
}

func NewRewardConsumer(nc *nats.Conn, engine *ledger.Engine, metrics *observability.Metrics) *RewardConsumer {
	return &RewardConsumer{
		nc:      nc,
		engine:  engine,
		metrics: metrics,
		log:     observability.NewLogger("reward-ingest"),
		subject: "points.rewards",
		queue:   "points-ledger",
	}
}

// Start subscribes with a queue group so multiple ledger instances share the
// feed. Processing errors other than malformed payloads are transient; those
// messages are left unacked for core NATS at-most-once semantics, relying on
// publisher retries plus reference idempotency.
func (c *RewardConsumer) Start(ctx context.Context) error {
	sub, err := c.nc.QueueSubscribe(c.subject, c.queue, func(msg *nats.Msg) {
		c.handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	c.log.Info().Str("subject", c.subject).Str("queue", c.queue).Msg("reward feed subscribed")
	return nil
}

func (c *RewardConsumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
}

func (c *RewardConsumer) handle(ctx context.Context, data []byte) {
	evt, err := ParseRewardEvent(data)
	if err != nil {
		c.count("malformed")
		c.log.Warn().Err(err).Msg("dropping malformed reward event")
		return
	}

	desc := evt.Description
	if desc == "" {
		desc = "reward: " + evt.Source
	}

	_, err = c.engine.Execute(ctx, ledger.Request{
		UserID:      evt.UserID,
		Delta:       evt.Amount,
		Kind:        models.EntryEarn,
		ReferenceID: evt.ReferenceID,
		Description: desc,
	})
	if err != nil {
		c.count("failed")
		c.log.Error().Err(err).
			Str("user_id", evt.UserID).
			Str("reference_id", evt.ReferenceID).
			Msg("reward apply failed")
		return
	}
	c.count("applied")
}

func (c *RewardConsumer) count(result string) {
	if c.metrics != nil {
		c.metrics.RewardEventsConsumed.WithLabelValues(result).Inc()
	}
}
