// Package outbox captures the messages code under test sends instead of
// delivering them. The session empties it before every test.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var validate = validator.New()

// Message is one captured outbound message.
type Message struct {
	ID      uuid.UUID
	From    string   `validate:"omitempty,email"`
	To      []string `validate:"required,min=1,dive,email"`
	Subject string   `validate:"required"`
	Body    string
	SentAt  time.Time
}

// Outbox stores sent messages in memory. It is safe for concurrent use, so
// a live server goroutine can send while the test reads.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
	logger   *zap.Logger
}

// New returns an empty outbox.
func New(logger *zap.Logger) *Outbox {
	return &Outbox{logger: logger.Named("outbox")}
}

// Send validates m, stamps it with an ID and time when they are missing and
// stores it.
func (o *Outbox) Send(ctx context.Context, m Message) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if err := validate.Struct(m); err != nil {
		return uuid.Nil, fmt.Errorf("invalid message: %w", err)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	m.To = append([]string(nil), m.To...)

	o.mu.Lock()
	o.messages = append(o.messages, m)
	o.mu.Unlock()
	o.logger.Debug("Captured message", zap.Stringer("id", m.ID), zap.String("subject", m.Subject))
	return m.ID, nil
}

// Messages returns a copy of the captured messages in send order.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Len returns the number of captured messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// Reset discards every captured message.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = nil
}
