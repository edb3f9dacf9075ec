package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/gas/internal/metrics"
	"github.com/kiranshivaraju/gas/internal/queue"
)

// Handler processes one message and returns the outcome label recorded in
// metrics. A nil error deletes the message.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) (string, error)
}

type HandlerFunc func(ctx context.Context, msg queue.Message) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) (string, error) {
	return f(ctx, msg)
}

const receiveErrorDelay = time.Second

// Poller drains one queue into a Handler. Messages in a batch are handled
// one at a time in receipt order, and cancellation is checked between
// messages.
type Poller struct {
	Stage       string
	QueueName   string
	Queue       queue.Queue
	Handler     Handler
	MaxMessages int
	Wait        time.Duration
	Logger      *slog.Logger
}

// Run polls until ctx is cancelled. Per-message failures never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	logger := p.logger()
	logger.Info("poller started", "max_messages", p.MaxMessages, "wait", p.Wait)

	for ctx.Err() == nil {
		if _, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorDelay):
			}
		}
	}

	logger.Info("poller stopped")
	return nil
}

// Poll receives one batch and handles it. It returns how many messages were
// received.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	msgs, err := p.Queue.Receive(ctx, p.QueueName, p.MaxMessages, p.Wait)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		p.process(ctx, msg)
	}
	return len(msgs), nil
}

func (p *Poller) process(ctx context.Context, msg queue.Message) {
	start := time.Now()
	logger := p.logger().With("message_id", msg.ID, "receive_count", msg.ReceiveCount)

	outcome, err := p.Handler.Handle(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformed):
		logger.Warn("dropping malformed message", "error", err)
		outcome = metrics.OutcomeMalformed
	case errors.Is(err, ErrNotReady):
		logger.Info("message not ready; leaving for redelivery", "error", err)
		metrics.ObserveMessage(p.Stage, "not_ready", time.Since(start))
		return
	default:
		logger.Error("message failed; leaving for redelivery", "error", err)
		metrics.ObserveMessage(p.Stage, metrics.OutcomeRetry, time.Since(start))
		return
	}

	if err := p.Queue.Delete(ctx, p.QueueName, msg.ReceiptHandle); err != nil {
		logger.Error("failed to delete message", "error", err)
	}
	if outcome == "" {
		outcome = metrics.OutcomeProcessed
	}
	metrics.ObserveMessage(p.Stage, outcome, time.Since(start))
}

func (p *Poller) logger() *slog.Logger {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("stage", p.Stage, "queue", p.QueueName)
}
