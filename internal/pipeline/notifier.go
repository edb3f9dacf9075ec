package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/gas/internal/mail"
	"github.com/kiranshivaraju/gas/internal/metrics"
	"github.com/kiranshivaraju/gas/internal/profile"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/pkg/models"
)

const completionTimeLayout = "2006-01-02 15:04:05"

// Notifier emails the job owner when a completion event arrives.
type Notifier struct {
	Deps     Deps
	Sender   string
	Location *time.Location
}

func (n *Notifier) Handle(ctx context.Context, msg queue.Message) (string, error) {
	var event models.CompletionEvent
	if err := decode(msg.Body, &event); err != nil {
		return "", err
	}

	p, err := n.Deps.Profiles.GetProfile(ctx, event.UserID)
	if errors.Is(err, profile.ErrNotFound) {
		return "", malformed("user %s has no profile", event.UserID)
	}
	if err != nil {
		return "", fmt.Errorf("look up profile: %w", err)
	}
	if p.Email == "" {
		return "", malformed("user %s has no email address", event.UserID)
	}

	if err := n.Deps.Mail.Send(ctx, n.compose(event, p.Email)); err != nil {
		return "", fmt.Errorf("send notification: %w", err)
	}
	n.Deps.logger().Info("completion notice sent", "job_id", event.JobID, "user_id", event.UserID)
	return metrics.OutcomeProcessed, nil
}

func (n *Notifier) compose(event models.CompletionEvent, to string) *mail.Message {
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}
	completed := time.Unix(event.CompleteTime, 0).In(loc).Format(completionTimeLayout)
	return &mail.Message{
		Sender:  n.Sender,
		To:      []string{to},
		Subject: fmt.Sprintf("Results available for job %s", event.JobID),
		Body: fmt.Sprintf("Your annotation job completed at %s. Click here to view job details and results: %s.",
			completed, event.Link),
	}
}
