// Package pipeline holds the job lifecycle stages. Every stage consumes one
// queue and makes each of its effects safe to repeat: status changes are
// conditional writes, archive and thaw fields are overwrites, and the queue
// message is deleted only after its effects have landed.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/gas/internal/annotate"
	"github.com/kiranshivaraju/gas/internal/bus"
	"github.com/kiranshivaraju/gas/internal/mail"
	"github.com/kiranshivaraju/gas/internal/objstore"
	"github.com/kiranshivaraju/gas/internal/profile"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/kiranshivaraju/gas/internal/scheduler"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/internal/vault"
	"github.com/kiranshivaraju/gas/pkg/models"
)

var (
	// ErrMalformed marks a message that redelivery cannot fix. The poller
	// logs and deletes it.
	ErrMalformed = errors.New("malformed message")
	// ErrNotReady marks a message whose work cannot happen yet. The poller
	// leaves it for redelivery without logging an error.
	ErrNotReady = errors.New("not ready")
)

// Scheduler is the delayed-task store the archiver's grace window runs on.
type Scheduler interface {
	Schedule(ctx context.Context, kind string, payload any, delay time.Duration) (*scheduler.Entry, error)
}

// Deps carries every collaborator a stage may need. It is built once at
// process start and shared by all stages.
type Deps struct {
	Store     store.Store
	Queue     queue.Queue
	Bus       bus.Publisher
	Objects   objstore.Store
	Vault     vault.Vault
	Profiles  profile.Lookup
	Mail      mail.Sender
	Scheduler Scheduler
	Launcher  annotate.Launcher
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// decode unwraps a possibly topic-wrapped body into v and validates it.
func decode(body []byte, v interface{ Validate() error }) error {
	payload, err := models.UnwrapMessage(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
