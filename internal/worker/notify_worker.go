package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/genqueue/internal/notify"
)

// NotifyWorker mails queued outcome notifications
type NotifyWorker struct {
	mailer notify.Mailer
}

// NewNotifyWorker creates a new notify worker. A nil mailer only logs.
func NewNotifyWorker(mailer notify.Mailer) *NotifyWorker {
	return &NotifyWorker{mailer: mailer}
}

// ProcessTask handles both notify task types
func (w *NotifyWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ev, err := notify.ParseEvent(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	subject, body := notify.Compose(ev)
	if w.mailer == nil {
		log.Printf("Notification for job %s (no mailer): %s", ev.JobID, subject)
		return nil
	}

	if err := w.mailer.Send(ctx, subject, body); err != nil {
		log.Printf("Notification for job %s failed: %v", ev.JobID, err)
		return err
	}
	log.Printf("Notification for job %s sent: %s", ev.JobID, subject)
	return nil
}
