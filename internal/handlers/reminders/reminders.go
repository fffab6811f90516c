package reminders

import (
	"context"
	"fmt"

	"agrisync/internal/reminder"
)

type Checker interface {
	CheckDue(ctx context.Context, userID string) (reminder.CheckResult, error)
}

// Check is the reminder-check action over every user. Any failed dispatch
// fails the run; the failed reminders stay pending for the retry.
type Check struct {
	Checker Checker
}

func (h Check) Handle(ctx context.Context) error {
	res, err := h.Checker.CheckDue(ctx, "")
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d reminders not delivered", res.Failed, res.Due)
	}
	return nil
}
