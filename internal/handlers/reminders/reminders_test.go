package reminders

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"agrisync/internal/reminder"
)

type stubChecker struct {
	res    reminder.CheckResult
	err    error
	userID string
}

func (s *stubChecker) CheckDue(_ context.Context, userID string) (reminder.CheckResult, error) {
	s.userID = userID
	return s.res, s.err
}

func TestCheckHandle(t *testing.T) {
	ok := &stubChecker{res: reminder.CheckResult{Due: 3, Sent: 3}}
	assert.NoError(t, Check{Checker: ok}.Handle(context.Background()))
	assert.Equal(t, "", ok.userID)

	partial := &stubChecker{res: reminder.CheckResult{Due: 3, Sent: 2, Failed: 1}}
	err := Check{Checker: partial}.Handle(context.Background())
	assert.EqualError(t, err, "1 of 3 reminders not delivered")

	broken := &stubChecker{err: errors.New("database is locked")}
	assert.Error(t, Check{Checker: broken}.Handle(context.Background()))
}
