package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agrisync/internal/domain"
)

type ReminderRepository interface {
	CreateReminders(ctx context.Context, rs []domain.Reminder) error
	ListReminders(ctx context.Context, userID string) ([]domain.Reminder, error)
	ListDueReminders(ctx context.Context, userID string, now time.Time) ([]domain.Reminder, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
	PurgeSentReminders(ctx context.Context, before time.Time) (int, error)
}

const reminderColumns = `id,user_id,title,message,type,category,scheduled_date,is_sent,sent_at,is_active,related_item_id,created_at`

// scheduled_date and sent_at hold unix nanoseconds so range filters and
// ordering stay in SQL.
func scanReminder(row scanner) (domain.Reminder, error) {
	var rm domain.Reminder
	var scheduled int64
	var sentAt sql.NullInt64
	if err := row.Scan(&rm.ID, &rm.UserID, &rm.Title, &rm.Message, &rm.Type, &rm.Category,
		&scheduled, &rm.IsSent, &sentAt, &rm.IsActive, &rm.RelatedItemID, &rm.CreatedAt); err != nil {
		return domain.Reminder{}, err
	}
	rm.ScheduledDate = fromNano(scheduled)
	rm.CreatedAt = rm.CreatedAt.UTC()
	if sentAt.Valid {
		s := fromNano(sentAt.Int64)
		rm.SentAt = &s
	}
	return rm, nil
}

func fromNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func nanoPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func (r *SQLite) CreateReminders(ctx context.Context, rs []domain.Reminder) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, rm := range rs {
		_, err = tx.ExecContext(ctx, `
INSERT INTO reminders (`+reminderColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			rm.ID, rm.UserID, rm.Title, rm.Message, rm.Type, rm.Category, rm.ScheduledDate.UnixNano(),
			rm.IsSent, nanoPtr(rm.SentAt), rm.IsActive, rm.RelatedItemID, rm.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert reminder %s: %w", rm.ID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLite) queryReminders(ctx context.Context, query string, args ...any) ([]domain.Reminder, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reminder
	for rows.Next() {
		rm, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

// ListReminders returns every reminder of userID, or of all users when userID is empty.
func (r *SQLite) ListReminders(ctx context.Context, userID string) ([]domain.Reminder, error) {
	rs, err := r.queryReminders(ctx, `
SELECT `+reminderColumns+` FROM reminders
WHERE (?='' OR user_id=?) ORDER BY scheduled_date, id`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	return rs, nil
}

// ListDueReminders returns active, unsent reminders scheduled at or before now.
func (r *SQLite) ListDueReminders(ctx context.Context, userID string, now time.Time) ([]domain.Reminder, error) {
	rs, err := r.queryReminders(ctx, `
SELECT `+reminderColumns+` FROM reminders
WHERE is_active=1 AND is_sent=0 AND scheduled_date<=? AND (?='' OR user_id=?)
ORDER BY scheduled_date, id`, now.UnixNano(), userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return rs, nil
}

// MarkReminderSent flips an unsent reminder to sent. Already-sent reminders are left untouched.
func (r *SQLite) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE reminders SET is_sent=1, sent_at=? WHERE id=? AND is_sent=0`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("mark reminder %s sent: %w", id, err)
	}
	return nil
}

// PurgeSentReminders deletes reminders sent before the cutoff.
func (r *SQLite) PurgeSentReminders(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM reminders WHERE is_sent=1 AND sent_at<?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge sent reminders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sent reminders: %w", err)
	}
	return int(n), nil
}
