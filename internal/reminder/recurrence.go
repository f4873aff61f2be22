package reminder

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// validateRecurrence rejects rules the scheduler cannot advance.
func validateRecurrence(rec types.Recurrence) error {
	switch rec.Kind {
	case "", types.RecurrenceNone, types.RecurrenceDaily:
		return nil
	case types.RecurrenceWeekly:
		if len(rec.Weekdays) == 0 {
			return fmt.Errorf("reminder: %w: weekly recurrence needs at least one weekday", storage.ErrInvalidInput)
		}
		for _, d := range rec.Weekdays {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("reminder: %w: invalid weekday %d", storage.ErrInvalidInput, d)
			}
		}
		return nil
	default:
		return fmt.Errorf("reminder: %w: unknown recurrence kind %q", storage.ErrInvalidInput, rec.Kind)
	}
}

// NextTrigger computes the trigger time for the next recurrence cycle after a
// fire. The result is always strictly after both the previous trigger and
// now, so a reminder delivered late cannot immediately re-fire for cycles it
// missed.
func NextTrigger(rec types.Recurrence, last, now time.Time) (time.Time, error) {
	last = last.UTC()
	now = now.UTC()

	switch rec.Kind {
	case types.RecurrenceDaily:
		next := last.Add(24 * time.Hour)
		for !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next, nil

	case types.RecurrenceWeekly:
		if len(rec.Weekdays) == 0 {
			return time.Time{}, fmt.Errorf("reminder: %w: weekly recurrence needs at least one weekday", storage.ErrInvalidInput)
		}
		ref := last
		if now.After(ref) {
			ref = now
		}
		next, err := gronx.NextTickAfter(weeklyCronExpr(last, rec.Weekdays), ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("reminder: failed to advance weekly recurrence: %w", err)
		}
		return next.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("reminder: %w: no recurrence rule to advance", storage.ErrInvalidInput)
	}
}

// weeklyCronExpr builds a five-field cron expression firing at the reminder's
// original time of day on the selected weekdays. time.Weekday numbering
// matches cron's (Sunday = 0).
func weeklyCronExpr(at time.Time, days []time.Weekday) string {
	seen := make(map[time.Weekday]bool, len(days))
	nums := make([]int, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			nums = append(nums, int(d))
		}
	}
	sort.Ints(nums)

	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("%d", n)
	}

	return fmt.Sprintf("%d %d * * %s", at.Minute(), at.Hour(), strings.Join(parts, ","))
}
