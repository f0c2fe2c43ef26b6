package guard

import (
	"errors"
	"time"
)

var (
	ErrChamaAlreadyStarted = errors.New("chama_already_started")
	ErrStartDateNotReached = errors.New("chama_start_date_not_reached")
	ErrChamaNotStarted     = errors.New("chama_not_started")
	ErrMissingPayDate      = errors.New("chama_missing_pay_date")
	ErrPayDateNotReached   = errors.New("chama_pay_date_not_reached")
)

// EnsureChamaCanStart is the pending -> active predicate.
func EnsureChamaCanStart(started bool, startDate time.Time, now time.Time) error {
	if started {
		return ErrChamaAlreadyStarted
	}
	if now.Before(startDate) {
		return ErrStartDateNotReached
	}
	return nil
}

// EnsureChamaPayoutDue holds when a started chama's pay date has passed.
func EnsureChamaPayoutDue(started bool, payDate *time.Time, now time.Time) error {
	if !started {
		return ErrChamaNotStarted
	}
	if payDate == nil || payDate.IsZero() {
		return ErrMissingPayDate
	}
	if now.Before(*payDate) {
		return ErrPayDateNotReached
	}
	return nil
}

// IsNotDue reports guard rejections that simply mean "nothing to do yet".
func IsNotDue(err error) bool {
	return errors.Is(err, ErrChamaAlreadyStarted) ||
		errors.Is(err, ErrStartDateNotReached) ||
		errors.Is(err, ErrChamaNotStarted) ||
		errors.Is(err, ErrPayDateNotReached)
}
