package membership

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// DefaultLastLockoutDate is reported for accounts that are not locked out.
var DefaultLastLockoutDate = time.Date(1754, time.January, 1, 0, 0, 0, 0, time.UTC)

// LockoutPolicy holds the durations that govern both lockout sources.
type LockoutPolicy struct {
	MaxInvalidAttempts    int
	AttemptWindow         time.Duration
	AnswerLockoutDuration time.Duration
	NativeLockoutDuration time.Duration
}

// AnswerTracking is the application-maintained failed answer state of one account.
type AnswerTracking struct {
	FailedCount int
	LastFailure time.Time
	LockedOutAt time.Time // zero when not set
}

// LockoutSource is one input to MergeLockout.
type LockoutSource struct {
	At     time.Time
	Active bool
}

// NextFailedAnswer returns the tracking state after one more wrong answer at now.
// A failure within the attempt window of the previous one extends the count;
// otherwise a new window starts at one. Reaching the maximum sets LockedOutAt.
func NextFailedAnswer(policy LockoutPolicy, cur AnswerTracking, now time.Time) AnswerTracking {
	now = now.UTC()

	withinWindow := !cur.LastFailure.IsZero() && now.Sub(cur.LastFailure) <= policy.AttemptWindow

	next := AnswerTracking{
		FailedCount: 1,
		LastFailure: now,
		LockedOutAt: cur.LockedOutAt,
	}
	if withinWindow && cur.FailedCount > 0 {
		next.FailedCount = cur.FailedCount + 1
	}
	if next.FailedCount >= policy.MaxInvalidAttempts {
		next.LockedOutAt = now
	}
	return next
}

// MergeLockout combines the native and answer lockout sources. When both
// are active the strictly later timestamp wins; a tie keeps the native one.
func MergeLockout(native, answer LockoutSource) (bool, time.Time) {
	switch {
	case answer.Active && (!native.Active || answer.At.After(native.At)):
		return true, answer.At.UTC()
	case native.Active:
		return true, native.At.UTC()
	default:
		return false, DefaultLastLockoutDate
	}
}

// AccountSnapshot is the lockout-relevant state of an account as read from
// the directory.
type AccountSnapshot struct {
	DN string

	NativeLockoutTime time.Time
	// NativeLocked is the UF_LOCKOUT bit of msDS-User-Account-Control-Computed,
	// nil when the server did not return the attribute.
	NativeLocked *bool

	Answer AnswerTracking
}

// modifier applies attribute changes; satisfied by *Endpoint.
type modifier interface {
	Modify(ctx context.Context, req *ldapclient.ModifyRequest) error
}

// LockoutTracker maintains the failed answer attributes and computes the
// combined lockout state.
//
// Writes are read-modify-write without a directory-side guard: two
// concurrent failures may both write the same count.
type LockoutTracker struct {
	directory modifier
	mapping   *AttributeMapping
	policy    LockoutPolicy
	now       func() time.Time
	metrics   *Metrics
}

// NewLockoutTracker creates a tracker. Answer tracking is active only when
// all three failed answer mappings are set.
func NewLockoutTracker(directory modifier, mapping *AttributeMapping, policy LockoutPolicy, now func() time.Time, metrics *Metrics) *LockoutTracker {
	if now == nil {
		now = time.Now
	}
	return &LockoutTracker{
		directory: directory,
		mapping:   mapping,
		policy:    policy,
		now:       func() time.Time { return now().UTC() },
		metrics:   metrics,
	}
}

// TracksAnswers reports whether failed answers are recorded.
func (t *LockoutTracker) TracksAnswers() bool {
	return t.mapping != nil &&
		t.mapping.FailedAnswerCount.IsSet() &&
		t.mapping.FailedAnswerTime.IsSet() &&
		t.mapping.FailedAnswerLockoutTime.IsSet()
}

// RecordFailedAnswer counts one wrong answer against the account and
// returns the new tracking state. The count, time and (when reached)
// lockout time are written in one modify request.
func (t *LockoutTracker) RecordFailedAnswer(ctx context.Context, account *AccountSnapshot) (AnswerTracking, error) {
	if !t.TracksAnswers() {
		return account.Answer, ErrPasswordResetDisabled
	}

	next := NextFailedAnswer(t.policy, account.Answer, t.now())

	changes := map[string][]string{
		t.mapping.FailedAnswerCount.Name: {strconv.Itoa(next.FailedCount)},
		t.mapping.FailedAnswerTime.Name:  {ldapclient.FormatFileTime(next.LastFailure)},
	}
	lockedNow := !next.LockedOutAt.Equal(account.Answer.LockedOutAt)
	if lockedNow {
		changes[t.mapping.FailedAnswerLockoutTime.Name] = []string{ldapclient.FormatFileTime(next.LockedOutAt)}
	}

	if err := t.directory.Modify(ctx, &ldapclient.ModifyRequest{DN: account.DN, ReplaceAttributes: changes}); err != nil {
		return account.Answer, err
	}

	t.metrics.observeLockoutEvent(eventFailedAnswer)
	if lockedNow {
		t.metrics.observeLockoutEvent(eventAnswerLockout)
		tflog.SubsystemInfo(ctx, "membership", "Account locked out after failed password answers", map[string]any{
			"dn":           account.DN,
			"failed_count": next.FailedCount,
		})
	}

	account.Answer = next
	return next, nil
}

// ResetFailedAnswer clears all three tracked values in one modify request.
func (t *LockoutTracker) ResetFailedAnswer(ctx context.Context, account *AccountSnapshot) error {
	if !t.TracksAnswers() {
		return ErrPasswordResetDisabled
	}

	changes := map[string][]string{
		t.mapping.FailedAnswerCount.Name:       {"0"},
		t.mapping.FailedAnswerTime.Name:        {"0"},
		t.mapping.FailedAnswerLockoutTime.Name: {"0"},
	}
	if err := t.directory.Modify(ctx, &ldapclient.ModifyRequest{DN: account.DN, ReplaceAttributes: changes}); err != nil {
		return err
	}

	t.metrics.observeLockoutEvent(eventReset)
	account.Answer = AnswerTracking{}
	return nil
}

// Unlock clears the native lockout and, when answers are tracked, the
// failed answer state, in one modify request.
func (t *LockoutTracker) Unlock(ctx context.Context, account *AccountSnapshot) error {
	changes := map[string][]string{
		"lockoutTime": {"0"},
	}
	if t.TracksAnswers() {
		changes[t.mapping.FailedAnswerCount.Name] = []string{"0"}
		changes[t.mapping.FailedAnswerTime.Name] = []string{"0"}
		changes[t.mapping.FailedAnswerLockoutTime.Name] = []string{"0"}
	}
	if err := t.directory.Modify(ctx, &ldapclient.ModifyRequest{DN: account.DN, ReplaceAttributes: changes}); err != nil {
		return err
	}

	t.metrics.observeLockoutEvent(eventUnlock)
	account.NativeLockoutTime = time.Time{}
	locked := false
	account.NativeLocked = &locked
	if t.TracksAnswers() {
		account.Answer = AnswerTracking{}
	}
	return nil
}

// ComputeLockout reports whether the account is locked and the last
// lockout time to report.
func (t *LockoutTracker) ComputeLockout(account *AccountSnapshot) (bool, time.Time) {
	now := t.now()

	native := LockoutSource{At: account.NativeLockoutTime}
	if account.NativeLocked != nil {
		native.Active = *account.NativeLocked
	} else if !account.NativeLockoutTime.IsZero() {
		native.Active = now.Sub(account.NativeLockoutTime) <= t.policy.NativeLockoutDuration
	}

	var answer LockoutSource
	if t.TracksAnswers() && !account.Answer.LockedOutAt.IsZero() {
		answer.At = account.Answer.LockedOutAt
		answer.Active = now.Sub(account.Answer.LockedOutAt) <= t.policy.AnswerLockoutDuration
	}

	return MergeLockout(native, answer)
}
