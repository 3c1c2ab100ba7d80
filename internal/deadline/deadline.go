package deadline

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Class selects which configured section budget applies to an event.
type Class string

const (
	ClassConnect   Class = "connect"
	ClassCommand   Class = "command"
	ClassContent   Class = "content"
	ClassAddHeader Class = "addheader"
)

// Timeout is the tagged failure that unwinds the current event. It is
// recognized with IsTimeout and re-raised by intermediate recovery sites;
// the controller's event loop is the only site that converts it into an
// event outcome.
type Timeout struct {
	Site string
}

func (t *Timeout) Error() string {
	return "timeout at " + t.Site
}

// IsTimeout reports whether err carries a Timeout anywhere in its chain.
func IsTimeout(err error) bool {
	var t *Timeout
	return errors.As(err, &t)
}

// Unit tracks the three nested budgets: overall (whole session), section
// (per callback class) and handler-local. The effective deadline at any
// moment is the earliest of the armed three.
type Unit struct {
	sections map[Class]time.Duration

	overall time.Time
	section time.Time
	handler time.Time

	// now is swappable for tests
	now func() time.Time
}

// New builds a Unit with per-class section budgets. A zero duration means
// that class is unlimited.
func New(sections map[Class]time.Duration) *Unit {
	return &Unit{
		sections: sections,
		now:      time.Now,
	}
}

// SetNow replaces the clock, for tests.
func (u *Unit) SetNow(now func() time.Time) {
	u.now = now
}

// SetOverall arms the whole-session budget. Zero disarms it.
func (u *Unit) SetOverall(d time.Duration) {
	if d <= 0 {
		u.overall = time.Time{}
		return
	}
	u.overall = u.now().Add(d)
}

func (u *Unit) ClearOverall() {
	u.overall = time.Time{}
}

// ArmSection arms the per-event budget for the given class. An absent or
// zero budget leaves the section disarmed.
func (u *Unit) ArmSection(c Class) {
	d := u.sections[c]
	if d <= 0 {
		u.section = time.Time{}
		return
	}
	u.section = u.now().Add(d)
}

func (u *Unit) DisarmSection() {
	u.section = time.Time{}
}

// ArmHandler arms a handler-local budget of min(d, Remaining()).
func (u *Unit) ArmHandler(d time.Duration) {
	if d <= 0 {
		u.handler = time.Time{}
		return
	}
	if rem, ok := u.Remaining(); ok && rem < d {
		d = rem
	}
	u.handler = u.now().Add(d)
}

// ResetToOuter ends a handler-local scope, re-arming to the still-remaining
// outer budget. When that budget is already spent a Timeout is raised
// immediately.
func (u *Unit) ResetToOuter(site string) error {
	u.handler = time.Time{}
	if rem, ok := u.Remaining(); ok && rem <= 0 {
		return &Timeout{Site: site}
	}
	return nil
}

// deadline returns the earliest armed deadline; ok is false when nothing
// is armed (unlimited).
func (u *Unit) deadline() (time.Time, bool) {
	var dl time.Time
	for _, t := range []time.Time{u.overall, u.section, u.handler} {
		if t.IsZero() {
			continue
		}
		if dl.IsZero() || t.Before(dl) {
			dl = t
		}
	}
	return dl, !dl.IsZero()
}

// Remaining reports the time left on the effective deadline. ok is false
// when no deadline is armed.
func (u *Unit) Remaining() (time.Duration, bool) {
	dl, ok := u.deadline()
	if !ok {
		return 0, false
	}
	return dl.Sub(u.now()), true
}

// Check raises a Timeout when the effective deadline has passed.
func (u *Unit) Check(site string) error {
	if rem, ok := u.Remaining(); ok && rem <= 0 {
		return &Timeout{Site: site}
	}
	return nil
}

// Context derives a context carrying the effective deadline, for blocking
// calls. The caller must invoke the cancel func.
func (u *Unit) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := u.deadline(); ok {
		return context.WithDeadline(parent, dl)
	}
	return context.WithCancel(parent)
}
