package pipeline

import (
	"regexp"

	"github.com/jawr/mailauth/internal/logger"
)

// Code is the per-event response handed back to the MTA.
type Code int

const (
	Continue Code = iota
	Accept
	Reject
	TempFail
	Discard
)

func (c Code) String() string {
	switch c {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case TempFail:
		return "tempfail"
	case Discard:
		return "discard"
	default:
		return "continue"
	}
}

const (
	defaultRejectReason = "550 5.0.0 Message rejected"
	defaultDeferReason  = "450 4.0.0 Message deferred"
)

// Reject needs a 5xx status whose enhanced class agrees; defer the same
// with 4xx.
var (
	rejectReasonRe = regexp.MustCompile(`^5\d\d 5\.\d\.\d .*`)
	deferReasonRe  = regexp.MustCompile(`^4\d\d 4\.\d\.\d .*`)
)

// Disposition arbitrates the final response for a message. At most one of
// the reject/defer/quarantine reasons controls the outcome; precedence is
// reject > defer > quarantine > handler-set code > continue.
type Disposition struct {
	log *logger.Log

	rejectReason     string
	deferReason      string
	quarantineReason string

	hasReject     bool
	hasDefer      bool
	hasQuarantine bool

	code Code
}

func NewDisposition(log *logger.Log) *Disposition {
	return &Disposition{
		log:  log,
		code: Continue,
	}
}

// RejectMail asks for a permanent rejection. Non-conforming reasons are
// replaced with the default and noted in the log.
func (d *Disposition) RejectMail(reason string) {
	if !rejectReasonRe.MatchString(reason) {
		if d.log != nil {
			d.log.Info("disposition", "invalid reject reason %q replaced with %q", reason, defaultRejectReason)
		}
		reason = defaultRejectReason
	}
	d.rejectReason = reason
	d.hasReject = true
}

// DeferMail asks for a temporary failure.
func (d *Disposition) DeferMail(reason string) {
	if !deferReasonRe.MatchString(reason) {
		if d.log != nil {
			d.log.Info("disposition", "invalid defer reason %q replaced with %q", reason, defaultDeferReason)
		}
		reason = defaultDeferReason
	}
	d.deferReason = reason
	d.hasDefer = true
}

// QuarantineMail asks for quarantine. The observable effect is a Continue
// response plus the X-Disposition-Quarantine header.
func (d *Disposition) QuarantineMail(reason string) {
	d.quarantineReason = reason
	d.hasQuarantine = true
}

// SetReturn records a handler-chosen return code, consulted only when no
// reject/defer/quarantine reason is pending.
func (d *Disposition) SetReturn(code Code) {
	d.code = code
}

// Return resolves the final code under the precedence contract.
func (d *Disposition) Return() Code {
	switch {
	case d.hasReject:
		return Reject
	case d.hasDefer:
		return TempFail
	case d.hasQuarantine:
		return Continue
	default:
		return d.code
	}
}

// Reason is the SMTP text accompanying a Reject or TempFail outcome.
func (d *Disposition) Reason() string {
	switch {
	case d.hasReject:
		return d.rejectReason
	case d.hasDefer:
		return d.deferReason
	default:
		return ""
	}
}

func (d *Disposition) Quarantined() bool {
	return d.hasQuarantine
}

func (d *Disposition) QuarantineReason() string {
	return d.quarantineReason
}

// Clear resets everything; called at connect and when the message context
// is dropped.
func (d *Disposition) Clear() {
	d.rejectReason = ""
	d.deferReason = ""
	d.quarantineReason = ""
	d.hasReject = false
	d.hasDefer = false
	d.hasQuarantine = false
	d.code = Continue
}
