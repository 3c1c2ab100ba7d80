package pipeline

import (
	"strings"
	"testing"

	"github.com/jawr/mailauth/internal/logger"
)

func TestDispositionPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *Disposition)
		want  Code
	}{
		{"default", func(d *Disposition) {}, Continue},
		{"handler-set", func(d *Disposition) { d.SetReturn(Accept) }, Accept},
		{"quarantine over handler-set", func(d *Disposition) {
			d.SetReturn(Accept)
			d.QuarantineMail("why")
		}, Continue},
		{"defer over quarantine", func(d *Disposition) {
			d.QuarantineMail("why")
			d.DeferMail("451 4.7.1 later")
		}, TempFail},
		{"reject over defer", func(d *Disposition) {
			d.DeferMail("451 4.7.1 later")
			d.RejectMail("550 5.7.1 no")
		}, Reject},
		{"reject over everything", func(d *Disposition) {
			d.SetReturn(Discard)
			d.QuarantineMail("why")
			d.DeferMail("451 4.7.1 later")
			d.RejectMail("550 5.7.1 no")
		}, Reject},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDisposition(nil)
			tc.setup(d)
			if got := d.Return(); got != tc.want {
				t.Fatalf("Return() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRejectReasonValidation(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"550 5.7.1 SPF hardfail", "550 5.7.1 SPF hardfail"},
		{"nope", "550 5.0.0 Message rejected"},
		{"999 9.9.9 nope", "550 5.0.0 Message rejected"},
		// status class and enhanced class must agree
		{"550 4.7.1 mixed classes", "550 5.0.0 Message rejected"},
		{"450 4.7.1 wrong class entirely", "550 5.0.0 Message rejected"},
	}

	for _, tc := range tests {
		log, lines := logger.Captured()
		d := NewDisposition(log)
		d.RejectMail(tc.in)
		if got := d.Reason(); got != tc.want {
			t.Errorf("RejectMail(%q) reason = %q, want %q", tc.in, got, tc.want)
		}
		if tc.in != tc.want {
			var noted bool
			for _, l := range *lines {
				if strings.Contains(l, "invalid reject reason") {
					noted = true
				}
			}
			if !noted {
				t.Errorf("RejectMail(%q): rewrite not logged", tc.in)
			}
		}
	}
}

func TestDeferReasonValidation(t *testing.T) {
	d := NewDisposition(nil)
	d.DeferMail("nope")
	if got := d.Reason(); got != "450 4.0.0 Message deferred" {
		t.Fatalf("reason = %q", got)
	}

	d = NewDisposition(nil)
	d.DeferMail("451 4.7.1 try again")
	if got := d.Reason(); got != "451 4.7.1 try again" {
		t.Fatalf("reason = %q", got)
	}
}

func TestDispositionClear(t *testing.T) {
	d := NewDisposition(nil)
	d.RejectMail("550 5.7.1 no")
	d.Clear()
	if d.Return() != Continue || d.Reason() != "" || d.Quarantined() {
		t.Fatal("Clear left state behind")
	}
}
