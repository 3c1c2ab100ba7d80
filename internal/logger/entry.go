package logger

import (
	"time"

	"github.com/google/uuid"
)

type EntryType int

const (
	EntryTypeContinue EntryType = iota
	EntryTypeReject
	EntryTypeDefer
	EntryTypeQuarantine
	EntryTypeDiscard
)

// Entry is one per-message disposition record, published for charting
// and audit.
type Entry struct {
	Time time.Time

	ID uuid.UUID

	QueueID string

	// meta data
	FromEmail string
	ToEmail   string
	ClientIP  string
	Helo      string

	Etype EntryType

	Status string

	// composed Authentication-Results value
	AuthResults string
}

func (e Entry) DateTime() string {
	return e.Time.Format("2006/01/02 15:04")
}

func (e Entry) EncodeTime() string {
	return e.Time.Format("20060102150405.000000")
}

func (e Entry) DecodeTime(t string) (time.Time, error) {
	return time.Parse("20060102150405.000000", t)
}
