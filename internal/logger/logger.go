package logger

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

// Log writes queue-id prefixed lines in the form
//
//	<queue_id>: <key>: <value>
//
// Debug lines are buffered per connection and only replayed on Flush, so a
// clean connection costs nothing in log volume unless debug is enabled.
type Log struct {
	mu sync.Mutex

	queueID  string
	debug    bool
	logToErr bool

	buffer []string

	// sink is swappable for tests
	sink func(line string)
}

// New returns a Log writing through the stdlib logger. A synthetic NOQUEUE
// id is assigned until SetQueueID is called with the MTA's id.
func New(debug, logToErr bool) *Log {
	l := &Log{
		queueID:  NoQueueID(),
		debug:    debug,
		logToErr: logToErr,
	}
	l.sink = l.write
	return l
}

func (l *Log) write(line string) {
	log.Print(line)
	if l.logToErr {
		fmt.Fprintln(os.Stderr, line)
	}
}

// NoQueueID builds a synthetic queue id of the form NOQUEUE.<base32-11>,
// hashed over pid, time and a random value.
func NoQueueID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d.%d.%d", os.Getpid(), time.Now().UnixNano(), rand.Int63())
	sum := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(h.Sum(nil))
	return "NOQUEUE." + sum[:11]
}

// SetQueueID replaces the synthetic id once the MTA supplies the real one.
func (l *Log) SetQueueID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(id) > 0 {
		l.queueID = id
	}
}

func (l *Log) QueueID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queueID
}

func (l *Log) line(key, value string) string {
	return fmt.Sprintf("%s: %s: %s", l.queueID, key, value)
}

func (l *Log) Info(key, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink(l.line(key, fmt.Sprintf(format, args...)))
}

func (l *Log) Error(key, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink(l.line("error: "+key, fmt.Sprintf(format, args...)))
}

// Debug writes immediately when debugging is enabled, otherwise the line is
// buffered until Flush.
func (l *Log) Debug(key, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := l.line("dbg: "+key, fmt.Sprintf(format, args...))
	if l.debug {
		l.sink(line)
		return
	}
	l.buffer = append(l.buffer, line)
}

// Flush replays buffered debug lines when force is set, otherwise the
// buffer is dropped. Called at connection close.
func (l *Log) Flush(force bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if force {
		for _, line := range l.buffer {
			l.sink(line)
		}
	}
	l.buffer = nil
}

// Buffered reports the number of buffered debug lines.
func (l *Log) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Captured returns a Log that records lines instead of writing them, for
// tests.
func Captured() (*Log, *[]string) {
	lines := new([]string)
	l := New(true, false)
	l.sink = func(line string) {
		*lines = append(*lines, line)
	}
	return l, lines
}

// Redact trims an address for logging, keeping the shape visible.
func Redact(s string) string {
	if i := strings.IndexByte(s, '@'); i > 1 {
		return s[:1] + "***" + s[i:]
	}
	return s
}
