package logger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultActivityLimit bounds the number of lines kept in memory.
const DefaultActivityLimit = 1000

// Activity is the user-facing activity log: a bounded list of lines polled by the
// UI. Every entry is also emitted through slog.
type Activity struct {
	mu    sync.Mutex
	lines []string
	limit int
	log   *slog.Logger
}

func NewActivity(limit int, l *slog.Logger) *Activity {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	if l == nil {
		l = slog.Default()
	}
	return &Activity{limit: limit, log: l}
}

// Add records msg with optional key/value pairs, slog style.
func (a *Activity) Add(msg string, args ...any) {
	a.log.Info(msg, args...)
	a.append(render(msg, args))
}

// Warn is Add at warning level.
func (a *Activity) Warn(msg string, args ...any) {
	a.log.Warn(msg, args...)
	a.append(render(msg, args))
}

// Line appends raw text without structured logging; used for child output which
// is logged separately at debug level.
func (a *Activity) Line(s string) { a.append(s) }

func (a *Activity) append(s string) {
	a.mu.Lock()
	a.lines = append(a.lines, s)
	if over := len(a.lines) - a.limit; over > 0 {
		a.lines = append(a.lines[:0:0], a.lines[over:]...)
	}
	a.mu.Unlock()
}

// Lines returns a copy of the current log.
func (a *Activity) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines...)
}

func (a *Activity) Clear() {
	a.mu.Lock()
	a.lines = nil
	a.mu.Unlock()
}

func render(msg string, args []any) string {
	var b strings.Builder
	b.WriteString(time.Now().Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		fmt.Fprintf(&b, " %v", args[len(args)-1])
	}
	return b.String()
}
