package runner

import (
	"github.com/loykin/appmaker/internal/history"
	"github.com/loykin/appmaker/internal/process"
)

func (m *memSink) eventsOf(t history.EventType) []history.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func processRunning(pid int) bool { return process.Alive(pid) }
