package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/anvilworks/anvil/internal/orchestrator"
)

func applyEvents(m *Model, events ...orchestrator.Event) {
	for _, ev := range events {
		m.apply(ev)
	}
}

func TestModelTracksTaskLifecycle(t *testing.T) {
	m := New(nil)
	applyEvents(m,
		orchestrator.Event{Type: orchestrator.EventSessionSubmitted, SessionID: "s1", Message: "device build"},
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, SessionID: "s1", TaskID: "s1-firmware", Capability: "firmware", WorkerID: "fw-1", Attempt: 1},
		orchestrator.Event{Type: orchestrator.EventTaskStarted, SessionID: "s1", TaskID: "s1-firmware", WorkerID: "fw-1", Attempt: 1},
		orchestrator.Event{Type: orchestrator.EventTaskCompleted, SessionID: "s1", TaskID: "s1-firmware", WorkerID: "fw-1", Attempt: 1},
	)

	if m.sessionID != "s1" || m.sessionName != "device build" {
		t.Errorf("session header = %q %q", m.sessionID, m.sessionName)
	}
	if len(m.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(m.rows))
	}
	row := m.rows[0]
	if row.state != "succeeded" || row.workerID != "fw-1" || row.capability != "firmware" {
		t.Errorf("row = %+v", row)
	}
}

func TestModelShowsFailureDetail(t *testing.T) {
	m := New(nil)
	applyEvents(m,
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, TaskID: "t1", Capability: "render", Attempt: 1},
		orchestrator.Event{Type: orchestrator.EventTaskFailed, TaskID: "t1", Attempt: 1, Error: errors.New("fatal: bad payload")},
		orchestrator.Event{Type: orchestrator.EventTaskSkipped, TaskID: "t2", Capability: "docs", Message: "dependency failed: t1"},
	)

	view := m.View()
	if !strings.Contains(view, "failed") || !strings.Contains(view, "fatal: bad payload") {
		t.Errorf("view missing failure detail:\n%s", view)
	}
	if !strings.Contains(view, "skipped") {
		t.Errorf("view missing skipped row:\n%s", view)
	}
}

func TestModelQuitsOnSessionDone(t *testing.T) {
	m := New(nil)
	_, cmd := m.Update(EventMsg(orchestrator.Event{Type: orchestrator.EventSessionDone, Message: "succeeded"}))
	if cmd == nil {
		t.Fatal("expected quit command after session_done")
	}
	if !m.done || m.finalStatus != "succeeded" {
		t.Errorf("done = %v, finalStatus = %q", m.done, m.finalStatus)
	}
	if !strings.Contains(m.View(), "session succeeded") {
		t.Errorf("view missing final line:\n%s", m.View())
	}
}

func TestModelQuitKey(t *testing.T) {
	m := New(nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command on q")
	}
	if !m.quitting {
		t.Error("quitting flag not set")
	}
}

func TestModelRowsSortedByTaskID(t *testing.T) {
	m := New(nil)
	applyEvents(m,
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, TaskID: "s1-b", Capability: "b"},
		orchestrator.Event{Type: orchestrator.EventTaskDispatched, TaskID: "s1-a", Capability: "a"},
	)
	if m.rows[0].id != "s1-a" || m.rows[1].id != "s1-b" {
		t.Errorf("rows = %s, %s; want sorted by id", m.rows[0].id, m.rows[1].id)
	}
}
