package connectivity

import (
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestManualTransitionsNotifyListeners(t *testing.T) {
	m := NewManual(false)

	var transitions []bool
	unsubscribe := m.Subscribe(func(online bool) {
		transitions = append(transitions, online)
	})

	m.SetOnline(true)
	m.SetOnline(true) // no transition, no notification
	m.SetOnline(false)

	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Errorf("transitions = %v", transitions)
	}

	unsubscribe()
	m.SetOnline(true)
	if len(transitions) != 2 {
		t.Error("listener fired after unsubscribe")
	}
}

func TestManualUnsubscribeIsIdempotent(t *testing.T) {
	m := NewManual(false)

	var count atomic.Int32
	unsubscribe := m.Subscribe(func(bool) { count.Add(1) })
	unsubscribe()
	unsubscribe()

	m.SetOnline(true)
	if count.Load() != 0 {
		t.Error("listener fired after double unsubscribe")
	}
}

func TestProbeDetectsBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe := NewProbe(server.URL, time.Hour, log.New(os.Stderr, "[test] ", 0))
	probe.Start()
	defer probe.Stop()

	if !probe.Online() {
		t.Error("probe offline against a healthy backend")
	}
}

func TestProbeOfflineAgainstDeadBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // dead immediately

	probe := NewProbe(server.URL, time.Hour, log.New(os.Stderr, "[test] ", 0))
	probe.Start()
	defer probe.Stop()

	if probe.Online() {
		t.Error("probe online against a dead backend")
	}
}
