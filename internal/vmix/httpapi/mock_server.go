// SPDX-License-Identifier: MIT
package httpapi

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/vmix/vmixtest"
)

// MockServer is a scripted device HTTP API for tests.
type MockServer struct {
	*httptest.Server
	Device *vmixtest.Device

	mu        sync.Mutex
	failures  int           // number of 500 responses before success
	down      bool          // every request fails with 503
	malformed bool          // /api returns a broken document
	delay     time.Duration // artificial latency per request
	requests  map[string]int
}

// NewMockServer starts a mock device with default data.
func NewMockServer() *MockServer {
	m := &MockServer{
		Device:   vmixtest.NewDevice(),
		requests: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api", m.handleAPI)
	mux.HandleFunc("/api/", m.handleAPI)
	m.Server = httptest.NewServer(mux)
	return m
}

// HostPort splits the listener address for connector construction.
func (m *MockServer) HostPort() (string, int) {
	host, portStr, _ := net.SplitHostPort(m.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// SetFailures makes the next n requests answer 500.
func (m *MockServer) SetFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// SetDown makes every request answer 503 until reset.
func (m *MockServer) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetMalformed makes /api return an unparseable document.
func (m *MockServer) SetMalformed(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed = v
}

// SetDelay adds latency to every request.
func (m *MockServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns how many state (function="") or function requests were served.
func (m *MockServer) Requests(function string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[function]
}

func (m *MockServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	function := q.Get("Function")

	m.mu.Lock()
	m.requests[function]++
	delay := m.delay
	fail := m.down
	if !fail && m.failures > 0 {
		m.failures--
		fail = true
	}
	malformed := m.malformed
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	if function != "" {
		params := make(mixer.Params)
		for k := range q {
			if k != "Function" {
				params[k] = q.Get(k)
			}
		}
		if _, err := m.Device.Apply(function, params); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Function completed successfully."))
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	if malformed {
		_, _ = w.Write([]byte("<vmix><inputs><input"))
		return
	}
	doc, err := m.Device.Document()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(doc)
}
