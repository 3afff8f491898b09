// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tcpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/vmix/vmixtest"
)

// MockDevice speaks the device TCP protocol on a loopback listener.
type MockDevice struct {
	ln     net.Listener
	Device *vmixtest.Device

	mu         sync.Mutex
	conns      []*mockConn
	commands   []string
	silent     bool // no greeting, no replies
	holdXML    bool
	heldXML    []heldReply
	wg         sync.WaitGroup
	closedOnce sync.Once
}

type heldReply struct {
	c   *mockConn
	msg string
}

type mockConn struct {
	net.Conn
	writeMu    sync.Mutex
	subscribed bool
}

func (c *mockConn) send(s string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = c.Write([]byte(s))
}

// NewMockDevice starts a mock device on 127.0.0.1. Callers must Close it.
func NewMockDevice() (*MockDevice, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	m := &MockDevice{ln: ln, Device: vmixtest.NewDevice()}
	m.wg.Add(1)
	go m.acceptLoop()
	return m, nil
}

// HostPort returns the listener address split for Dial.
func (m *MockDevice) HostPort() (string, int) {
	a := m.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// Dialer routes every dial to this mock, so tests can use symbolic host names.
func (m *MockDevice) Dialer() func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, m.ln.Addr().String())
	}
}

func (m *MockDevice) acceptLoop() {
	defer m.wg.Done()
	for {
		c, err := m.ln.Accept()
		if err != nil {
			return
		}
		mc := &mockConn{Conn: c}
		m.mu.Lock()
		m.conns = append(m.conns, mc)
		silent := m.silent
		m.mu.Unlock()

		if !silent {
			mc.send("VERSION OK 27.0.0.49\r\n")
		}
		m.wg.Add(1)
		go m.serve(mc)
	}
}

func (m *MockDevice) serve(c *mockConn) {
	defer m.wg.Done()
	defer func() { _ = c.Close() }()

	sc := bufio.NewScanner(c)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		m.mu.Lock()
		m.commands = append(m.commands, line)
		silent := m.silent
		m.mu.Unlock()
		if silent {
			continue
		}

		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "XML":
			doc, err := m.Device.Document()
			if err != nil {
				return
			}
			reply := fmt.Sprintf("XML %d\r\n%s", len(doc), doc)
			m.mu.Lock()
			if m.holdXML {
				m.heldXML = append(m.heldXML, heldReply{c: c, msg: reply})
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()
			c.send(reply)
		case "SUBSCRIBE":
			c.writeMu.Lock()
			c.subscribed = true
			c.writeMu.Unlock()
			c.send("SUBSCRIBE OK ACTS\r\n")
		case "FUNCTION":
			params := mixer.Params{}
			if len(fields) == 3 {
				q, _ := url.ParseQuery(fields[2])
				for k := range q {
					params[k] = q.Get(k)
				}
			}
			events, err := m.Device.Apply(fields[1], params)
			if err != nil {
				c.send("FUNCTION ER " + err.Error() + "\r\n")
				continue
			}
			c.send("FUNCTION OK Completed\r\n")
			c.writeMu.Lock()
			sub := c.subscribed
			c.writeMu.Unlock()
			if sub {
				for _, ev := range events {
					c.send(vmixtest.FormatActs(ev))
				}
			}
		case "QUIT":
			return
		}
	}
}

// Push writes raw bytes to every open connection.
func (m *MockDevice) Push(s string) {
	m.mu.Lock()
	conns := append([]*mockConn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		c.send(s)
	}
}

// Commands returns every command line received so far.
func (m *MockDevice) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *MockDevice) Count(cmd string) int {
	n := 0
	for _, c := range m.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

// Silence stops greetings and replies for new and existing connections.
func (m *MockDevice) Silence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = true
}

// HoldXML queues state documents, taken at request time, until ReleaseXML.
func (m *MockDevice) HoldXML() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdXML = true
}

// ReleaseXML sends the queued state documents in request order and stops
// holding.
func (m *MockDevice) ReleaseXML() {
	m.mu.Lock()
	held := m.heldXML
	m.heldXML = nil
	m.holdXML = false
	m.mu.Unlock()
	for _, r := range held {
		r.c.send(r.msg)
	}
}

// Reset aborts every connection with a TCP RST.
func (m *MockDevice) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if tc, ok := c.Conn.(*net.TCPConn); ok {
			_ = tc.SetLinger(0)
		}
		_ = c.Close()
	}
}

// Hangup closes every connection gracefully (the peer reads EOF).
func (m *MockDevice) Hangup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
}

func (m *MockDevice) Close() {
	m.closedOnce.Do(func() {
		_ = m.ln.Close()
		m.Hangup()
		m.wg.Wait()
	})
}
