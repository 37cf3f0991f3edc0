package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// ClientIP is an octet-truncated IPv4 (or first-four-octets IPv6) address
// used to key in-flight pathfinding tasks, so a client can't have more than
// one path search running at once regardless of which connection it's using.
type ClientIP [4]byte

// ClientIPFromRequest extracts the caller's ClientIP, preferring
// X-Forwarded-For (set by a reverse proxy) over the raw connection address.
func ClientIPFromRequest(r *http.Request) ClientIP {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok || first != "" {
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return clientIPFromNetIP(ip)
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return clientIPFromNetIP(ip)
	}
	return ClientIP{}
}

func clientIPFromNetIP(ip net.IP) ClientIP {
	if v4 := ip.To4(); v4 != nil {
		return ClientIP{v4[0], v4[1], v4[2], 0}
	}
	v6 := ip.To16()
	return ClientIP{v6[0], v6[1], v6[2], v6[3]}
}

// TaskTracker enforces one in-flight pathfinding task per ClientIP, aborting
// whatever task a client already had running when it starts a new one.
type TaskTracker struct {
	mu    sync.Mutex
	tasks map[ClientIP]func()
}

// NewTaskTracker creates an empty TaskTracker.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{tasks: make(map[ClientIP]func())}
}

// Start registers cancel as ip's in-flight task, aborting (calling the
// cancel func of) any task this ip already had running.
func (t *TaskTracker) Start(ip ClientIP, cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.tasks[ip]; ok {
		existing()
	}
	t.tasks[ip] = cancel
}

// Stop cancels the task and deregisters it, unless ip's slot was already
// taken over by a newer Start call.
func (t *TaskTracker) Stop(ip ClientIP, cancel func()) {
	t.mu.Lock()
	_, stillCurrent := t.tasks[ip]
	if stillCurrent {
		delete(t.tasks, ip)
	}
	t.mu.Unlock()
	cancel()
}
