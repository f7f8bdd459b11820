// Package stats is the stats fan-in (spec §4.8): a listener on
// 127.0.0.1:<stat_port> that receives per-container metric samples from
// sidecar collectors running inside kernel containers, keeps a
// per-container collector state, and mirrors the latest sample into a
// short-TTL cache keyed by kernel-id for RPC handlers to read.
package stats

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
)

// Frame is one sample as received on the wire: msgpack {cid, status, data}.
type Frame struct {
	CID    string                 `msgpack:"cid"`
	Status string                 `msgpack:"status"`
	Data   map[string]interface{} `msgpack:"data"`
}

const (
	StatusOngoing    = "ongoing"
	StatusTerminated = "terminated"
)

// CollectorState is the per-container fan-in state.
type CollectorState struct {
	mu         sync.Mutex
	KernelID   string
	LastStat   map[string]interface{}
	Terminated chan struct{}
	closed     bool
}

func newCollectorState(kernelID string) *CollectorState {
	return &CollectorState{KernelID: kernelID, Terminated: make(chan struct{})}
}

func (s *CollectorState) update(data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastStat = data
}

func (s *CollectorState) markTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Terminated)
	}
}

// Resolver maps a container id unknown to the fan-in (e.g. after an agent
// restart) back to its owning kernel-id, so a fresh CollectorState can be
// created instead of the frame being dropped.
type Resolver interface {
	KernelIDForContainer(cid string) (string, bool)
}

// Cache is the shared last-sample store the RPC layer reads from; entries
// expire after a fixed TTL (spec §4.8, 30s).
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	data    map[string]interface{}
	expires time.Time
}

// NewCache creates an empty TTL cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Set stores data under kernelID with the given TTL, overwriting any
// previous entry atomically.
func (c *Cache) Set(kernelID string, data map[string]interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kernelID] = cacheEntry{data: data, expires: time.Now().Add(ttl)}
}

// Get returns the cached sample for kernelID, or ok=false if absent or
// expired.
func (c *Cache) Get(kernelID string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[kernelID]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.data, true
}

// Len reports the number of unexpired entries, used by pkg/metrics to
// gauge the stats fan-in's working set.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

const cacheTTL = 30 * time.Second

// Listener is the PULL-socket-equivalent stats fan-in: a plain TCP
// listener that accepts length-framed msgpack batches from collector
// sidecars. There is no ZeroMQ PULL socket in the Go ecosystem with the
// pack's provenance, so the wire shape (one frame per batch, msgpack
// payload) is preserved over a bare net.Listener rather than pulling in
// an unrelated messaging library for socket semantics alone.
type Listener struct {
	ln       net.Listener
	cache    *Cache
	resolver Resolver

	mu    sync.Mutex
	byCID map[string]*CollectorState

	wg sync.WaitGroup
}

// Listen binds addr (typically "127.0.0.1:<stat_port>") and starts
// accepting collector connections.
func Listen(addr string, cache *Cache, resolver Resolver) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		ln:       ln,
		cache:    cache,
		resolver: resolver,
		byCID:    make(map[string]*CollectorState),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	logger := log.New("stats")

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.handleConn(conn); err != nil && err != io.EOF {
				logger.Debug().Err(err).Msg("stats connection closed")
			}
		}()
	}
}

func (l *Listener) handleConn(conn net.Conn) error {
	defer conn.Close()
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}

		var frames []Frame
		if err := msgpack.Unmarshal(buf, &frames); err != nil {
			continue
		}
		for _, f := range frames {
			l.ingest(f)
		}
	}
}

func (l *Listener) ingest(f Frame) {
	l.mu.Lock()
	state, ok := l.byCID[f.CID]
	if !ok {
		kernelID, found := "", false
		if l.resolver != nil {
			kernelID, found = l.resolver.KernelIDForContainer(f.CID)
		}
		if !found {
			l.mu.Unlock()
			return
		}
		state = newCollectorState(kernelID)
		l.byCID[f.CID] = state
	}
	l.mu.Unlock()

	state.update(f.Data)
	l.cache.Set(state.KernelID, f.Data, cacheTTL)

	if f.Status == StatusTerminated {
		state.markTerminated()
	}
}

// State returns the collector state for a container id, if one exists.
func (l *Listener) State(cid string) (*CollectorState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.byCID[cid]
	return s, ok
}

// Close stops accepting connections and waits up to a 1000ms linger
// (spec §4.8) for handler goroutines to finish. Open collector
// connections are not closed, so Close returns after the linger while
// any collector is still connected.
func (l *Listener) Close() error {
	err := l.ln.Close()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1000 * time.Millisecond):
	}
	return err
}
