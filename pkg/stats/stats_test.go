package stats

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type fakeResolver struct {
	mapping map[string]string
}

func (f fakeResolver) KernelIDForContainer(cid string) (string, bool) {
	id, ok := f.mapping[cid]
	return id, ok
}

func writeBatch(t *testing.T, conn net.Conn, frames []Frame) {
	t.Helper()
	data, err := msgpack.Marshal(frames)
	if err != nil {
		t.Fatalf("marshal frames: %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

func TestListenerIngestsAndMirrorsToCache(t *testing.T) {
	cache := NewCache()
	resolver := fakeResolver{mapping: map[string]string{"cid-1": "kernel-1"}}

	l, err := Listen("127.0.0.1:0", cache, resolver)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	writeBatch(t, conn, []Frame{
		{CID: "cid-1", Status: StatusOngoing, Data: map[string]interface{}{"cpu_used": "120"}},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Get("kernel-1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, ok := cache.Get("kernel-1")
	if !ok {
		t.Fatal("expected kernel-1 to be cached")
	}
	if data["cpu_used"] != "120" {
		t.Errorf("cpu_used = %v, want 120", data["cpu_used"])
	}

	state, ok := l.State("cid-1")
	if !ok {
		t.Fatal("expected collector state for cid-1")
	}
	if state.KernelID != "kernel-1" {
		t.Errorf("KernelID = %q, want kernel-1", state.KernelID)
	}
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	c := NewCache()
	c.Set("k1", map[string]interface{}{"x": 1}, 10*time.Millisecond)
	if _, ok := c.Get("k1"); !ok {
		t.Fatal("expected immediate hit")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k1"); ok {
		t.Error("expected entry to expire")
	}
}

func TestIngestUnknownCIDWithoutResolverIsDropped(t *testing.T) {
	cache := NewCache()
	l := &Listener{cache: cache, byCID: make(map[string]*CollectorState)}
	l.ingest(Frame{CID: "unknown", Status: StatusOngoing, Data: map[string]interface{}{"x": 1}})
	if _, ok := cache.Get(""); ok {
		t.Error("unexpected cache entry for unresolved cid")
	}
}
