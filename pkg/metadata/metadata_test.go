package metadata

import (
	"context"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

// fakeKV is a minimal clientv3.KV double for exercising ReadConfig's
// default-handling logic without a live etcd server.
type fakeKV struct {
	values map[string]string
}

func (f *fakeKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.values[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if v, ok := f.values[key]; ok {
		return &clientv3.GetResponse{Kvs: []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}}, nil
	}
	return &clientv3.GetResponse{}, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	delete(f.values, key)
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeKV) Compact(ctx context.Context, rev int64, opts ...clientv3.CompactOption) (*clientv3.CompactResponse, error) {
	return &clientv3.CompactResponse{}, nil
}

func (f *fakeKV) Do(ctx context.Context, op clientv3.Op) (clientv3.OpResponse, error) {
	return clientv3.OpResponse{}, nil
}

func (f *fakeKV) Txn(ctx context.Context) clientv3.Txn {
	return nil
}

func TestReadConfigAppliesDefaults(t *testing.T) {
	c := &Client{kv: &fakeKV{values: map[string]string{}}}
	cfg, err := c.ReadConfig(context.Background())
	if err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	if cfg.IdleTimeout != 600*time.Second {
		t.Errorf("IdleTimeout = %v, want 600s", cfg.IdleTimeout)
	}
	if cfg.DockerRegistry != "lablup" {
		t.Errorf("DockerRegistry = %q, want lablup", cfg.DockerRegistry)
	}
	if cfg.VFolderMount != "/mnt" {
		t.Errorf("VFolderMount = %q, want /mnt", cfg.VFolderMount)
	}
}

func TestReadConfigHonorsSetValues(t *testing.T) {
	c := &Client{kv: &fakeKV{values: map[string]string{
		"nodes/idle_timeout":    "120",
		"nodes/docker_registry": "myregistry",
		"nodes/redis":           "redis.internal:6379",
	}}}
	cfg, err := c.ReadConfig(context.Background())
	if err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	if cfg.IdleTimeout != 120*time.Second {
		t.Errorf("IdleTimeout = %v, want 120s", cfg.IdleTimeout)
	}
	if cfg.DockerRegistry != "myregistry" {
		t.Errorf("DockerRegistry = %q", cfg.DockerRegistry)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
}

func TestSetAgentStartingAndRunning(t *testing.T) {
	kv := &fakeKV{values: map[string]string{}}
	c := &Client{kv: kv}

	if err := c.SetAgentStarting(context.Background(), "agent-1"); err != nil {
		t.Fatalf("SetAgentStarting() error = %v", err)
	}
	if kv.values["nodes/agents/agent-1"] != "starting" {
		t.Errorf("status = %q, want starting", kv.values["nodes/agents/agent-1"])
	}

	if err := c.SetAgentRunning(context.Background(), "agent-1", "10.0.0.5"); err != nil {
		t.Fatalf("SetAgentRunning() error = %v", err)
	}
	if kv.values["nodes/agents/agent-1"] != "running" {
		t.Errorf("status = %q, want running", kv.values["nodes/agents/agent-1"])
	}
	if kv.values["nodes/agents/agent-1/ip"] != "10.0.0.5" {
		t.Errorf("ip = %q, want 10.0.0.5", kv.values["nodes/agents/agent-1/ip"])
	}
}
