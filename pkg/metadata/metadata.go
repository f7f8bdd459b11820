// Package metadata is the agent's client for the shared metadata service
// (spec §4.12, §6): a key-value store (etcd, per original_source's
// AsyncEtcd) used to read cluster-wide configuration and to publish this
// agent's own liveness status.
package metadata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const dialTimeout = 5 * time.Second

// Client wraps an etcd client scoped to the keys this agent reads and
// writes.
type Client struct {
	kv clientv3.KV
	cl *clientv3.Client
}

// New dials the metadata service at the given endpoints.
func New(endpoints []string) (*Client, error) {
	cl, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to metadata service: %w", err)
	}
	return &Client{kv: cl, cl: cl}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cl.Close()
}

// Get reads a single key, returning ok=false if it doesn't exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.kv.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// GetPrefix reads every key under prefix, e.g. "images/".
func (c *Client) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := c.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get prefix %s: %w", prefix, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = string(kv.Value)
	}
	return out, nil
}

// Put writes a single key.
func (c *Client) Put(ctx context.Context, key, value string) error {
	if _, err := c.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key under prefix, used by DeregisterMyself
// to drop the children of nodes/agents/<id> (such as /ip) on shutdown
// (spec §2.3, "delete the key entirely" rather than a stale terminated
// marker).
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := c.kv.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return nil
}

// WatchOnce blocks until a PUT lands on key, then returns its value.
// Used by Bootstrapper.DetectManager to wait for nodes/manager.
func (c *Client) WatchOnce(ctx context.Context, key string) (string, error) {
	if v, ok, err := c.Get(ctx, key); err != nil {
		return "", err
	} else if ok {
		return v, nil
	}

	watch := c.cl.Watch(ctx, key)
	for resp := range watch {
		for _, ev := range resp.Events {
			if ev.Type == clientv3.EventTypePut {
				return string(ev.Kv.Value), nil
			}
		}
		if err := resp.Err(); err != nil {
			return "", fmt.Errorf("watch %s: %w", key, err)
		}
	}
	return "", ctx.Err()
}

// Config is the subset of cluster configuration read at bootstrap
// (spec §4.12), with the defaults the original implementation falls back
// to when a key is absent.
type Config struct {
	RedisAddr      string
	EventAddr      string
	IdleTimeout    time.Duration
	DockerRegistry string
	VFolderMount   string
}

const (
	defaultIdleTimeout    = 600 * time.Second
	defaultDockerRegistry = "lablup"
	defaultVFolderMount   = "/mnt"
)

// ReadConfig reads nodes/redis, nodes/manager/event_addr,
// nodes/idle_timeout, nodes/docker_registry, and volumes/_mount, applying
// the documented defaults for any that are unset.
func (c *Client) ReadConfig(ctx context.Context) (Config, error) {
	cfg := Config{
		IdleTimeout:    defaultIdleTimeout,
		DockerRegistry: defaultDockerRegistry,
		VFolderMount:   defaultVFolderMount,
	}

	if v, ok, err := c.Get(ctx, "nodes/redis"); err != nil {
		return cfg, err
	} else if ok {
		cfg.RedisAddr = v
	}

	if v, ok, err := c.Get(ctx, "nodes/manager/event_addr"); err != nil {
		return cfg, err
	} else if ok {
		cfg.EventAddr = v
	}

	if v, ok, err := c.Get(ctx, "nodes/idle_timeout"); err != nil {
		return cfg, err
	} else if ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse nodes/idle_timeout %q: %w", v, err)
		}
		cfg.IdleTimeout = time.Duration(secs) * time.Second
	}

	if v, ok, err := c.Get(ctx, "nodes/docker_registry"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DockerRegistry = v
	}

	if v, ok, err := c.Get(ctx, "volumes/_mount"); err != nil {
		return cfg, err
	} else if ok {
		cfg.VFolderMount = v
	}

	return cfg, nil
}

// SetAgentStarting marks nodes/agents/<id> = "starting".
func (c *Client) SetAgentStarting(ctx context.Context, instanceID string) error {
	return c.Put(ctx, fmt.Sprintf("nodes/agents/%s", instanceID), "starting")
}

// SetAgentRunning marks nodes/agents/<id> = "running" and publishes
// nodes/agents/<id>/ip.
func (c *Client) SetAgentRunning(ctx context.Context, instanceID, agentHost string) error {
	if err := c.Put(ctx, fmt.Sprintf("nodes/agents/%s", instanceID), "running"); err != nil {
		return err
	}
	return c.Put(ctx, fmt.Sprintf("nodes/agents/%s/ip", instanceID), agentHost)
}

// DeregisterMyself removes nodes/agents/<id> and its /ip child entirely
// (spec §2.3), called on shutdown.
func (c *Client) DeregisterMyself(ctx context.Context, instanceID string) error {
	key := fmt.Sprintf("nodes/agents/%s", instanceID)
	if _, err := c.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return c.DeletePrefix(ctx, key+"/")
}
