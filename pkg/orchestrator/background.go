package orchestrator

import (
	"context"
	"time"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/eventbus"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
	"github.com/tlqaksqhr/backend.ai-agent/pkg/metrics"
)

const idleReaperInterval = 10 * time.Second
const heartbeatInterval = 3 * time.Second

// RunIdleReaper destroys kernels idle for longer than idleTimeout, ticking
// every 10s (spec §4.11, P8). A zero idleTimeout disables it entirely.
func (o *Orchestrator) RunIdleReaper(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	logger := log.New("idle-reaper")
	ticker := time.NewTicker(idleReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, rec := range o.registry.List() {
				if rec.IdleFor(now) <= idleTimeout {
					continue
				}
				logger.Info().Str("kernel_id", rec.ID).Dur("idle", rec.IdleFor(now)).Msg("destroying idle kernel")
				if _, err := o.DestroyKernel(ctx, rec.ID, string(eventbus.ReasonIdleTimeout)); err != nil {
					logger.Warn().Str("kernel_id", rec.ID).Err(err).Msg("idle destroy failed")
					continue
				}
				metrics.IdleReapedKernelsTotal.Inc()
			}
		}
	}
}

// ImageTag is one locally available kernel image, as reported in the
// heartbeat's images field.
type ImageTag struct {
	Tag string
	ID  string
}

// HeartbeatInfo is the host-level state published with every
// instance_heartbeat event (spec §4.11, §6).
type HeartbeatInfo struct {
	IP       string
	Region   string
	Addr     string
	MemSlots float64
	CPUSlots float64
	GPUSlots float64
	TPUSlots float64
	Images   []ImageTag
}

// InfoFunc supplies the current host state for each heartbeat tick; the
// orchestrator doesn't own image-scan results or host identity, so the
// caller (pkg/bootstrap) provides a snapshot function instead of the
// orchestrator reaching into unrelated state.
type InfoFunc func() HeartbeatInfo

// RunHeartbeat publishes instance_heartbeat every 3s until ctx is
// cancelled. The images field is msgpack-encoded then snappy-compressed
// (spec §4.11, §2.2); failures are logged, never fatal.
func (o *Orchestrator) RunHeartbeat(ctx context.Context, info InfoFunc) {
	logger := log.New("heartbeat")
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := info()
			imagesPayload, err := encodeImages(hb.Images)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to encode heartbeat images")
				continue
			}
			o.events.Publish(eventbus.InstanceHeartbeat, map[string]interface{}{
				"ip":        hb.IP,
				"region":    hb.Region,
				"addr":      hb.Addr,
				"mem_slots": hb.MemSlots,
				"cpu_slots": hb.CPUSlots,
				"gpu_slots": hb.GPUSlots,
				"tpu_slots": hb.TPUSlots,
				"images":    imagesPayload,
			})
		}
	}
}

func encodeImages(images []ImageTag) ([]byte, error) {
	pairs := make([][2]string, len(images))
	for i, img := range images {
		pairs[i] = [2]string{img.Tag, img.ID}
	}
	raw, err := msgpack.Marshal(pairs)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// Reset destroys every live kernel with reason agent-reset (spec §6's
// reset RPC).
func (o *Orchestrator) Reset(ctx context.Context) {
	for _, rec := range o.registry.List() {
		if _, err := o.DestroyKernel(ctx, rec.ID, string(eventbus.ReasonAgentReset)); err != nil {
			log.New("orchestrator").Warn().Str("kernel_id", rec.ID).Err(err).Msg("reset destroy failed")
		}
	}
}
