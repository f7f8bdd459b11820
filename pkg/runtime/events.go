package runtime

import (
	"context"

	apievents "github.com/containerd/containerd/api/events"
	"github.com/containerd/typeurl/v2"
)

// ContainerEvent is a decoded task-exit notification, the only event kind
// pkg/reaper cares about (spec §4.9: a container dying schedules
// kernel_terminated + clean_kernel).
type ContainerEvent struct {
	ContainerID string
	ExitStatus  uint32
}

// Events subscribes to the runtime's task-exit stream. The returned channel
// is closed when ctx is cancelled; the error channel carries subscription
// failures the caller should use to trigger a reconnect (spec §4.9, "the
// reaper reconnects on disconnect").
func (r *Runtime) Events(ctx context.Context) (<-chan ContainerEvent, <-chan error) {
	ctx = r.ctx(ctx)

	raw, errs := r.client.Subscribe(ctx, `topic=="/tasks/exit"`)

	out := make(chan ContainerEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case envelope, ok := <-raw:
				if !ok {
					return
				}
				decoded, err := typeurl.UnmarshalAny(envelope.Event)
				if err != nil {
					continue
				}
				exit, ok := decoded.(*apievents.TaskExit)
				if !ok {
					continue
				}
				select {
				case out <- ContainerEvent{ContainerID: exit.ContainerID, ExitStatus: exit.ExitStatus}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs
}
