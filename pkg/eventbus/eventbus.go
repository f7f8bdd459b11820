// Package eventbus publishes fire-and-forget lifecycle events to the
// control plane's event address (spec §6): a three-frame, length-prefixed
// message per event — [event_name, instance_id, msgpack(args)] — written
// over a single long-lived TCP connection. Publish never blocks the
// caller; events queue on a buffered channel and a background goroutine
// drains it, matching the teacher's events.Broker non-blocking-publish
// shape, adapted from local pub/sub to an outbound network writer.
package eventbus

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tlqaksqhr/backend.ai-agent/pkg/log"
)

// Name is one of the fixed lifecycle event names the control plane
// understands.
type Name string

const (
	InstanceStarted    Name = "instance_started"
	InstanceTerminated Name = "instance_terminated"
	InstanceHeartbeat  Name = "instance_heartbeat"
	KernelCreating     Name = "kernel_creating"
	KernelTerminated   Name = "kernel_terminated"
)

// Reason is the closed set of kernel_terminated/instance_terminated
// reasons (spec §6).
type Reason string

const (
	ReasonSelfTerminated  Reason = "self-terminated"
	ReasonUserRequested   Reason = "user-requested"
	ReasonRestarting      Reason = "restarting"
	ReasonExecTimeout     Reason = "exec-timeout"
	ReasonIdleTimeout     Reason = "idle-timeout"
	ReasonAgentReset      Reason = "agent-reset"
	ReasonAgentTerminated Reason = "agent-termination"
)

type outboundEvent struct {
	name Name
	args []interface{}
}

// Publisher owns the outbound connection to the control plane's event
// address. Zero value is not usable; construct with New.
type Publisher struct {
	addr       string
	instanceID string

	mu      sync.Mutex
	conn    net.Conn
	eventCh chan outboundEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a publisher for instanceID, targeting addr ("host:port").
// The connection is established lazily by Start.
func New(addr, instanceID string) *Publisher {
	return &Publisher{
		addr:       addr,
		instanceID: instanceID,
		eventCh:    make(chan outboundEvent, 256),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background drain loop. It dials lazily on first
// publish attempt and reconnects on write failure.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	logger := log.New("eventbus")

	for {
		select {
		case <-p.stopCh:
			return
		case evt := <-p.eventCh:
			if err := p.send(evt); err != nil {
				logger.Warn().Str("event", string(evt.name)).Err(err).Msg("failed to publish event")
			}
		}
	}
}

func (p *Publisher) send(evt outboundEvent) error {
	conn, err := p.ensureConn()
	if err != nil {
		return fmt.Errorf("connect to event address %s: %w", p.addr, err)
	}

	payload, err := msgpack.Marshal(evt.args)
	if err != nil {
		return fmt.Errorf("encode event args: %w", err)
	}

	frames := [][]byte{[]byte(evt.name), []byte(p.instanceID), payload}
	for _, f := range frames {
		if err := writeLengthFramed(conn, f); err != nil {
			p.dropConn()
			return fmt.Errorf("write event frame: %w", err)
		}
	}
	return nil
}

func writeLengthFramed(w net.Conn, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func (p *Publisher) ensureConn() (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}

	conn, err := net.DialTimeout("tcp", p.addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *Publisher) dropConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Publish queues an event for delivery. Non-blocking: if the queue is
// full the event is dropped and logged, rather than stalling the caller
// (events are best-effort telemetry, never load-bearing for correctness).
func (p *Publisher) Publish(name Name, args ...interface{}) {
	select {
	case p.eventCh <- outboundEvent{name: name, args: args}:
	default:
		log.New("eventbus").Warn().Str("event", string(name)).Msg("event queue full, dropping event")
	}
}

// KernelTerminatedEvent is a convenience wrapper matching spec §6's
// documented arg shape for kernel_terminated.
func (p *Publisher) KernelTerminatedEvent(kernelID string, reason Reason, detail string) {
	if detail == "" {
		p.Publish(KernelTerminated, kernelID, string(reason))
	} else {
		p.Publish(KernelTerminated, kernelID, string(reason), detail)
	}
}

// Close stops the drain loop and closes the connection, waiting for any
// in-flight send to finish.
func (p *Publisher) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	p.dropConn()
	return nil
}
