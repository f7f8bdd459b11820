// Package runner is the agent's client for a kernel's in-container code
// runner (spec §4.6): a pair of TCP connections to the kernel's REPL-in and
// REPL-out ports, framed length-prefixed msgpack messages in each
// direction. At most one Runner exists per kernel at a time (P6); it is
// constructed lazily on first use and torn down with the kernel.
package runner

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Opts is the free-form option bag accepted by feed_batch/feed_code/
// feed_and_get_completion; shape is defined by the client-facing RPC
// contract, not by this package.
type Opts map[string]interface{}

// StartServiceOpts is the payload for feed_start_service.
type StartServiceOpts struct {
	Name    string
	Port    int
	Proto   string
	Options map[string]interface{}
}

// Result is one frame read off the REPL-out connection: either an
// intermediate console/status update or a terminal status such as
// "finished" or "exec-timeout".
type Result struct {
	Status  string
	Console []interface{}
	Options map[string]interface{}
	Files   []string
}

// Runner is a live connection pair to one kernel's runner process.
type Runner struct {
	in  net.Conn
	out net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	queues  map[string]chan Result
	closed  bool
	closeCh chan struct{}
}

// Dial opens both REPL connections to host:inPort/host:outPort and starts
// the demux loop reading REPL-out frames.
func Dial(host string, inPort, outPort int, timeout time.Duration) (*Runner, error) {
	dialer := &net.Dialer{Timeout: timeout}

	in, err := dialer.Dial("tcp", fmt.Sprintf("%s:%d", host, inPort))
	if err != nil {
		return nil, fmt.Errorf("dial repl-in %s:%d: %w", host, inPort, err)
	}

	out, err := dialer.Dial("tcp", fmt.Sprintf("%s:%d", host, outPort))
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("dial repl-out %s:%d: %w", host, outPort, err)
	}

	r := &Runner{
		in:      in,
		out:     out,
		queues:  make(map[string]chan Result),
		closeCh: make(chan struct{}),
	}
	go r.demux()
	return r, nil
}

// message is the envelope written on REPL-in and read from REPL-out: a
// run-id tag plus a msgpack-encoded payload, framed with a 4-byte
// big-endian length prefix (the same length-framing convention
// pkg/eventbus uses for its fire-and-forget frames).
type message struct {
	RunID   string
	Command string
	Payload interface{}
}

func writeFrame(w io.Writer, mu *sync.Mutex, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Runner) demux() {
	br := bufio.NewReader(r.out)
	for {
		data, err := readFrame(br)
		if err != nil {
			r.broadcastEOF()
			return
		}

		var msg message
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			continue
		}

		var res Result
		if payload, ok := msg.Payload.(map[string]interface{}); ok {
			res = decodeResult(payload)
		}

		r.mu.Lock()
		ch, ok := r.queues[msg.RunID]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- res:
			case <-r.closeCh:
				return
			}
		}
	}
}

func decodeResult(payload map[string]interface{}) Result {
	res := Result{}
	if s, ok := payload["status"].(string); ok {
		res.Status = s
	}
	if c, ok := payload["console"].([]interface{}); ok {
		res.Console = c
	}
	if o, ok := payload["options"].(map[string]interface{}); ok {
		res.Options = o
	}
	if f, ok := payload["files"].([]interface{}); ok {
		for _, v := range f {
			if s, ok := v.(string); ok {
				res.Files = append(res.Files, s)
			}
		}
	}
	return res
}

func (r *Runner) broadcastEOF() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.queues {
		close(ch)
	}
	r.queues = make(map[string]chan Result)
}

// AttachOutputQueue registers run_id so subsequent GetNextResult calls for
// it receive frames from the demux loop. Must be called before FeedCode/
// FeedBatch for that run_id.
func (r *Runner) AttachOutputQueue(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[runID]; !ok {
		r.queues[runID] = make(chan Result, 16)
	}
}

// GetNextResult blocks for the next frame belonging to run_id, up to
// flushTimeout. apiVersion is accepted for forward compatibility with
// clients that format console items differently by protocol version; this
// package does no per-version reformatting itself.
func (r *Runner) GetNextResult(runID string, apiVersion int, flushTimeout time.Duration) (Result, error) {
	r.mu.Lock()
	ch, ok := r.queues[runID]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("get next result: no output queue attached for run %s", runID)
	}

	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return Result{Status: "exec-timeout"}, fmt.Errorf("get next result: runner connection closed")
		}
		return res, nil
	case <-timer.C:
		return Result{Status: "continued"}, nil
	case <-r.closeCh:
		return Result{}, fmt.Errorf("get next result: runner closed")
	}
}

func (r *Runner) send(runID, command string, payload interface{}) error {
	return writeFrame(r.in, &r.writeMu, message{RunID: runID, Command: command, Payload: payload})
}

// FeedBatch sends a batch-mode execution request (build + exec in one).
func (r *Runner) FeedBatch(runID string, opts Opts) error {
	return r.send(runID, "batch", opts)
}

// FeedCode sends a single chunk of query-mode code.
func (r *Runner) FeedCode(runID string, text string) error {
	return r.send(runID, "code", text)
}

// FeedInput sends stdin data for a kernel waiting on input.
func (r *Runner) FeedInput(runID string, text string) error {
	return r.send(runID, "input", text)
}

// FeedInterrupt sends a SIGINT-equivalent into the runner.
func (r *Runner) FeedInterrupt(runID string) error {
	return r.send(runID, "interrupt", nil)
}

// FeedAndGetCompletion requests code-completion candidates and waits up to
// 5s for the single reply frame on an output queue of its own, attached
// under a throwaway run id and dropped on return.
func (r *Runner) FeedAndGetCompletion(text string, opts Opts) ([]string, error) {
	runID := fmt.Sprintf("completion-%p", &text)
	r.AttachOutputQueue(runID)
	defer r.dropQueue(runID)

	if err := r.send(runID, "complete", map[string]interface{}{"code": text, "opts": opts}); err != nil {
		return nil, fmt.Errorf("feed completion request: %w", err)
	}

	res, err := r.GetNextResult(runID, 0, 5*time.Second)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(res.Console))
	for _, c := range res.Console {
		if s, ok := c.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// FeedStartService requests the runner launch a service process on the
// given port/protocol.
func (r *Runner) FeedStartService(opts StartServiceOpts) error {
	return r.send("service", "start-service", opts)
}

func (r *Runner) dropQueue(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, runID)
}

// Close tears down both connections. Safe to call more than once.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.closeCh)
	err1 := r.in.Close()
	err2 := r.out.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
