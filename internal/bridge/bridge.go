package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultCallTimeout bounds a Call when no override is given.
const DefaultCallTimeout = 10 * time.Second

// TimeoutCode is carried by the error a Call fails with when no
// response arrives in time.
const TimeoutCode = "Timeout"

// Frame is the wire schema shared with the parent process, one JSON
// object per line in both directions.
type Frame struct {
	Cmd        string          `json:"cmd"`
	MID        string          `json:"mid,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Key        string          `json:"key,omitempty"`
	Method     string          `json:"method,omitempty"`
	Args       []interface{}   `json:"args,omitempty"`
}

// Error is a failure that crossed the channel; Code and StatusCode
// survive the crossing unchanged.
type Error struct {
	Message    string
	Code       string
	StatusCode int
}

func (e *Error) Error() string {
	return e.Message
}

// HandlerFunc serves a call issued by the remote side. A nil result
// answers with an empty success.
type HandlerFunc func(ctx context.Context, message json.RawMessage) (interface{}, error)

type pendingCall struct {
	timer    *time.Timer
	done     chan struct{}
	response json.RawMessage
	err      error
}

// Bridge is the correlated call/response channel between this worker
// and its parent. Both sides can issue calls; responses are matched
// purely by mid, in any order.
type Bridge struct {
	conn io.ReadWriteCloser

	encMu sync.Mutex
	enc   *json.Encoder

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[string]HandlerFunc

	notify chan *Frame

	mids      uint64
	closeOnce sync.Once
	done      chan struct{}
}

// telemetry frames waiting for the writer goroutine; beyond this the
// bridge drops rather than stalls
const notifyBuffer = 128

func New(conn io.ReadWriteCloser) *Bridge {
	b := &Bridge{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		pending:  make(map[string]*pendingCall),
		handlers: make(map[string]HandlerFunc),
		notify:   make(chan *Frame, notifyBuffer),
		done:     make(chan struct{}),
	}

	go b.readLoop()
	go b.notifyLoop()

	return b
}

// Handle registers fn for inbound calls whose message carries the
// given cmd. Register before traffic starts; inbound calls with no
// handler are logged and answered with an empty success.
func (b *Bridge) Handle(cmd string, fn HandlerFunc) {
	b.mu.Lock()
	b.handlers[cmd] = fn
	b.mu.Unlock()
}

// Call transmits message to the remote side and waits for the
// correlated response. A timeout of 0 means DefaultCallTimeout. On
// timeout the pending entry is removed and the call fails with a
// *Error carrying TimeoutCode and a gateway-timeout status; the remote
// side is not told to stop whatever it is doing.
func (b *Bridge) Call(ctx context.Context, message interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return nil, errors.WithMessage(err, "Marshal")
	}

	mid := b.nextMID()

	call := &pendingCall{
		done: make(chan struct{}),
	}
	call.timer = time.AfterFunc(timeout, func() {
		b.expire(mid)
	})

	b.mu.Lock()
	b.pending[mid] = call
	b.mu.Unlock()

	if err := b.send(&Frame{Cmd: "call", MID: mid, Message: raw}); err != nil {
		if b.take(mid) != nil {
			call.timer.Stop()
		}
		return nil, errors.WithMessage(err, "send")
	}

	select {
	case <-call.done:
		return call.response, call.err

	case <-ctx.Done():
		if b.take(mid) == nil {
			// a response beat the cancellation, use it
			<-call.done
			return call.response, call.err
		}
		call.timer.Stop()
		return nil, ctx.Err()
	}
}

// Notify queues a fire-and-forget metrics frame for the writer
// goroutine and returns immediately; a slow or failing sink never
// stalls the caller. When the buffer is full the frame is dropped and
// logged, never retried.
func (b *Bridge) Notify(key, method string, args ...interface{}) {
	select {
	case b.notify <- &Frame{Cmd: "metrics", Key: key, Method: method, Args: args}:
	default:
		log.Printf("bridge - notify '%s': buffer full, dropped", key)
	}
}

func (b *Bridge) notifyLoop() {
	for {
		select {
		case <-b.done:
			return
		case f := <-b.notify:
			if err := b.send(f); err != nil {
				log.Printf("bridge - notify '%s': %s", f.Key, err)
			}
		}
	}
}

func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
	})
	return err
}

// Done is closed once the read loop has stopped, after the channel to
// the parent broke or was closed.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// mids are unique even under bursts within the same millisecond.
func (b *Bridge) nextMID() string {
	return fmt.Sprintf("%d:%d", time.Now().UnixMilli(), atomic.AddUint64(&b.mids, 1))
}

func (b *Bridge) send(f *Frame) error {
	b.encMu.Lock()
	defer b.encMu.Unlock()
	return b.enc.Encode(f)
}

// take removes and returns the pending entry for mid, nil if already
// settled. Whoever takes the entry is the one that settles it, so a
// call resolves at most once.
func (b *Bridge) take(mid string) *pendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := b.pending[mid]
	delete(b.pending, mid)
	return call
}

func (b *Bridge) expire(mid string) {
	call := b.take(mid)
	if call == nil {
		return
	}
	call.err = &Error{
		Message:    "Timeout waiting for command response",
		Code:       TimeoutCode,
		StatusCode: http.StatusGatewayTimeout,
	}
	close(call.done)
}

func (b *Bridge) settle(f *Frame) {
	call := b.take(f.MID)
	if call == nil {
		log.Printf("bridge - response for unknown mid '%s'", f.MID)
		return
	}
	call.timer.Stop()

	if f.Error != "" {
		call.err = &Error{
			Message:    f.Error,
			Code:       f.Code,
			StatusCode: f.StatusCode,
		}
	} else {
		call.response = f.Response
	}
	close(call.done)
}

func (b *Bridge) readLoop() {
	defer close(b.done)

	dec := json.NewDecoder(b.conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			b.fail(err)
			return
		}

		switch f.Cmd {
		case "resp":
			b.settle(&f)
		case "call":
			go b.dispatch(f)
		case "metrics":
			// inbound telemetry is not ours to handle
		default:
			log.Printf("bridge - unknown frame cmd '%s'", f.Cmd)
		}
	}
}

// fail settles every in-flight call once the channel breaks.
func (b *Bridge) fail(cause error) {
	b.mu.Lock()
	calls := b.pending
	b.pending = make(map[string]*pendingCall)
	b.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.err = errors.WithMessage(cause, "bridge closed")
		close(call.done)
	}
}

func (b *Bridge) dispatch(f Frame) {
	resp := &Frame{Cmd: "resp", MID: f.MID}

	cmd := commandName(f.Message)

	b.mu.Lock()
	fn := b.handlers[cmd]
	b.mu.Unlock()

	if fn == nil {
		// answer anyway, one resp per call
		log.Printf("bridge - unhandled command '%s' (mid %s)", cmd, f.MID)
	} else {
		result, err := fn(context.Background(), f.Message)
		switch {
		case err != nil:
			resp.Error = err.Error()
			var bridgeErr *Error
			if errors.As(err, &bridgeErr) {
				resp.Code = bridgeErr.Code
				resp.StatusCode = bridgeErr.StatusCode
			}
		case result != nil:
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Response = raw
			}
		}
	}

	if err := b.send(resp); err != nil {
		log.Printf("bridge - respond to '%s' (mid %s): %s", cmd, f.MID, err)
	}
}

func commandName(message json.RawMessage) string {
	var peek struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(message, &peek); err != nil {
		return ""
	}
	return peek.Cmd
}
