package account

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Caller is the slice of the rpc bridge the account layer needs.
type Caller interface {
	Call(ctx context.Context, message interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Handle is the identity bundle a session holds for the duration of a
// connection: the account id, the capability to reach the parent, and
// a request-scoped secret. It is built on demand and never persisted.
type Handle struct {
	ID string

	bridge Caller
	secret string
}

func NewHandle(id string, bridge Caller) *Handle {
	return &Handle{
		ID:     id,
		bridge: bridge,
		secret: uuid.NewString(),
	}
}

// Metadata is what the parent knows about an account.
type Metadata struct {
	Account string `json:"account"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

// Envelope is the unit handed to the delivery queue: protocol-level
// addresses plus the reassembled raw message. Built once per message,
// immutable after that.
type Envelope struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Raw  []byte   `json:"raw"`
}

// QueueMeta is header-derived metadata shipped alongside the envelope.
type QueueMeta struct {
	MessageID string `json:"messageId,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// QueueResult is the parent's answer to a queueing call.
type QueueResult struct {
	MessageID string    `json:"messageId"`
	SendAt    time.Time `json:"sendAt"`
	QueueID   string    `json:"queueId"`
}

type loadRequest struct {
	Cmd     string `json:"cmd"`
	Account string `json:"account"`
	Secret  string `json:"secret"`
}

type queueRequest struct {
	Cmd      string     `json:"cmd"`
	Account  string     `json:"account"`
	Secret   string     `json:"secret"`
	Envelope *Envelope  `json:"envelope"`
	Meta     *QueueMeta `json:"meta,omitempty"`
}

// Load fetches the account's metadata from the parent. A missing
// account fails with a *bridge.Error carrying CodeAccountNotFound.
func (h *Handle) Load(ctx context.Context) (*Metadata, error) {
	raw, err := h.bridge.Call(ctx, loadRequest{Cmd: "loadAccount", Account: h.ID, Secret: h.secret}, 0)
	if err != nil {
		return nil, err
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, errors.WithMessage(err, "Unmarshal")
	}

	return &md, nil
}

// Queue submits the envelope for delivery through the parent's durable
// queue and returns its id and scheduled send time.
func (h *Handle) Queue(ctx context.Context, env *Envelope, meta *QueueMeta) (*QueueResult, error) {
	raw, err := h.bridge.Call(ctx, queueRequest{
		Cmd:      "queueMessage",
		Account:  h.ID,
		Secret:   h.secret,
		Envelope: env,
		Meta:     meta,
	}, 0)
	if err != nil {
		return nil, err
	}

	var result QueueResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.WithMessage(err, "Unmarshal")
	}

	return &result, nil
}
