package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Keys consumed from the parent's settings store.
const (
	KeyPassword     = "submission-password"
	KeyAuthEnabled  = "submission-auth-enabled"
	KeyProxyEnabled = "submission-proxy-enabled"
	KeyPort         = "submission-port"
	KeyHost         = "submission-host"
)

var ErrNotFound = errors.New("setting not found")

// Store reads runtime-toggleable configuration. Implemented by Client
// over the rpc bridge; tests swap in a map.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// Caller is the slice of the rpc bridge the settings client needs.
type Caller interface {
	Call(ctx context.Context, message interface{}, timeout time.Duration) (json.RawMessage, error)
}

type Client struct {
	bridge Caller
}

func NewClient(bridge Caller) *Client {
	return &Client{bridge: bridge}
}

type getRequest struct {
	Cmd string `json:"cmd"`
	Key string `json:"key"`
}

type getResponse struct {
	Value interface{} `json:"value"`
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	raw, err := c.bridge.Call(ctx, getRequest{Cmd: "settings", Key: key}, 0)
	if err != nil {
		return "", errors.WithMessagef(err, "settings '%s'", key)
	}

	if len(raw) == 0 {
		return "", ErrNotFound
	}

	var resp getResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errors.WithMessagef(err, "settings '%s'", key)
	}

	if resp.Value == nil {
		return "", ErrNotFound
	}

	return fmt.Sprintf("%v", resp.Value), nil
}

// Bool reads key as a boolean, falling back to def when the key is
// absent or unreadable.
func Bool(ctx context.Context, s Store, key string, def bool) bool {
	v, err := s.Get(ctx, key)
	if err != nil {
		logMiss(key, err)
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("settings - '%s': bad boolean '%s'", key, v)
		return def
	}
	return b
}

func Int(ctx context.Context, s Store, key string, def int) int {
	v, err := s.Get(ctx, key)
	if err != nil {
		logMiss(key, err)
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("settings - '%s': bad integer '%s'", key, v)
		return def
	}
	return n
}

func String(ctx context.Context, s Store, key, def string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		logMiss(key, err)
		return def
	}
	return v
}

func logMiss(key string, err error) {
	if errors.Is(err, ErrNotFound) {
		return
	}
	log.Printf("settings - '%s': %s", key, err)
}
