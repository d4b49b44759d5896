package settings

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakeCaller answers settings calls from a fixed map, like the parent
// process does over the bridge.
type fakeCaller struct {
	values map[string]interface{}
}

func (f *fakeCaller) Call(ctx context.Context, message interface{}, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	var req getRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return json.Marshal(getResponse{Value: f.values[req.Key]})
}

func TestGet(t *testing.T) {
	c := NewClient(&fakeCaller{values: map[string]interface{}{
		KeyHost:        "127.0.0.1",
		KeyPort:        float64(2525),
		KeyAuthEnabled: true,
	}})

	ctx := context.Background()

	v, err := c.Get(ctx, KeyHost)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if v != "127.0.0.1" {
		t.Fatalf("expected '127.0.0.1', got '%s'", v)
	}

	if _, err := c.Get(ctx, KeyPassword); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTypedHelpers(t *testing.T) {
	c := NewClient(&fakeCaller{values: map[string]interface{}{
		KeyAuthEnabled: true,
		KeyPort:        float64(587),
	}})

	ctx := context.Background()

	if !Bool(ctx, c, KeyAuthEnabled, false) {
		t.Fatal("expected auth enabled")
	}
	if Bool(ctx, c, KeyProxyEnabled, false) {
		t.Fatal("expected proxy default false")
	}
	if got := Int(ctx, c, KeyPort, 2525); got != 587 {
		t.Fatalf("expected 587, got %d", got)
	}
	if got := Int(ctx, c, "missing", 2525); got != 2525 {
		t.Fatalf("expected default 2525, got %d", got)
	}
	if got := String(ctx, c, KeyHost, "0.0.0.0"); got != "0.0.0.0" {
		t.Fatalf("expected default host, got '%s'", got)
	}
}
