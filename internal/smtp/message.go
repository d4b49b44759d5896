package smtp

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/ivicac/emailengine/internal/account"
)

// MaxMessageBytes is the accepted message size ceiling.
const MaxMessageBytes int64 = 20 << 20

// drainBuffer accumulates pipeline output up to max bytes. Past the
// ceiling it keeps counting but discards, and writes never fail, so
// the caller can drain its input to end-of-stream and answer in
// protocol order.
type drainBuffer struct {
	buf      bytes.Buffer
	n        int64
	max      int64
	exceeded bool
}

func newDrainBuffer(max int64) *drainBuffer {
	return &drainBuffer{max: max}
}

func (b *drainBuffer) Write(p []byte) (int, error) {
	b.n += int64(len(p))
	if !b.exceeded {
		if b.n > b.max {
			b.exceeded = true
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *drainBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// queueMeta pulls header-derived metadata out of the reassembled
// message for the queue request. A message that will not parse still
// queues, just without metadata.
func queueMeta(s *Session, raw []byte) *account.QueueMeta {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		log.Printf("%s - parse message headers: %s", s, err)
		return &account.QueueMeta{}
	}

	return &account.QueueMeta{
		MessageID: strings.Trim(env.GetHeader("Message-Id"), "<>"),
		Subject:   env.GetHeader("Subject"),
	}
}

// queuedResponse is the confirmation handed back for an accepted
// submission: the queue id plus the scheduled send time.
func queuedResponse(q *account.QueueResult) string {
	return fmt.Sprintf("queued as %s (sendAt %s)", q.QueueID, q.SendAt.UTC().Format(time.RFC3339))
}
