package queue

import (
	"context"
	"sync"
	"time"
)

// fakeTransport is an in-memory stand-in for Queue's Redis Streams
// transport: a FIFO per stream (a message leaves it when read) plus the set
// of acked delivery ids, so tests can assert on worker behavior without
// depending on miniredis's Streams command coverage. Trim is a no-op.
type fakeTransport struct {
	mu       sync.Mutex
	streams  map[string][]*streamMessage
	acked    map[string]bool
	nextID   int
	depthErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		streams: make(map[string][]*streamMessage),
		acked:   make(map[string]bool),
	}
}

func (f *fakeTransport) EnsureGroup(ctx context.Context, stream, group string) error { return nil }

func (f *fakeTransport) push(stream string, job DecodedJob, payload []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	deliveryID := itoa(f.nextID)
	f.streams[stream] = append(f.streams[stream], &streamMessage{
		deliveryID: deliveryID,
		job:        job,
		payload:    payload,
	})
	return deliveryID
}

func (f *fakeTransport) ReadNext(ctx context.Context, stream, group, consumer string, block time.Duration) (*streamMessage, error) {
	f.mu.Lock()
	q := f.streams[stream]
	if len(q) == 0 {
		f.mu.Unlock()
		// Mimics the real transport's XREADGROUP BLOCK wait so an empty
		// queue doesn't spin the worker loop hot.
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, ErrNoJobsAvailable
	}
	msg := q[0]
	f.streams[stream] = q[1:]
	f.mu.Unlock()
	return msg, nil
}

func (f *fakeTransport) ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]*streamMessage, error) {
	return nil, nil
}

func (f *fakeTransport) Requeue(ctx context.Context, jobType string, job DecodedJob, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job.Attempt++
	f.streams[StreamKey(jobType)] = append(f.streams[StreamKey(jobType)], &streamMessage{
		deliveryID: itoa(f.nextID),
		job:        job,
		payload:    payload,
	})
	return nil
}

func (f *fakeTransport) Ack(ctx context.Context, stream, group, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[deliveryID] = true
	return nil
}

func (f *fakeTransport) Trim(ctx context.Context, stream string, maxLen int64) error { return nil }

func (f *fakeTransport) Depth(ctx context.Context, stream string) (int64, error) {
	if f.depthErr != nil {
		return 0, f.depthErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.streams[stream])), nil
}

func (f *fakeTransport) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeTransport) queueLen(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[stream])
}

func itoa(n int) string {
	digits := []byte{}
	if n == 0 {
		return "0"
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
