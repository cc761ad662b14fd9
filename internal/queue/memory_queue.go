package queue

import (
	"context"
	"time"
)

// MemoryQueue passes commands over a buffered channel. It backs tests and
// single-node runs where the API and worker share a process; receipts are
// moot because receiving is removal.
type MemoryQueue struct {
	ch chan StartCommand
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{ch: make(chan StartCommand, buffer)}
}

// PublishStart enqueues the command, blocking until there is room or ctx is
// done.
func (q *MemoryQueue) PublishStart(ctx context.Context, cmd StartCommand) error {
	cmd, err := prepareStart(cmd)
	if err != nil {
		return err
	}
	select {
	case q.ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveStarts blocks until a command arrives, ctx is done, or waitSeconds
// elapses (waitSeconds <= 0 waits indefinitely). After the first command it
// drains whatever else is immediately available, up to max.
func (q *MemoryQueue) ReceiveStarts(ctx context.Context, max, waitSeconds int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	var wait <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		wait = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wait:
		return nil, nil
	case cmd := <-q.ch:
		deliveries := []Delivery{{Command: cmd}}
		for len(deliveries) < max {
			select {
			case extra := <-q.ch:
				deliveries = append(deliveries, Delivery{Command: extra})
			default:
				return deliveries, nil
			}
		}
		return deliveries, nil
	}
}

// Ack is a no-op: a received command is already gone from the channel.
func (q *MemoryQueue) Ack(context.Context, Delivery) error {
	return nil
}
