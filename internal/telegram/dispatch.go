package telegram

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/beercup/cup-bot/internal/bot"
	"github.com/beercup/cup-bot/internal/obslog"
)

const perChatQueueSize = 16

// dispatcher preserves per-chat arrival order: every chat gets one worker
// draining a bounded queue. A chat flooding faster than its worker drains
// loses the overflow instead of stalling the poll loop.
type dispatcher struct {
	mu     sync.Mutex
	queues map[int64]chan bot.Inbound
	wg     sync.WaitGroup
	handle func(context.Context, bot.Inbound)
}

func newDispatcher(handle func(context.Context, bot.Inbound)) *dispatcher {
	return &dispatcher{
		queues: make(map[int64]chan bot.Inbound),
		handle: handle,
	}
}

func (d *dispatcher) enqueue(ctx context.Context, in bot.Inbound) {
	d.mu.Lock()
	q, ok := d.queues[in.TelegramID]
	if !ok {
		q = make(chan bot.Inbound, perChatQueueSize)
		d.queues[in.TelegramID] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for m := range q {
				d.handle(ctx, m)
			}
		}()
	}
	d.mu.Unlock()

	select {
	case q <- in:
	default:
		obslog.L().Warn("update_dropped", zap.Int64("chat_id", in.TelegramID))
	}
}

// close drains and stops all workers. No enqueue may follow.
func (d *dispatcher) close() {
	d.mu.Lock()
	for _, q := range d.queues {
		close(q)
	}
	d.queues = make(map[int64]chan bot.Inbound)
	d.mu.Unlock()
	d.wg.Wait()
}
