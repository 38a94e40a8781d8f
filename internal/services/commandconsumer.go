package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sensate-iot/authgw/internal/models"
)

// CommandTarget is the set of cache operations the control channel may
// trigger. MessageService implements it.
type CommandTarget interface {
	FlushSensor(id string)
	FlushUser(id string)
	FlushKey(key string)
	AddSensor(ctx context.Context, id string)
	AddUser(ctx context.Context, id string)
	AddKey(ctx context.Context, key string)
}

// CommandConsumer queues cache invalidation commands arriving out-of-band
// on the control topic. The queue is drained fully on every processing
// tick, after payload processing; a flush that raced a bulk reload is
// therefore re-applied after the reload and never lost.
type CommandConsumer struct {
	mu      sync.Mutex
	pending []models.Command
	logger  *slog.Logger
}

func NewCommandConsumer(logger *slog.Logger) *CommandConsumer {
	return &CommandConsumer{logger: logger}
}

// Add enqueues a command. Safe from any transport goroutine.
func (c *CommandConsumer) Add(cmd models.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, cmd)
}

// Execute drains the queue against the target.
func (c *CommandConsumer) Execute(ctx context.Context, target CommandTarget) {
	c.mu.Lock()
	commands := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cmd := range commands {
		switch cmd.Kind {
		case models.CommandFlushSensor:
			target.FlushSensor(cmd.Argument)
		case models.CommandFlushUser:
			target.FlushUser(cmd.Argument)
		case models.CommandFlushKey:
			target.FlushKey(cmd.Argument)
		case models.CommandAddSensor:
			target.AddSensor(ctx, cmd.Argument)
		case models.CommandAddUser:
			target.AddUser(ctx, cmd.Argument)
		case models.CommandAddKey:
			target.AddKey(ctx, cmd.Argument)
		default:
			c.logger.Warn("ignoring unknown command", "kind", cmd.Kind)
		}
	}
}
