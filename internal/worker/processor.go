package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"feedsync/internal/models"
	"feedsync/internal/telemetry"
)

// ErrUnknownJobType is returned for jobs with no registered handler.
var ErrUnknownJobType = errors.New("no handler registered for job type")

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job) error

// Processor routes jobs to handlers by type.
type Processor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
}

func NewProcessor(logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{handlers: make(map[string]Handler), log: logger}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.mu.Lock()
	p.handlers[jobType] = handler
	p.mu.Unlock()
}

// Execute runs the job's handler. Unknown types are logged and counted and
// not retried; a handler panic is reported as an error.
func (p *Processor) Execute(ctx context.Context, job models.Job) (err error) {
	p.mu.RLock()
	handler, ok := p.handlers[job.Type]
	p.mu.RUnlock()
	if !ok {
		telemetry.WorkerUnknownType.Inc()
		p.log.Warn("no handler for job type", zap.String("type", job.Type), zap.String("outbox_id", job.OutboxID))
		return fmt.Errorf("%w %q", ErrUnknownJobType, job.Type)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			telemetry.WorkerFailures.Inc()
			return
		}
		telemetry.WorkerSuccess.Inc()
		p.log.Debug("job completed", zap.String("type", job.Type), zap.String("outbox_id", job.OutboxID),
			zap.Duration("took", time.Since(start)))
	}()
	return handler(ctx, job)
}
