package pipeline

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/protocol"
)

// Dispatcher reads protocol messages and drives the engine.
type Dispatcher struct {
	engine       *Engine
	maxLineBytes int
	log          *zap.Logger
}

// NewDispatcher creates a dispatcher. maxLineBytes <= 0 uses the protocol
// default.
func NewDispatcher(engine *Engine, maxLineBytes int, log *zap.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, maxLineBytes: maxLineBytes, log: log.With(zap.String("component", "dispatcher"))}
}

// Run processes r until EOF, then flushes every stream and waits for all
// jobs. Any error aborts the engine; committed data and emitted checkpoints
// stay valid.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) error {
	start := time.Now()
	reader := protocol.NewReader(r, d.maxLineBytes)
	counts := make(map[protocol.MessageType]int)

	for {
		if err := ctx.Err(); err != nil {
			d.engine.Abort()
			return err
		}
		msg, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			d.engine.Abort()
			return err
		}
		counts[msg.Type]++
		if err := d.handle(ctx, msg); err != nil {
			d.log.Error("message failed", zap.Int("line", reader.Line()), zap.String("type", string(msg.Type)), zap.Error(err))
			d.engine.Abort()
			return err
		}
	}

	if err := d.engine.Close(ctx); err != nil {
		return err
	}
	d.log.Info("input processed",
		zap.Int("lines", reader.Line()),
		zap.Int("schemas", counts[protocol.TypeSchema]),
		zap.Int("records", counts[protocol.TypeRecord]),
		zap.Int("states", counts[protocol.TypeState]),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeSchema:
		return d.engine.OnSchema(ctx, msg.Stream, msg.Schema, msg.KeyProperties)
	case protocol.TypeRecord:
		return d.engine.OnRecord(ctx, msg.Stream, msg.Record, msg.TimeExtracted, msg.Version)
	case protocol.TypeState:
		return d.engine.OnCheckpoint(msg.Value)
	case protocol.TypeActivateVersion:
		return d.engine.OnActivateVersion(ctx, msg.Stream, *msg.Version)
	}
	return nil
}
