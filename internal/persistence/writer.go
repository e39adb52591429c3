package persistence

import (
	"context"
	"log/slog"

	"github.com/crypto-trading/funding/internal/domain"
)

type WriteType int

const (
	WriteTypeExecutionResult WriteType = iota
	WriteTypeFundingPayment
	WriteTypeSnapshot
)

type WriteRequest struct {
	Type     WriteType
	Result   domain.ExecutionResult
	Payment  domain.FundingPayment
	Snapshot domain.StrategyPerformance
}

// AsyncWriter decouples the hot path from disk and network. Execution
// results ride a never-dropped channel because losing them makes
// reconciliation impossible; everything else is best-effort.
type AsyncWriter struct {
	writeCh  chan WriteRequest
	resultCh chan WriteRequest
	sqlite   *SQLiteStore
	postgres *PostgresStore
	logger   *slog.Logger
	done     chan struct{}
}

func NewAsyncWriter(sqlite *SQLiteStore, postgres *PostgresStore, bufferSize int, logger *slog.Logger) *AsyncWriter {
	return &AsyncWriter{
		writeCh:  make(chan WriteRequest, bufferSize),
		resultCh: make(chan WriteRequest, 100),
		sqlite:   sqlite,
		postgres: postgres,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (w *AsyncWriter) Write(req WriteRequest) {
	if req.Type == WriteTypeExecutionResult {
		w.resultCh <- req
		return
	}

	select {
	case w.writeCh <- req:
	default:
		w.logger.Warn("write channel full, dropping non-critical write",
			"type", req.Type)
	}
}

func (w *AsyncWriter) Run() {
	go w.process(w.writeCh)
	go w.process(w.resultCh)
}

func (w *AsyncWriter) process(ch chan WriteRequest) {
	for req := range ch {
		w.handleWrite(req)
	}
}

func (w *AsyncWriter) handleWrite(req WriteRequest) {
	ctx := context.Background()

	switch req.Type {
	case WriteTypeExecutionResult:
		if w.sqlite != nil {
			if err := w.sqlite.WriteExecutionResult(req.Result); err != nil {
				w.logger.Error("failed to write execution result", "error", err)
			}
		}
		if err := w.postgres.WriteExecutionResult(ctx, req.Result); err != nil {
			w.logger.Error("failed to cold-store execution result", "error", err)
		}
	case WriteTypeFundingPayment:
		if w.sqlite != nil {
			if err := w.sqlite.WriteFundingPayment(req.Payment); err != nil {
				w.logger.Error("failed to write funding payment", "error", err)
			}
		}
		if err := w.postgres.WriteFundingPayment(ctx, req.Payment); err != nil {
			w.logger.Error("failed to cold-store funding payment", "error", err)
		}
	case WriteTypeSnapshot:
		if w.sqlite != nil {
			if err := w.sqlite.WriteStrategySnapshot(req.Snapshot); err != nil {
				w.logger.Error("failed to write strategy snapshot", "error", err)
			}
		}
		if err := w.postgres.WriteStrategySnapshot(ctx, req.Snapshot); err != nil {
			w.logger.Error("failed to cold-store strategy snapshot", "error", err)
		}
	default:
		w.logger.Warn("unknown write type", "type", req.Type)
	}
}

func (w *AsyncWriter) Stop() {
	close(w.writeCh)
	close(w.resultCh)
	close(w.done)
}
