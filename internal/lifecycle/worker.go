// Package lifecycle runs the asynchronous memory extraction worker:
// one model call per user turn that rewrites the user's memory set,
// followed by deterministic reconciliation and expiration.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/plannerly/engram/internal/capability"
	"github.com/plannerly/engram/internal/conversation"
	"github.com/plannerly/engram/internal/llm"
	"github.com/plannerly/engram/internal/memory"
	"github.com/plannerly/engram/internal/notify"
)

// DefaultContextTurns is how many recent turns feed the extraction call.
const DefaultContextTurns = 20

// Job asks the worker to re-extract memories for one conversation.
type Job struct {
	UserID         string
	ConversationID string
}

// PlanSource exposes the durable entities memories may reference as
// foreign keys. Nil is valid when no provider is wired.
type PlanSource interface {
	ActivePlanIDs(ctx context.Context, userID string) ([]string, error)
}

// Worker consumes jobs from an in-process FIFO queue. At most one
// extraction runs at a time per process; two concurrent reconciliations
// would race on the same user's memory set.
type Worker struct {
	client        llm.Client
	model         string
	conversations *conversation.Store
	memories      *memory.Store
	invocations   *capability.InvocationStore
	plans         PlanSource
	notifier      *notify.Bus
	expireCfg     memory.ExpireConfig
	contextTurns  int
	logger        *slog.Logger

	mu       sync.Mutex
	queue    []Job
	draining bool
	wg       sync.WaitGroup
}

// NewWorker wires the worker. invocations, plans, and notifier may be
// nil; the corresponding steps are skipped.
func NewWorker(client llm.Client, model string, conversations *conversation.Store,
	memories *memory.Store, invocations *capability.InvocationStore,
	plans PlanSource, notifier *notify.Bus, expireCfg memory.ExpireConfig,
	contextTurns int, logger *slog.Logger) *Worker {
	if contextTurns <= 0 {
		contextTurns = DefaultContextTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		client:        client,
		model:         model,
		conversations: conversations,
		memories:      memories,
		invocations:   invocations,
		plans:         plans,
		notifier:      notifier,
		expireCfg:     expireCfg,
		contextTurns:  contextTurns,
		logger:        logger.With("component", "lifecycle"),
	}
}

// Enqueue appends a job and starts the drain goroutine if idle.
func (w *Worker) Enqueue(job Job) {
	w.mu.Lock()
	w.queue = append(w.queue, job)
	w.wg.Add(1)
	if !w.draining {
		w.draining = true
		go w.drain()
	}
	w.mu.Unlock()
}

// Wait blocks until every enqueued job has been processed. Test hook.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// drain processes queued jobs one at a time. Job failures are logged
// and swallowed; the drain loop must survive to serve the rest of the
// queue.
func (w *Worker) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.draining = false
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if err := w.runJob(context.Background(), job); err != nil {
			w.logger.Error("extraction job failed",
				"user_id", job.UserID,
				"conversation_id", job.ConversationID,
				"error", err,
			)
		}
		w.wg.Done()
	}
}

func (w *Worker) runJob(ctx context.Context, job Job) error {
	var (
		turns   []*conversation.Turn
		actives []*memory.Memory
		planIDs []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		turns, err = w.conversations.LastTurns(gctx, job.ConversationID, w.contextTurns)
		return err
	})
	g.Go(func() error {
		var err error
		actives, err = w.memories.FindActive(gctx, job.UserID)
		return err
	})
	g.Go(func() error {
		if w.plans == nil {
			return nil
		}
		var err error
		planIDs, err = w.plans.ActivePlanIDs(gctx, job.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	transcript, err := w.renderTranscript(ctx, turns)
	if err != nil {
		return err
	}

	extracted, err := w.extract(ctx, transcript, actives, planIDs)
	if err != nil {
		return fmt.Errorf("extraction call: %w", err)
	}

	result, err := w.reconcile(ctx, job, actives, extracted)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	expired, err := w.memories.Expire(ctx, job.UserID, w.expireCfg)
	if err != nil {
		return fmt.Errorf("expire: %w", err)
	}

	// Fire-and-forget; a missed notification never fails the job.
	w.notifier.Publish(job.UserID, notify.KindMemoriesChanged, map[string]any{
		"created": result.Created,
		"updated": result.Updated,
		"removed": result.Removed,
		"expired": expired.Count,
	})

	w.logger.Info("extraction complete",
		"user_id", job.UserID,
		"conversation_id", job.ConversationID,
		"created", result.Created,
		"updated", result.Updated,
		"consolidated", result.Consolidated,
		"removed", result.Removed,
		"expired", expired.Count,
	)
	return nil
}

// renderTranscript formats the turn window for the model. Assistant
// turns with completed capability invocations get their outputs spliced
// in; the model must see what tools actually returned, not just the
// prose summary.
func (w *Worker) renderTranscript(ctx context.Context, turns []*conversation.Turn) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		if t.Role != conversation.RoleAssistant || t.CorrelationID == "" || w.invocations == nil {
			continue
		}
		invs, err := w.invocations.CompletedByCorrelation(ctx, t.CorrelationID)
		if err != nil {
			return "", fmt.Errorf("load invocations: %w", err)
		}
		for _, inv := range invs {
			fmt.Fprintf(&b, "  [tool %s returned: %s]\n", inv.Capability, inv.Output)
		}
	}
	return b.String(), nil
}
