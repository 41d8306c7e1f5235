package attendance

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"qrattend/internal/queue"
)

// Store is satisfied by Repository and Memory.
type Store interface {
	MarkPresent(ctx context.Context, req MarkRequest) (Record, error)
	Get(ctx context.Context, userID, courseID, date string) (*Record, error)
}

// maxAttempts bounds redelivery of a failing reconcile job.
const maxAttempts = 5

// Reconciler replays attendance upserts that failed during check-in.
type Reconciler struct {
	store Store
	q     queue.Queue
	log   *zap.Logger
}

// NewReconciler wires a reconciler to its ledger and queue.
func NewReconciler(store Store, q queue.Queue, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, q: q, log: log}
}

// Enqueue schedules req for a later upsert.
func (r *Reconciler) Enqueue(ctx context.Context, req MarkRequest) error {
	return r.publish(ctx, req, 0)
}

func (r *Reconciler) publish(ctx context.Context, req MarkRequest, attempt int) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode reconcile job: %w", err)
	}
	return r.q.Publish(ctx, queue.Message{Type: queue.TypeAttendanceReconcile, Body: body, Attempt: attempt})
}

// Handle applies one queued job. Failures are re-published until maxAttempts is reached.
func (r *Reconciler) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeAttendanceReconcile {
		return nil
	}
	var req MarkRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		r.log.Error("dropping undecodable reconcile job", zap.Error(err))
		return err
	}
	rec, err := r.store.MarkPresent(ctx, req)
	if err != nil {
		next := msg.Attempt + 1
		if next >= maxAttempts {
			r.log.Error("attendance reconcile gave up",
				zap.String("user_id", req.UserID),
				zap.String("course_id", req.CourseID),
				zap.String("date", req.Date),
				zap.Int("attempts", next),
				zap.Error(err))
			return err
		}
		if perr := r.publish(ctx, req, next); perr != nil {
			r.log.Error("requeue reconcile job failed", zap.Error(perr))
		}
		return err
	}
	r.log.Info("attendance reconciled",
		zap.String("attendance_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("course_id", rec.CourseID),
		zap.String("date", rec.Date))
	return nil
}

// Run consumes jobs until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	msgs, err := r.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	for msg := range msgs {
		_ = r.Handle(ctx, msg)
	}
	return nil
}
