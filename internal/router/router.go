// Package router turns categorizations into folder moves and applies them.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/corey-beep/email-agent/internal/email"
	"github.com/corey-beep/email-agent/internal/storage"
	"github.com/corey-beep/email-agent/internal/task"
)

// Mover moves a message between mailbox folders
type Mover interface {
	MoveMessage(ctx context.Context, id, dest string) error
}

// Status is the lifecycle state of a MoveOperation
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// MoveOperation is one planned or executed folder move
type MoveOperation struct {
	MessageID         string `json:"message_id"`
	Key               string `json:"-"`
	SourceFolder      string `json:"source_folder"`
	DestinationFolder string `json:"destination_folder"`
	Category          string `json:"category"`
	Status            Status `json:"status"`
	NoOp              bool   `json:"no_op,omitempty"`
	Cause             error  `json:"-"`
	Error             string `json:"error,omitempty"`
}

// Executor plans and applies folder moves
type Executor struct {
	mover   Mover
	folders *FolderTable
	store   storage.Store
	logger  zerolog.Logger

	mu     sync.Mutex
	ledger map[string]string
}

// NewExecutor creates a new Executor. store may be nil.
func NewExecutor(mover Mover, folders *FolderTable, store storage.Store, logger zerolog.Logger) *Executor {
	return &Executor{
		mover:   mover,
		folders: folders,
		store:   store,
		logger:  logger.With().Str("component", "router").Logger(),
		ledger:  make(map[string]string),
	}
}

// Plan builds a pending move for each categorization, in the given order.
// Categorizations for messages not in msgs are ignored.
func (e *Executor) Plan(msgs []email.Message, cats []task.Categorization) []MoveOperation {
	byID := make(map[string]email.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	ops := make([]MoveOperation, 0, len(cats))
	for _, c := range cats {
		m, ok := byID[c.MessageID]
		if !ok {
			e.logger.Warn().Str("message_id", c.MessageID).Msg("Categorization for unknown message, skipping")
			continue
		}
		ops = append(ops, MoveOperation{
			MessageID:         m.ID,
			Key:               m.Key(),
			SourceFolder:      m.Folder,
			DestinationFolder: e.folders.Folder(c.Category),
			Category:          c.Category,
			Status:            StatusPending,
		})
	}
	return ops
}

// Apply executes every pending operation. Moves are independent: a failure
// is recorded on its operation and the remaining moves still run. Nothing is
// rolled back. Operations already applied or failed are returned unchanged.
func (e *Executor) Apply(ctx context.Context, ops []MoveOperation) []MoveOperation {
	out := make([]MoveOperation, len(ops))
	copy(out, ops)

	for i := range out {
		op := &out[i]
		if op.Status != StatusPending {
			continue
		}

		if e.alreadyThere(ctx, op) {
			op.Status = StatusApplied
			op.NoOp = true
			e.logger.Debug().
				Str("message_id", op.MessageID).
				Str("folder", op.DestinationFolder).
				Msg("Message already in destination folder")
			continue
		}

		if err := e.mover.MoveMessage(ctx, op.MessageID, op.DestinationFolder); err != nil {
			moveErr := &task.MailboxMoveError{MessageID: op.MessageID, Destination: op.DestinationFolder, Err: err}
			op.Status = StatusFailed
			op.Cause = moveErr
			op.Error = moveErr.Error()
			e.logger.Error().
				Err(err).
				Str("message_id", op.MessageID).
				Str("folder", op.DestinationFolder).
				Msg("Failed to move message")
			continue
		}

		op.Status = StatusApplied
		e.remember(ctx, op)
		e.logger.Info().
			Str("message_id", op.MessageID).
			Str("category", op.Category).
			Str("folder", op.DestinationFolder).
			Msg("Message moved")
	}

	return out
}

// alreadyThere reports whether op would not change anything
func (e *Executor) alreadyThere(ctx context.Context, op *MoveOperation) bool {
	if op.SourceFolder == op.DestinationFolder {
		return true
	}

	e.mu.Lock()
	dest, ok := e.ledger[op.Key]
	e.mu.Unlock()
	if ok {
		return dest == op.DestinationFolder
	}

	if e.store == nil {
		return false
	}
	dest, ok, err := e.store.MovedTo(ctx, op.Key)
	if err != nil {
		e.logger.Warn().Err(err).Str("message_id", op.MessageID).Msg("Failed to read move ledger")
		return false
	}
	return ok && dest == op.DestinationFolder
}

func (e *Executor) remember(ctx context.Context, op *MoveOperation) {
	e.mu.Lock()
	e.ledger[op.Key] = op.DestinationFolder
	e.mu.Unlock()

	if e.store == nil {
		return
	}
	err := e.store.RecordMove(ctx, &storage.Move{
		Key:         op.Key,
		Source:      op.SourceFolder,
		Destination: op.DestinationFolder,
		Category:    op.Category,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("message_id", op.MessageID).Msg("Failed to record move")
	}
}

// Summary counts operations by status
func Summary(ops []MoveOperation) map[Status]int {
	counts := map[Status]int{StatusPending: 0, StatusApplied: 0, StatusFailed: 0}
	for _, op := range ops {
		counts[op.Status]++
	}
	return counts
}
