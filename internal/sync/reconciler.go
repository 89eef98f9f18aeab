package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

const readMarkerPrefix = "read_marker:"

// Reconciler keeps per-conversation sync checkpoints in the store.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// SetReadMarker records the newest message the user has seen in a
// conversation.
func (r *Reconciler) SetReadMarker(ctx context.Context, conversationID, messageID string) error {
	if err := r.db.SetCheckpoint(ctx, readMarkerPrefix+conversationID, messageID); err != nil {
		return fmt.Errorf("set read marker for %s: %w", conversationID, err)
	}
	r.logger.Debug("read marker updated",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID))
	return nil
}

// ReadMarker returns the recorded read marker, or "" when none is set.
func (r *Reconciler) ReadMarker(ctx context.Context, conversationID string) (string, error) {
	return r.db.Checkpoint(ctx, readMarkerPrefix+conversationID)
}
