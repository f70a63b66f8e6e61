package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/BTreeMap/FrontDoor/internal/store"
)

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("StoreBasedStateManager.New: creating state manager")
	return &StoreBasedStateManager{store: st}
}

func (sm *StoreBasedStateManager) Load(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	if conversationID == "" {
		return nil, models.ErrEmptyConversationID
	}
	state, err := sm.store.GetConversationState(conversationID)
	if err != nil {
		slog.Error("StoreBasedStateManager.Load: store read failed", "conversationID", conversationID, "error", err)
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if state == nil {
		slog.Debug("StoreBasedStateManager.Load: no stored state, starting fresh", "conversationID", conversationID)
		return models.NewConversationState(conversationID), nil
	}
	state.ConversationID = conversationID
	state.Normalize()
	slog.Debug("StoreBasedStateManager.Load: state found", "conversationID", conversationID, "mode", state.Mode, "messages", len(state.Messages))
	return state, nil
}

func (sm *StoreBasedStateManager) Save(ctx context.Context, state *models.ConversationState) error {
	if state == nil {
		return errors.New("nil conversation state")
	}
	if state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	state.Normalize()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now()
	}
	if err := sm.store.SaveConversationState(state); err != nil {
		slog.Error("StoreBasedStateManager.Save: store write failed", "conversationID", state.ConversationID, "error", err)
		return fmt.Errorf("failed to save conversation %s: %w", state.ConversationID, err)
	}
	slog.Debug("StoreBasedStateManager.Save: state saved", "conversationID", state.ConversationID, "mode", state.Mode)
	return nil
}

func (sm *StoreBasedStateManager) Reset(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return models.ErrEmptyConversationID
	}
	if err := sm.store.DeleteConversationState(conversationID); err != nil {
		slog.Error("StoreBasedStateManager.Reset: store delete failed", "conversationID", conversationID, "error", err)
		return fmt.Errorf("failed to reset conversation %s: %w", conversationID, err)
	}
	slog.Info("StoreBasedStateManager.Reset: conversation reset", "conversationID", conversationID)
	return nil
}
