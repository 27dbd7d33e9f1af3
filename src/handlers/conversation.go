package handlers

import (
	"context"
	"errors"

	"github.com/orchestra-mcp/realtime/src/router"
	"github.com/orchestra-mcp/realtime/src/store"
	"github.com/orchestra-mcp/realtime/src/types"
)

// ConversationHandler manages the item history of the session.
type ConversationHandler struct {
	base
	items store.ConversationStore
}

func (h *ConversationHandler) CreateItem(ctx context.Context, req router.Request, ev types.ItemCreateEvent) error {
	item := ev.Item
	if item.ID == "" {
		item.ID = types.NewID("item")
	}
	item.Object = "realtime.item"
	if item.Status == "" {
		item.Status = "completed"
	}
	item.CreatedAt = h.now().UTC()

	if err := h.items.Append(ctx, req.SessionID, item); err != nil {
		return storeError("failed to store item", err)
	}
	h.emit(ctx, types.TypeConversationItemCreated, itemCreated{PreviousItemID: ev.PreviousItemID, Item: item})
	return nil
}

func (h *ConversationHandler) TruncateItem(ctx context.Context, req router.Request, ev types.ItemTruncateEvent) error {
	removed, err := h.items.TruncateFrom(ctx, req.SessionID, ev.BeforeID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Errorf(types.CodeInvalidEvent, "item %s not found", ev.BeforeID).WithData("param", "before_id")
	}
	if err != nil {
		return storeError("failed to truncate conversation", err)
	}
	h.emit(ctx, types.TypeConversationItemTruncated, itemTruncated{BeforeID: ev.BeforeID, Removed: removed})
	return nil
}

func (h *ConversationHandler) DeleteItem(ctx context.Context, req router.Request, ev types.ItemDeleteEvent) error {
	err := h.items.Delete(ctx, req.SessionID, ev.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Errorf(types.CodeInvalidEvent, "item %s not found", ev.ItemID).WithData("param", "item_id")
	}
	if err != nil {
		return storeError("failed to delete item", err)
	}
	h.emit(ctx, types.TypeConversationItemDeleted, itemDeleted{ItemID: ev.ItemID})
	return nil
}

// Cleanup keeps the history; it outlives the connection with the session.
func (h *ConversationHandler) Cleanup(context.Context) error { return nil }
