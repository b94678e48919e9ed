package service

import (
	"context"

	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/pkg/logger"
)

// ContactGateway wraps the external contact store and feeds the mutation
// events produced by automation steps back into the trigger dispatcher, so
// rules that react to each other's tags keep working under the hop bound.
type ContactGateway struct {
	store      domain.ContactStore
	dispatcher *TriggerDispatcher
	logger     logger.Logger
}

// NewContactGateway creates a new ContactGateway
func NewContactGateway(store domain.ContactStore, dispatcher *TriggerDispatcher, log logger.Logger) *ContactGateway {
	return &ContactGateway{
		store:      store,
		dispatcher: dispatcher,
		logger:     log,
	}
}

// GetContactByID returns the current contact snapshot
func (g *ContactGateway) GetContactByID(ctx context.Context, contactID string) (*domain.Contact, error) {
	return g.store.GetContactByID(ctx, contactID)
}

// ApplyTagMutation applies the command to the contact store and re-dispatches
// the resulting event. Dispatch problems (including a cut loop chain) are
// logged and never fail the mutation itself.
func (g *ContactGateway) ApplyTagMutation(ctx context.Context, cmd domain.TagMutationCommand) (*domain.Contact, error) {
	contact, err := g.store.ApplyTagMutation(ctx, cmd)
	if err != nil {
		return nil, err
	}

	event := &domain.TagMutationEvent{
		ContactID:   cmd.ContactID,
		Tag:         cmd.Tag,
		Kind:        cmd.Action.EventKind(),
		OriginToken: cmd.OriginToken,
		HopCount:    cmd.HopCount,
	}
	if err := g.dispatcher.OnTagMutation(ctx, event); err != nil {
		g.logger.WithFields(map[string]interface{}{
			"contact_id": cmd.ContactID,
			"tag":        cmd.Tag,
			"error":      err.Error(),
		}).Warn("Tag mutation applied but re-dispatch was refused")
	}

	return contact, nil
}
