// Package processor applies product-detail updates coming back from the
// external parts-vendor worker. This service only triggers refreshes and
// stores the results; the vendor API itself is the worker's business.
package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/hydrogen602/ElectronicsInventorySystem/internal/database"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/eventbus"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/models"
)

// DetailsStore is the single-item update the processor needs.
type DetailsStore interface {
	SetProductDetails(ctx context.Context, id string, details models.ProductDetails) error
}

type Processor struct {
	store DetailsStore
}

func New(store DetailsStore) *Processor {
	return &Processor{store: store}
}

// MessageHandler consumes one inventory.details.updated event and persists
// the refreshed details. Malformed payloads and updates for items that no
// longer exist are permanent failures; anything else is transient and the
// message is retried.
func (p *Processor) MessageHandler(ctx context.Context, delivery amqp.Delivery) error {
	var event models.DetailsUpdatedEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal DetailsUpdatedEvent")
		return eventbus.ErrPermanentFailure
	}
	if event.ItemID == "" {
		log.Error().Str("eventId", event.EventID).Msg("DetailsUpdatedEvent without item id")
		return eventbus.ErrPermanentFailure
	}

	if err := p.store.SetProductDetails(ctx, event.ItemID, event.Details); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// The item was deleted between refresh request and response.
			log.Warn().Str("itemId", event.ItemID).Msg("Dropping details update for deleted item")
			return eventbus.ErrPermanentFailure
		}
		log.Error().Err(err).Str("itemId", event.ItemID).Msg("Failed to store product details. This is a transient error.")
		return err
	}

	log.Info().Str("itemId", event.ItemID).Str("eventId", event.EventID).Msg("Stored refreshed product details")
	return nil
}
