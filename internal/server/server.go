// Package server exposes the REST API. Handlers are thin glue: decode,
// call the store or the core packages, encode. No business logic lives
// here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hydrogen602/ElectronicsInventorySystem/internal/bomparse"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/database"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/eventbus"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/feasibility"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/match"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/models"
)

// maxUploadBytes bounds design-export uploads. Gerber bundles for large
// boards run a few megabytes; 64 MiB leaves headroom.
const maxUploadBytes = 64 << 20

// Store is everything the handlers need from the persistence layer.
// *database.DB satisfies it; tests use an in-memory fake.
type Store interface {
	ListItems(ctx context.Context) ([]models.InventoryItem, error)
	GetItem(ctx context.Context, id string) (models.InventoryItem, error)
	CreateItem(ctx context.Context, item models.NewInventoryItem) (string, error)
	DeleteItem(ctx context.Context, id string) error
	SetQuantity(ctx context.Context, id string, quantity int) error
	SetComments(ctx context.Context, id string, comments string) error
	AddSlot(ctx context.Context, id string, slotID int) error
	RemoveSlot(ctx context.Context, id string, slotID int) error
	GetSlot(ctx context.Context, slotID int) ([]models.InventoryItem, error)
	StockLevels(ctx context.Context, ids []string) (map[string]int, error)

	ListBoms(ctx context.Context) ([]models.Bom, error)
	GetBom(ctx context.Context, id string) (models.Bom, error)
	CreateBom(ctx context.Context, bom models.Bom) (string, error)
	UpdateBom(ctx context.Context, id string, bom models.Bom) error
	DeleteBom(ctx context.Context, id string) error
}

type Server struct {
	store   Store
	bus     eventbus.Publisher
	matcher *match.Matcher
}

func New(store Store, bus eventbus.Publisher) *Server {
	return &Server{
		store:   store,
		bus:     bus,
		matcher: match.New(store),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/items", s.listItems)
	mux.HandleFunc("POST /api/items", s.createItem)
	mux.HandleFunc("GET /api/items/{id}", s.getItem)
	mux.HandleFunc("DELETE /api/items/{id}", s.deleteItem)
	mux.HandleFunc("POST /api/items/{id}/quantity", s.setQuantity)
	mux.HandleFunc("POST /api/items/{id}/comments", s.setComments)
	mux.HandleFunc("PUT /api/items/{id}/slots/{slotId}", s.addSlot)
	mux.HandleFunc("DELETE /api/items/{id}/slots/{slotId}", s.removeSlot)
	mux.HandleFunc("POST /api/items/refresh-details", s.refreshDetails)
	mux.HandleFunc("GET /api/slots/{slotId}", s.getSlot)
	mux.HandleFunc("GET /api/search", s.search)
	mux.HandleFunc("POST /api/match", s.matchEntry)

	mux.HandleFunc("GET /api/boms", s.listBoms)
	mux.HandleFunc("POST /api/boms", s.createBom)
	mux.HandleFunc("POST /api/boms/parse", s.parseBomArchive)
	mux.HandleFunc("GET /api/boms/{id}", s.getBom)
	mux.HandleFunc("PUT /api/boms/{id}", s.updateBom)
	mux.HandleFunc("DELETE /api/boms/{id}", s.deleteBom)
	mux.HandleFunc("GET /api/boms/{id}/feasibility", s.bomFeasibility)

	return mux
}

// --- Inventory handlers ---

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListItems(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	var item models.NewInventoryItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if item.AvailableQuantity < 0 {
		http.Error(w, "availableQuantity must not be negative", http.StatusBadRequest)
		return
	}
	for _, slot := range item.SlotIDs {
		if !models.ValidSlotID(slot) {
			http.Error(w, "slot id out of range", http.StatusBadRequest)
			return
		}
	}

	id, err := s.store.CreateItem(r.Context(), item)
	if err != nil {
		s.fail(w, err)
		return
	}
	created, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteItem(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setQuantity(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Quantity < 0 {
		http.Error(w, "quantity must not be negative", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.store.SetQuantity(r.Context(), id, payload.Quantity); err != nil {
		s.fail(w, err)
		return
	}

	s.publish(r.Context(), eventbus.RoutingKeyStockChanged, models.StockChangedEvent{
		EventID:   uuid.New().String(),
		ItemID:    id,
		Quantity:  payload.Quantity,
		Timestamp: time.Now(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setComments(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Comments string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.store.SetComments(r.Context(), r.PathValue("id"), payload.Comments); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addSlot(w http.ResponseWriter, r *http.Request) {
	s.changeSlot(w, r, true)
}

func (s *Server) removeSlot(w http.ResponseWriter, r *http.Request) {
	s.changeSlot(w, r, false)
}

func (s *Server) changeSlot(w http.ResponseWriter, r *http.Request, add bool) {
	slotID, err := strconv.Atoi(r.PathValue("slotId"))
	if err != nil || !models.ValidSlotID(slotID) {
		http.Error(w, "invalid slot id", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if add {
		err = s.store.AddSlot(r.Context(), id, slotID)
	} else {
		err = s.store.RemoveSlot(r.Context(), id, slotID)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	s.publish(r.Context(), eventbus.RoutingKeySlotChanged, models.SlotChangedEvent{
		EventID:   uuid.New().String(),
		ItemID:    id,
		SlotID:    slotID,
		Added:     add,
		Timestamp: time.Now(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSlot(w http.ResponseWriter, r *http.Request) {
	slotID, err := strconv.Atoi(r.PathValue("slotId"))
	if err != nil || !models.ValidSlotID(slotID) {
		http.Error(w, "invalid slot id", http.StatusBadRequest)
		return
	}
	items, err := s.store.GetSlot(r.Context(), slotID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// refreshDetails publishes a fire-and-forget refresh request for the given
// item ids, or for the whole catalog when the body is empty. The vendor
// worker answers asynchronously on the incoming queue.
func (s *Server) refreshDetails(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ItemIDs []string `json:"itemIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if len(payload.ItemIDs) == 0 {
		items, err := s.store.ListItems(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		for _, item := range items {
			payload.ItemIDs = append(payload.ItemIDs, item.ID)
		}
	}

	event := models.DetailsRefreshRequestedEvent{
		EventID:   uuid.New().String(),
		ItemIDs:   payload.ItemIDs,
		Timestamp: time.Now(),
	}
	if err := s.bus.PublishMessage(r.Context(), eventbus.RoutingKeyDetailsRefresh, event); err != nil {
		log.Error().Err(err).Msg("Failed to publish details refresh request")
		http.Error(w, "failed to request refresh", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"requested": len(payload.ItemIDs)})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	items, err := s.matcher.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []models.InventoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) matchEntry(w http.ResponseWriter, r *http.Request) {
	var entry models.BomEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	candidates, err := s.matcher.Match(r.Context(), entry, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if candidates == nil {
		candidates = []models.InventoryItem{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

// --- BOM handlers ---

func (s *Server) listBoms(w http.ResponseWriter, r *http.Request) {
	boms, err := s.store.ListBoms(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, boms)
}

func (s *Server) getBom(w http.ResponseWriter, r *http.Request) {
	bom, err := s.store.GetBom(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bom)
}

func (s *Server) createBom(w http.ResponseWriter, r *http.Request) {
	var bom models.Bom
	if err := json.NewDecoder(r.Body).Decode(&bom); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	id, err := s.store.CreateBom(r.Context(), bom)
	if err != nil {
		s.fail(w, err)
		return
	}
	created, err := s.store.GetBom(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateBom(w http.ResponseWriter, r *http.Request) {
	var bom models.Bom
	if err := json.NewDecoder(r.Body).Decode(&bom); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if bom.ID != "" && bom.ID != id {
		http.Error(w, "BOM id in path does not match BOM id in body", http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateBom(r.Context(), id, bom); err != nil {
		s.fail(w, err)
		return
	}
	updated, err := s.store.GetBom(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteBom(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteBom(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseBomArchive turns an uploaded design export into an unsaved BOM.
// Persisting is a separate POST /api/boms call, so a failed parse leaves
// nothing behind.
func (s *Server) parseBomArchive(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("src")
	if src == "" {
		http.Error(w, "missing src query parameter", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart upload", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	archive, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	bom, err := bomparse.ParseArchive(archive, bomparse.Source(src))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bom)
}

// bomFeasibility joins the BOM rows with live stock levels and reports the
// buildable units per entry and overall.
func (s *Server) bomFeasibility(w http.ResponseWriter, r *http.Request) {
	bom, err := s.store.GetBom(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}

	idSet := make(map[string]struct{})
	for _, row := range bom.Rows {
		for _, itemID := range row.InventoryItemMappingIDs {
			idSet[itemID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(idSet))
	for itemID := range idSet {
		ids = append(ids, itemID)
	}

	stock, err := s.store.StockLevels(r.Context(), ids)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, feasibility.Compute(bom.Rows, stock))
}

// --- helpers ---

// publish emits a domain event without failing the request; the mutation
// already happened, and these events are advisory.
func (s *Server) publish(ctx context.Context, routingKey string, payload interface{}) {
	if err := s.bus.PublishMessage(ctx, routingKey, payload); err != nil {
		log.Warn().Err(err).Str("routingKey", routingKey).Msg("Failed to publish domain event")
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, bomparse.ErrUnsupportedFormat),
		errors.Is(err, bomparse.ErrMalformedArchive),
		errors.Is(err, bomparse.ErrMalformedBom):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, match.ErrLookupFailed):
		log.Error().Err(err).Msg("Inventory catalog unreachable")
		http.Error(w, "inventory catalog unreachable", http.StatusBadGateway)
	default:
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
