package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hydrogen602/ElectronicsInventorySystem/internal/database"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/feasibility"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/models"
)

// memStore is a map-backed Store for handler tests.
type memStore struct {
	items  map[string]models.InventoryItem
	boms   map[string]models.Bom
	nextID int
}

func newMemStore() *memStore {
	return &memStore{
		items: make(map[string]models.InventoryItem),
		boms:  make(map[string]models.Bom),
	}
}

func (m *memStore) genID() string {
	m.nextID++
	return fmt.Sprintf("id-%03d", m.nextID)
}

func (m *memStore) ListItems(ctx context.Context) ([]models.InventoryItem, error) {
	out := make([]models.InventoryItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	return out, nil
}

func (m *memStore) GetItem(ctx context.Context, id string) (models.InventoryItem, error) {
	item, ok := m.items[id]
	if !ok {
		return models.InventoryItem{}, fmt.Errorf("item %s: %w", id, database.ErrNotFound)
	}
	return item, nil
}

func (m *memStore) CreateItem(ctx context.Context, item models.NewInventoryItem) (string, error) {
	id := m.genID()
	m.items[id] = models.InventoryItem{
		ID:                     id,
		ItemDescription:        item.ItemDescription,
		ManufacturerName:       item.ManufacturerName,
		ManufacturerPartNumber: item.ManufacturerPartNumber,
		VendorPartNumber:       item.VendorPartNumber,
		AvailableQuantity:      item.AvailableQuantity,
		Comments:               item.Comments,
		SlotIDs:                models.NormalizeSlotIDs(item.SlotIDs),
		ProductDetails:         item.ProductDetails,
		Orders:                 item.Orders,
	}
	return id, nil
}

func (m *memStore) DeleteItem(ctx context.Context, id string) error {
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("item %s: %w", id, database.ErrNotFound)
	}
	delete(m.items, id)
	return nil
}

func (m *memStore) SetQuantity(ctx context.Context, id string, quantity int) error {
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, database.ErrNotFound)
	}
	item.AvailableQuantity = quantity
	m.items[id] = item
	return nil
}

func (m *memStore) SetComments(ctx context.Context, id string, comments string) error {
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, database.ErrNotFound)
	}
	item.Comments = comments
	m.items[id] = item
	return nil
}

func (m *memStore) AddSlot(ctx context.Context, id string, slotID int) error {
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, database.ErrNotFound)
	}
	item.SlotIDs = models.NormalizeSlotIDs(append(item.SlotIDs, slotID))
	m.items[id] = item
	return nil
}

func (m *memStore) RemoveSlot(ctx context.Context, id string, slotID int) error {
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, database.ErrNotFound)
	}
	kept := item.SlotIDs[:0]
	for _, s := range item.SlotIDs {
		if s != slotID {
			kept = append(kept, s)
		}
	}
	item.SlotIDs = kept
	m.items[id] = item
	return nil
}

func (m *memStore) GetSlot(ctx context.Context, slotID int) ([]models.InventoryItem, error) {
	var out []models.InventoryItem
	for _, item := range m.items {
		for _, s := range item.SlotIDs {
			if s == slotID {
				out = append(out, item)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) StockLevels(ctx context.Context, ids []string) (map[string]int, error) {
	levels := make(map[string]int, len(ids))
	for _, id := range ids {
		if item, ok := m.items[id]; ok {
			levels[id] = item.AvailableQuantity
		}
	}
	return levels, nil
}

func (m *memStore) ListBoms(ctx context.Context) ([]models.Bom, error) {
	out := make([]models.Bom, 0, len(m.boms))
	for _, bom := range m.boms {
		out = append(out, bom)
	}
	return out, nil
}

func (m *memStore) GetBom(ctx context.Context, id string) (models.Bom, error) {
	bom, ok := m.boms[id]
	if !ok {
		return models.Bom{}, fmt.Errorf("BOM %s: %w", id, database.ErrNotFound)
	}
	return bom, nil
}

func (m *memStore) CreateBom(ctx context.Context, bom models.Bom) (string, error) {
	id := m.genID()
	bom.ID = id
	m.boms[id] = bom
	return id, nil
}

func (m *memStore) UpdateBom(ctx context.Context, id string, bom models.Bom) error {
	if _, ok := m.boms[id]; !ok {
		return fmt.Errorf("BOM %s: %w", id, database.ErrNotFound)
	}
	bom.ID = id
	m.boms[id] = bom
	return nil
}

func (m *memStore) DeleteBom(ctx context.Context, id string) error {
	if _, ok := m.boms[id]; !ok {
		return fmt.Errorf("BOM %s: %w", id, database.ErrNotFound)
	}
	delete(m.boms, id)
	return nil
}

// fakeBus records published events.
type fakeBus struct {
	published []string
	err       error
}

func (f *fakeBus) PublishMessage(ctx context.Context, routingKey string, payload interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, routingKey)
	return nil
}

func testServer() (*Server, *memStore, *fakeBus) {
	store := newMemStore()
	bus := &fakeBus{}
	return New(store, bus), store, bus
}

func TestBomFeasibilityEndpoint(t *testing.T) {
	srv, store, _ := testServer()

	idA, _ := store.CreateItem(context.Background(), models.NewInventoryItem{
		ItemDescription: "10k resistor", AvailableQuantity: 10,
	})
	idB, _ := store.CreateItem(context.Background(), models.NewInventoryItem{
		ItemDescription: "red LED", AvailableQuantity: 25,
	})
	bomID, _ := store.CreateBom(context.Background(), models.Bom{
		Project: models.EmptyProjectInfo(),
		Rows: []models.BomEntry{
			{Qty: 1, Device: "Resistor", InventoryItemMappingIDs: []string{idA}},
			{Qty: 4, Device: "LED", InventoryItemMappingIDs: []string{idB}},
			{Qty: 2, Device: "MCU"}, // unmapped
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/boms/"+bomID+"/feasibility", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var report feasibility.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if !report.Determined || report.MaxAssemblies != 6 {
		t.Errorf("MaxAssemblies = %d (determined %v), want 6", report.MaxAssemblies, report.Determined)
	}
	if len(report.Binding) != 1 || report.Binding[0] != 1 {
		t.Errorf("Binding = %v, want [1]", report.Binding)
	}
	if report.Entries[2].Determined {
		t.Error("unmapped row must be undetermined")
	}
}

func TestSetQuantityValidatesAndPublishes(t *testing.T) {
	srv, store, bus := testServer()
	id, _ := store.CreateItem(context.Background(), models.NewInventoryItem{ItemDescription: "cap"})

	req := httptest.NewRequest(http.MethodPost, "/api/items/"+id+"/quantity",
		strings.NewReader(`{"quantity": -5}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative quantity: status = %d, want 400", rec.Code)
	}
	if len(bus.published) != 0 {
		t.Error("no event should be published for rejected updates")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/items/"+id+"/quantity",
		strings.NewReader(`{"quantity": 75}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got, _ := store.GetItem(context.Background(), id); got.AvailableQuantity != 75 {
		t.Errorf("quantity = %d, want 75", got.AvailableQuantity)
	}
	if len(bus.published) != 1 || bus.published[0] != "inventory.stock.changed" {
		t.Errorf("published = %v, want one stock.changed event", bus.published)
	}
}

func TestSlotEndpoints(t *testing.T) {
	srv, store, _ := testServer()
	id, _ := store.CreateItem(context.Background(), models.NewInventoryItem{ItemDescription: "diode"})

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodPut, "/api/items/"+id+"/slots/10"); rec.Code != http.StatusNoContent {
		t.Fatalf("add slot: status = %d, want 204", rec.Code)
	}
	if rec := do(http.MethodPut, "/api/items/"+id+"/slots/999"); rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range slot: status = %d, want 400", rec.Code)
	}

	rec := do(http.MethodGet, "/api/slots/10")
	if rec.Code != http.StatusOK {
		t.Fatalf("get slot: status = %d, want 200", rec.Code)
	}
	var items []models.InventoryItem
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatalf("decoding slot listing: %v", err)
	}
	if len(items) != 1 || items[0].ID != id {
		t.Errorf("slot 10 listing = %v, want [%s]", items, id)
	}

	if rec := do(http.MethodDelete, "/api/items/"+id+"/slots/10"); rec.Code != http.StatusNoContent {
		t.Fatalf("remove slot: status = %d, want 204", rec.Code)
	}
	item, _ := store.GetItem(context.Background(), id)
	if len(item.SlotIDs) != 0 {
		t.Errorf("slots = %v, want empty", item.SlotIDs)
	}
}

func TestSearchEndpointEmptyQuery(t *testing.T) {
	srv, store, _ := testServer()
	store.CreateItem(context.Background(), models.NewInventoryItem{ItemDescription: "something"})

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var items []models.InventoryItem
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("empty query returned %d items, want 0", len(items))
	}
}

// uploadArchive builds a single-row Fusion partlist zip and posts it as a
// multipart upload to the parse endpoint.
func uploadArchive(t *testing.T, srv *Server, src string) *httptest.ResponseRecorder {
	t.Helper()

	header := []string{
		"Qty", "Value", "Device", "Package", "Parts", "Description",
		"CATEGORY", "MANUFACTURER", "MANUFACTURER_PART_NUMBER", "MPN",
	}
	row := []string{"1", "10k", "Resistor", "0402", "R1", "Chip resistor", "RES", "Yageo", "RC0402FR-0710KL", "RC0402FR-0710KL"}

	widths := make([]int, len(header))
	for i := range header {
		widths[i] = len(header[i])
		if len(row[i]) > widths[i] {
			widths[i] = len(row[i])
		}
	}
	pad := func(cells []string) string {
		var b strings.Builder
		for i, cell := range cells {
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-len(cell)+1))
			}
		}
		return b.String()
	}
	partlist := strings.Join([]string{
		"Partlist exported from Fusion Hub: https://example.com/x",
		"",
		pad(header),
		pad(row),
	}, "\n") + "\n"

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	f, err := zw.Create("CAMOutputs/Assembly/partlist.txt")
	if err != nil {
		t.Fatalf("creating zip entry: %v", err)
	}
	if _, err := f.Write([]byte(partlist)); err != nil {
		t.Fatalf("writing zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "export.zip")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := part.Write(zipBuf.Bytes()); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/boms/parse?src="+src, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestParseEndpoint(t *testing.T) {
	srv, _, _ := testServer()

	rec := uploadArchive(t, srv, "fusion360")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var bom models.Bom
	if err := json.NewDecoder(rec.Body).Decode(&bom); err != nil {
		t.Fatalf("decoding BOM: %v", err)
	}
	if bom.ID != "" {
		t.Error("parsed BOM must be unsaved (no id)")
	}
	if len(bom.Rows) != 1 || bom.Rows[0].Device != "Resistor" {
		t.Errorf("rows = %+v, want one resistor row", bom.Rows)
	}
}

func TestParseEndpointUnknownSource(t *testing.T) {
	srv, _, _ := testServer()

	if rec := uploadArchive(t, srv, "kicad"); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown src: status = %d, want 400", rec.Code)
	}
}

func TestUpdateBomIDMismatch(t *testing.T) {
	srv, store, _ := testServer()
	bomID, _ := store.CreateBom(context.Background(), models.Bom{Project: models.EmptyProjectInfo()})

	payload := `{"id": "other-id", "project": {"comments": ""}, "rows": []}`
	req := httptest.NewRequest(http.MethodPut, "/api/boms/"+bomID, strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetItemNotFound(t *testing.T) {
	srv, _, _ := testServer()

	req := httptest.NewRequest(http.MethodGet, "/api/items/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
