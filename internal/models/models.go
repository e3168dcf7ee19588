package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxSlotID bounds the physical storage location codes. Slots are labeled
// with two-digit hex stickers, so anything above 0xFF does not exist.
const MaxSlotID = 0xFF

// --- Inventory ---

// ProductDetails holds enrichment data fetched from the parts vendor.
type ProductDetails struct {
	ProductURL          *string  `json:"productUrl"`
	DatasheetURL        *string  `json:"datasheetUrl"`
	ImageURL            *string  `json:"imageUrl"`
	DetailedDescription *string  `json:"detailedDescription"`
	ProductWarnings     []string `json:"productWarnings"`
}

// OrderInfo is one historical purchase record attached to an item.
type OrderInfo struct {
	ProductDescription *string `json:"productDescription"`
	Quantity           int     `json:"quantity"`
	SalesOrderID       *int64  `json:"salesOrderId"`
	InvoiceID          *int64  `json:"invoiceId"`
	CountryOfOrigin    *string `json:"countryOfOrigin"`
	LotCode            *string `json:"lotCode"`
}

// ConflictsWith reports whether two purchase records cannot describe the
// same order. The description is not compared; it is too subjective.
func (o OrderInfo) ConflictsWith(other OrderInfo) bool {
	if o.Quantity != other.Quantity {
		return true
	}
	if bothSetAndDiffer64(o.SalesOrderID, other.SalesOrderID) {
		return true
	}
	if bothSetAndDiffer64(o.InvoiceID, other.InvoiceID) {
		return true
	}
	if bothSetAndDiffer(o.CountryOfOrigin, other.CountryOfOrigin) {
		return true
	}
	return bothSetAndDiffer(o.LotCode, other.LotCode)
}

// Merge combines two non-conflicting records, preferring fields set on o.
func (o OrderInfo) Merge(other OrderInfo) (OrderInfo, error) {
	if o.ConflictsWith(other) {
		return OrderInfo{}, fmt.Errorf("cannot merge conflicting order records")
	}
	return OrderInfo{
		ProductDescription: firstSet(o.ProductDescription, other.ProductDescription),
		Quantity:           o.Quantity,
		SalesOrderID:       firstSet64(o.SalesOrderID, other.SalesOrderID),
		InvoiceID:          firstSet64(o.InvoiceID, other.InvoiceID),
		CountryOfOrigin:    firstSet(o.CountryOfOrigin, other.CountryOfOrigin),
		LotCode:            firstSet(o.LotCode, other.LotCode),
	}, nil
}

func bothSetAndDiffer(a, b *string) bool {
	return a != nil && b != nil && *a != *b
}

func bothSetAndDiffer64(a, b *int64) bool {
	return a != nil && b != nil && *a != *b
}

func firstSet(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

func firstSet64(a, b *int64) *int64 {
	if a != nil {
		return a
	}
	return b
}

// InventoryItem is one stocked part type. Quantity and slot assignments are
// mutated through the single-item update operations on the store, never by
// replacing the whole document from a stale read.
type InventoryItem struct {
	ID                     string          `json:"id"`
	ItemDescription        string          `json:"itemDescription"`
	ManufacturerName       string          `json:"manufacturerName"`
	ManufacturerPartNumber string          `json:"manufacturerPartNumber"`
	VendorPartNumber       *string         `json:"vendorPartNumber"`
	AvailableQuantity      int             `json:"availableQuantity"`
	Comments               string          `json:"comments"`
	SlotIDs                []int           `json:"slotIds"`
	ProductDetails         *ProductDetails `json:"productDetails"`
	Orders                 []OrderInfo     `json:"orders"`
}

// NewInventoryItem describes an item not yet in the catalog, so it has no ID.
type NewInventoryItem struct {
	ItemDescription        string          `json:"itemDescription"`
	ManufacturerName       string          `json:"manufacturerName"`
	ManufacturerPartNumber string          `json:"manufacturerPartNumber"`
	VendorPartNumber       *string         `json:"vendorPartNumber"`
	AvailableQuantity      int             `json:"availableQuantity"`
	Comments               string          `json:"comments"`
	SlotIDs                []int           `json:"slotIds"`
	ProductDetails         *ProductDetails `json:"productDetails"`
	Orders                 []OrderInfo     `json:"orders"`
}

// ValidSlotID reports whether id names a physical slot.
func ValidSlotID(id int) bool {
	return id >= 0 && id <= MaxSlotID
}

// NormalizeSlotIDs returns a sorted copy with duplicates removed.
func NormalizeSlotIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// FormatSlotID renders a slot label the way the drawer stickers are
// printed: uppercase, zero-padded, two hex digits.
func FormatSlotID(id int) string {
	return fmt.Sprintf("%02X", id)
}

// FormatSlotIDs renders a slot set sorted ascending by numeric value,
// independent of insertion order.
func FormatSlotIDs(ids []int) string {
	normalized := NormalizeSlotIDs(ids)
	labels := make([]string, len(normalized))
	for i, id := range normalized {
		labels[i] = FormatSlotID(id)
	}
	return strings.Join(labels, ", ")
}

// --- BOM ---

// FusionExt keeps the Fusion 360 specific columns of a partlist row. The
// matching and feasibility logic treats it as opaque metadata, except that
// its part-number fields feed the matcher as extra search strings.
type FusionExt struct {
	Package                string  `json:"package"`
	Category               *string `json:"category"`
	ManufacturerPartNumber *string `json:"manufacturerPartNumber"`
	MPN                    *string `json:"mpn"`
}

// BomEntry is one logical line item inside a BOM.
type BomEntry struct {
	Qty          int      `json:"qty"`
	Device       string   `json:"device"`
	Value        *string  `json:"value"`
	Description  *string  `json:"description"`
	Manufacturer *string  `json:"manufacturer"`
	Parts        []string `json:"parts"`
	Comments     string   `json:"comments"`
	DoNotPlace   bool     `json:"doNotPlace"`

	// InventoryItemMappingIDs are weak references into the inventory
	// catalog. A referenced item may have been deleted since the mapping
	// was made; readers treat unresolved ids as currently unavailable.
	InventoryItemMappingIDs []string `json:"inventoryItemMappingIds"`

	Fusion360Ext *FusionExt `json:"fusion360Ext"`
}

// PartNumberStrings collects every part-number-like string on the entry:
// the parts list plus the Fusion extension's manufacturer part numbers.
func (e BomEntry) PartNumberStrings() []string {
	out := make([]string, 0, len(e.Parts)+2)
	out = append(out, e.Parts...)
	if ext := e.Fusion360Ext; ext != nil {
		if ext.ManufacturerPartNumber != nil && *ext.ManufacturerPartNumber != "" {
			out = append(out, *ext.ManufacturerPartNumber)
		}
		if ext.MPN != nil && *ext.MPN != "" {
			out = append(out, *ext.MPN)
		}
	}
	return out
}

// ProjectInfo is the project-level metadata recovered from a design export.
type ProjectInfo struct {
	Name        *string `json:"name"`
	AuthorNames *string `json:"authorNames"`
	Comments    string  `json:"comments"`
}

// EmptyProjectInfo is the default when the export carries no metadata.
func EmptyProjectInfo() ProjectInfo {
	return ProjectInfo{Comments: ""}
}

// Bom is a bill-of-materials document. ID is empty for BOMs that have not
// been persisted yet (parse output, manual form entry before create).
type Bom struct {
	ID       string      `json:"id,omitempty"`
	Name     *string     `json:"name"`
	InfoLine *string     `json:"infoLine"`
	Project  ProjectInfo `json:"project"`
	Rows     []BomEntry  `json:"rows"`
}

// --- Events ---

// StockChangedEvent is published after a quantity-set on an item.
type StockChangedEvent struct {
	EventID   string    `json:"eventId"`
	ItemID    string    `json:"itemId"`
	Quantity  int       `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// SlotChangedEvent is published after a slot add or remove on an item.
type SlotChangedEvent struct {
	EventID   string    `json:"eventId"`
	ItemID    string    `json:"itemId"`
	SlotID    int       `json:"slotId"`
	Added     bool      `json:"added"`
	Timestamp time.Time `json:"timestamp"`
}

// DetailsRefreshRequestedEvent asks the external parts-vendor worker to
// re-fetch product details. Fire-and-forget from this service's view.
type DetailsRefreshRequestedEvent struct {
	EventID   string    `json:"eventId"`
	ItemIDs   []string  `json:"itemIds"`
	Timestamp time.Time `json:"timestamp"`
}

// DetailsUpdatedEvent is consumed from the parts-vendor worker once it has
// fresh product details for an item.
type DetailsUpdatedEvent struct {
	EventID   string         `json:"eventId"`
	ItemID    string         `json:"itemId"`
	Details   ProductDetails `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}
