package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hydrogen602/ElectronicsInventorySystem/config"
	"github.com/hydrogen602/ElectronicsInventorySystem/internal/models"
)

// ErrNotFound is returned when the referenced item or BOM does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	SQL *sqlx.DB
}

func New(cfg config.Config) (*DB, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	return &DB{SQL: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS inventory_items (
	id                       UUID PRIMARY KEY,
	item_description         TEXT NOT NULL,
	manufacturer_name        TEXT NOT NULL DEFAULT '',
	manufacturer_part_number TEXT NOT NULL DEFAULT '',
	vendor_part_number       TEXT,
	available_quantity       INTEGER NOT NULL DEFAULT 0 CHECK (available_quantity >= 0),
	comments                 TEXT NOT NULL DEFAULT '',
	slot_ids                 BIGINT[] NOT NULL DEFAULT '{}',
	product_details          JSONB,
	orders                   JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS boms (
	id        UUID PRIMARY KEY,
	name      TEXT,
	info_line TEXT,
	project   JSONB NOT NULL,
	rows      JSONB NOT NULL DEFAULT '[]'
);
`

// EnsureSchema creates the tables on startup so a fresh database works out
// of the box.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.SQL.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	db.SQL.Close()
}

// --- Inventory items ---

type inventoryRow struct {
	ID                     string         `db:"id"`
	ItemDescription        string         `db:"item_description"`
	ManufacturerName       string         `db:"manufacturer_name"`
	ManufacturerPartNumber string         `db:"manufacturer_part_number"`
	VendorPartNumber       sql.NullString `db:"vendor_part_number"`
	AvailableQuantity      int            `db:"available_quantity"`
	Comments               string         `db:"comments"`
	SlotIDs                pq.Int64Array  `db:"slot_ids"`
	ProductDetails         []byte         `db:"product_details"`
	Orders                 []byte         `db:"orders"`
}

func (r inventoryRow) toModel() (models.InventoryItem, error) {
	item := models.InventoryItem{
		ID:                     r.ID,
		ItemDescription:        r.ItemDescription,
		ManufacturerName:       r.ManufacturerName,
		ManufacturerPartNumber: r.ManufacturerPartNumber,
		AvailableQuantity:      r.AvailableQuantity,
		Comments:               r.Comments,
		Orders:                 []models.OrderInfo{},
	}
	if r.VendorPartNumber.Valid {
		v := r.VendorPartNumber.String
		item.VendorPartNumber = &v
	}
	slots := make([]int, len(r.SlotIDs))
	for i, s := range r.SlotIDs {
		slots[i] = int(s)
	}
	item.SlotIDs = models.NormalizeSlotIDs(slots)
	if len(r.ProductDetails) > 0 {
		var details models.ProductDetails
		if err := json.Unmarshal(r.ProductDetails, &details); err != nil {
			return models.InventoryItem{}, fmt.Errorf("decoding product details of item %s: %w", r.ID, err)
		}
		item.ProductDetails = &details
	}
	if len(r.Orders) > 0 {
		if err := json.Unmarshal(r.Orders, &item.Orders); err != nil {
			return models.InventoryItem{}, fmt.Errorf("decoding orders of item %s: %w", r.ID, err)
		}
	}
	return item, nil
}

// ListItems returns the full catalog snapshot.
func (db *DB) ListItems(ctx context.Context) ([]models.InventoryItem, error) {
	var rows []inventoryRow
	query := `SELECT id, item_description, manufacturer_name, manufacturer_part_number,
		vendor_part_number, available_quantity, comments, slot_ids, product_details, orders
		FROM inventory_items ORDER BY id`
	if err := db.SQL.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("error listing inventory items: %w", err)
	}
	items := make([]models.InventoryItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// GetItem fetches one item by id.
func (db *DB) GetItem(ctx context.Context, id string) (models.InventoryItem, error) {
	var row inventoryRow
	query := `SELECT id, item_description, manufacturer_name, manufacturer_part_number,
		vendor_part_number, available_quantity, comments, slot_ids, product_details, orders
		FROM inventory_items WHERE id = $1`
	if err := db.SQL.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.InventoryItem{}, fmt.Errorf("inventory item %s: %w", id, ErrNotFound)
		}
		return models.InventoryItem{}, fmt.Errorf("error fetching inventory item %s: %w", id, err)
	}
	return row.toModel()
}

// CreateItem inserts a new catalog item and returns its generated id.
func (db *DB) CreateItem(ctx context.Context, item models.NewInventoryItem) (string, error) {
	id := uuid.New().String()

	details, err := marshalNullable(item.ProductDetails)
	if err != nil {
		return "", fmt.Errorf("encoding product details: %w", err)
	}
	orders, err := json.Marshal(orDefault(item.Orders))
	if err != nil {
		return "", fmt.Errorf("encoding orders: %w", err)
	}

	slots := models.NormalizeSlotIDs(item.SlotIDs)
	slotArr := make(pq.Int64Array, len(slots))
	for i, s := range slots {
		slotArr[i] = int64(s)
	}

	query := `INSERT INTO inventory_items
		(id, item_description, manufacturer_name, manufacturer_part_number,
		 vendor_part_number, available_quantity, comments, slot_ids, product_details, orders)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = db.SQL.ExecContext(ctx, query,
		id, item.ItemDescription, item.ManufacturerName, item.ManufacturerPartNumber,
		item.VendorPartNumber, item.AvailableQuantity, item.Comments, slotArr, details, orders)
	if err != nil {
		return "", fmt.Errorf("error creating inventory item: %w", err)
	}
	return id, nil
}

// DeleteItem removes an item. BOM rows referencing it keep their dangling
// ids; readers resolve those to "no longer available".
func (db *DB) DeleteItem(ctx context.Context, id string) error {
	result, err := db.SQL.ExecContext(ctx, `DELETE FROM inventory_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting inventory item %s: %w", id, err)
	}
	return requireMatch(result, id)
}

// SetQuantity sets the absolute stock level of one item. The update is
// scoped to a single row so concurrent edits to different items never
// conflict.
func (db *DB) SetQuantity(ctx context.Context, id string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("quantity must not be negative, got %d", quantity)
	}
	result, err := db.SQL.ExecContext(ctx,
		`UPDATE inventory_items SET available_quantity = $1 WHERE id = $2`, quantity, id)
	if err != nil {
		return fmt.Errorf("error setting quantity of item %s: %w", id, err)
	}
	return requireMatch(result, id)
}

// SetComments replaces the comments of one item.
func (db *DB) SetComments(ctx context.Context, id string, comments string) error {
	result, err := db.SQL.ExecContext(ctx,
		`UPDATE inventory_items SET comments = $1 WHERE id = $2`, comments, id)
	if err != nil {
		return fmt.Errorf("error setting comments of item %s: %w", id, err)
	}
	return requireMatch(result, id)
}

// AddSlot assigns an item to a storage slot. Adding a slot the item already
// occupies is a no-op; the guard keeps the array a set.
func (db *DB) AddSlot(ctx context.Context, id string, slotID int) error {
	if !models.ValidSlotID(slotID) {
		return fmt.Errorf("slot id %d out of range [0, %d]", slotID, models.MaxSlotID)
	}
	query := `UPDATE inventory_items
		SET slot_ids = CASE
			WHEN slot_ids @> ARRAY[$1::bigint] THEN slot_ids
			ELSE array_append(slot_ids, $1::bigint)
		END
		WHERE id = $2`
	result, err := db.SQL.ExecContext(ctx, query, slotID, id)
	if err != nil {
		return fmt.Errorf("error adding item %s to slot %s: %w", id, models.FormatSlotID(slotID), err)
	}
	return requireMatch(result, id)
}

// RemoveSlot takes an item out of a storage slot. Removing a slot the item
// does not occupy is a no-op.
func (db *DB) RemoveSlot(ctx context.Context, id string, slotID int) error {
	result, err := db.SQL.ExecContext(ctx,
		`UPDATE inventory_items SET slot_ids = array_remove(slot_ids, $1::bigint) WHERE id = $2`,
		slotID, id)
	if err != nil {
		return fmt.Errorf("error removing item %s from slot %s: %w", id, models.FormatSlotID(slotID), err)
	}
	return requireMatch(result, id)
}

// GetSlot returns every item assigned to the given slot.
func (db *DB) GetSlot(ctx context.Context, slotID int) ([]models.InventoryItem, error) {
	var rows []inventoryRow
	query := `SELECT id, item_description, manufacturer_name, manufacturer_part_number,
		vendor_part_number, available_quantity, comments, slot_ids, product_details, orders
		FROM inventory_items WHERE slot_ids @> ARRAY[$1::bigint] ORDER BY id`
	if err := db.SQL.SelectContext(ctx, &rows, query, slotID); err != nil {
		return nil, fmt.Errorf("error listing slot %s: %w", models.FormatSlotID(slotID), err)
	}
	items := make([]models.InventoryItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.toModel()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// SetProductDetails stores vendor enrichment data on one item.
func (db *DB) SetProductDetails(ctx context.Context, id string, details models.ProductDetails) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encoding product details: %w", err)
	}
	result, err := db.SQL.ExecContext(ctx,
		`UPDATE inventory_items SET product_details = $1 WHERE id = $2`, payload, id)
	if err != nil {
		return fmt.Errorf("error setting product details of item %s: %w", id, err)
	}
	return requireMatch(result, id)
}

// StockLevels returns the availableQuantity for each requested item id.
// Dangling ids are simply absent from the result.
func (db *DB) StockLevels(ctx context.Context, ids []string) (map[string]int, error) {
	levels := make(map[string]int, len(ids))
	if len(ids) == 0 {
		return levels, nil
	}
	var rows []struct {
		ID                string `db:"id"`
		AvailableQuantity int    `db:"available_quantity"`
	}
	query := `SELECT id, available_quantity FROM inventory_items WHERE id = ANY($1)`
	if err := db.SQL.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("error fetching stock levels: %w", err)
	}
	for _, r := range rows {
		levels[r.ID] = r.AvailableQuantity
	}
	return levels, nil
}

// --- BOMs ---

type bomRow struct {
	ID       string         `db:"id"`
	Name     sql.NullString `db:"name"`
	InfoLine sql.NullString `db:"info_line"`
	Project  []byte         `db:"project"`
	Rows     []byte         `db:"rows"`
}

func (r bomRow) toModel() (models.Bom, error) {
	bom := models.Bom{ID: r.ID, Rows: []models.BomEntry{}}
	if r.Name.Valid {
		v := r.Name.String
		bom.Name = &v
	}
	if r.InfoLine.Valid {
		v := r.InfoLine.String
		bom.InfoLine = &v
	}
	if err := json.Unmarshal(r.Project, &bom.Project); err != nil {
		return models.Bom{}, fmt.Errorf("decoding project of BOM %s: %w", r.ID, err)
	}
	if len(r.Rows) > 0 {
		if err := json.Unmarshal(r.Rows, &bom.Rows); err != nil {
			return models.Bom{}, fmt.Errorf("decoding rows of BOM %s: %w", r.ID, err)
		}
	}
	return bom, nil
}

// ListBoms returns all stored BOM documents.
func (db *DB) ListBoms(ctx context.Context) ([]models.Bom, error) {
	var rows []bomRow
	query := `SELECT id, name, info_line, project, rows FROM boms ORDER BY id`
	if err := db.SQL.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("error listing BOMs: %w", err)
	}
	boms := make([]models.Bom, 0, len(rows))
	for _, r := range rows {
		bom, err := r.toModel()
		if err != nil {
			return nil, err
		}
		boms = append(boms, bom)
	}
	return boms, nil
}

// GetBom fetches one BOM by id.
func (db *DB) GetBom(ctx context.Context, id string) (models.Bom, error) {
	var row bomRow
	query := `SELECT id, name, info_line, project, rows FROM boms WHERE id = $1`
	if err := db.SQL.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Bom{}, fmt.Errorf("BOM %s: %w", id, ErrNotFound)
		}
		return models.Bom{}, fmt.Errorf("error fetching BOM %s: %w", id, err)
	}
	return row.toModel()
}

// CreateBom persists a new BOM document and returns its generated id. Any
// id already present on the document is ignored.
func (db *DB) CreateBom(ctx context.Context, bom models.Bom) (string, error) {
	id := uuid.New().String()
	project, rows, err := encodeBom(bom)
	if err != nil {
		return "", err
	}
	query := `INSERT INTO boms (id, name, info_line, project, rows) VALUES ($1, $2, $3, $4, $5)`
	if _, err := db.SQL.ExecContext(ctx, query, id, bom.Name, bom.InfoLine, project, rows); err != nil {
		return "", fmt.Errorf("error creating BOM: %w", err)
	}
	return id, nil
}

// UpdateBom replaces the full row list and metadata of an existing BOM.
// Last write wins; there is no optimistic concurrency control.
func (db *DB) UpdateBom(ctx context.Context, id string, bom models.Bom) error {
	project, rows, err := encodeBom(bom)
	if err != nil {
		return err
	}
	query := `UPDATE boms SET name = $1, info_line = $2, project = $3, rows = $4 WHERE id = $5`
	result, err := db.SQL.ExecContext(ctx, query, bom.Name, bom.InfoLine, project, rows, id)
	if err != nil {
		return fmt.Errorf("error updating BOM %s: %w", id, err)
	}
	return requireMatch(result, id)
}

// DeleteBom removes a BOM document.
func (db *DB) DeleteBom(ctx context.Context, id string) error {
	result, err := db.SQL.ExecContext(ctx, `DELETE FROM boms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting BOM %s: %w", id, err)
	}
	return requireMatch(result, id)
}

func encodeBom(bom models.Bom) (project, rows []byte, err error) {
	if project, err = json.Marshal(bom.Project); err != nil {
		return nil, nil, fmt.Errorf("encoding BOM project: %w", err)
	}
	if rows, err = json.Marshal(orDefault(bom.Rows)); err != nil {
		return nil, nil, fmt.Errorf("encoding BOM rows: %w", err)
	}
	return project, rows, nil
}

func marshalNullable(details *models.ProductDetails) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	return json.Marshal(details)
}

// orDefault keeps nil slices out of the JSONB columns so they round-trip
// as empty lists.
func orDefault[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func requireMatch(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected for %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
