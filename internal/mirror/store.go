// Package mirror persists the local copy of the remote facility hierarchy.
// The reconciliation engine is the sole writer; route handlers only read.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"placesadmin/internal/logging"
	"placesadmin/internal/places"
)

// Entity is one mirrored row. LocalID is the surrogate key; ExternalID is
// the remote system's stable identifier; ParentLocalID points at the local
// parent row, not the remote one.
type Entity struct {
	LocalID       int64              `json:"localId"`
	ExternalID    string             `json:"externalId"`
	Type          places.EntityType  `json:"type"`
	ParentLocalID *int64             `json:"parentLocalId,omitempty"`
	DisplayName   string             `json:"displayName"`
	Description   string             `json:"description,omitempty"`

	Street          string `json:"street,omitempty"`
	City            string `json:"city,omitempty"`
	PostalCode      string `json:"postalCode,omitempty"`
	CountryOrRegion string `json:"countryOrRegion,omitempty"`
	Capacity        int    `json:"capacity,omitempty"`
	IsBookable      bool   `json:"isBookable,omitempty"`
	ContactAddress  string `json:"contactAddress,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the sqlite-backed mirror repository.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	parent_local_id INTEGER REFERENCES entities(id),
	display_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	street TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	postal_code TEXT NOT NULL DEFAULT '',
	country_or_region TEXT NOT NULL DEFAULT '',
	capacity INTEGER NOT NULL DEFAULT 0,
	is_bookable INTEGER NOT NULL DEFAULT 0,
	contact_address TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);
CREATE INDEX IF NOT EXISTS idx_entities_parent ON entities(parent_local_id);
`

// New opens (or creates) the mirror database at path.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "mirror.New")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("mirror store opened at %s", path)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const entityColumns = `id, external_id, type, parent_local_id, display_name, description,
	street, city, postal_code, country_or_region, capacity, is_bookable, contact_address,
	created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var parent sql.NullInt64
	err := row.Scan(&e.LocalID, &e.ExternalID, &e.Type, &parent, &e.DisplayName, &e.Description,
		&e.Street, &e.City, &e.PostalCode, &e.CountryOrRegion, &e.Capacity, &e.IsBookable,
		&e.ContactAddress, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		e.ParentLocalID = &parent.Int64
	}
	return &e, nil
}

// Create inserts a new mirrored entity and returns its surrogate key.
func (s *Store) Create(ctx context.Context, e Entity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var parent sql.NullInt64
	if e.ParentLocalID != nil {
		parent = sql.NullInt64{Int64: *e.ParentLocalID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (external_id, type, parent_local_id, display_name, description,
			street, city, postal_code, country_or_region, capacity, is_bookable, contact_address,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExternalID, string(e.Type), parent, e.DisplayName, e.Description,
		e.Street, e.City, e.PostalCode, e.CountryOrRegion, e.Capacity, e.IsBookable,
		e.ContactAddress, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create entity %s: %w", e.ExternalID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read surrogate key: %w", err)
	}
	logging.StoreDebug("created %s %s (local id %d)", e.Type, e.ExternalID, id)
	return id, nil
}

// UpdateAttributes overwrites a row's attributes from a fresh remote record.
// The surrogate key, external id, type, parent link, and creation timestamp
// are left untouched.
func (s *Store) UpdateAttributes(ctx context.Context, localID int64, fresh places.PlaceEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE entities SET display_name = ?, description = ?, street = ?, city = ?,
			postal_code = ?, country_or_region = ?, capacity = ?, is_bookable = ?,
			contact_address = ?, updated_at = ?
		WHERE id = ?`,
		fresh.DisplayName, fresh.Description, fresh.Street, fresh.City,
		fresh.PostalCode, fresh.CountryOrRegion, fresh.Capacity, fresh.IsBookable,
		fresh.ContactAddress, time.Now().UTC(), localID)
	if err != nil {
		return fmt.Errorf("failed to update entity %d: %w", localID, err)
	}
	return nil
}

// Delete removes a mirrored entity by surrogate key.
func (s *Store) Delete(ctx context.Context, localID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete entity %d: %w", localID, err)
	}
	logging.StoreDebug("deleted local id %d", localID)
	return nil
}

// GetByExternalID looks an entity up by its remote identifier. Returns
// (nil, nil) when absent.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE external_id = ?`, externalID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", externalID, err)
	}
	return e, nil
}

// GetByLocalID looks an entity up by surrogate key. Returns (nil, nil) when
// absent.
func (s *Store) GetByLocalID(ctx context.Context, localID int64) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, localID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up local id %d: %w", localID, err)
	}
	return e, nil
}

// ListByType returns all mirrored entities of one type, ordered by display
// name then surrogate key.
func (s *Store) ListByType(ctx context.Context, t places.EntityType) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type = ? ORDER BY display_name, id`, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", t, err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// ListChildren returns all entities whose local parent is parentLocalID.
func (s *Store) ListChildren(ctx context.Context, parentLocalID int64) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE parent_local_id = ? ORDER BY display_name, id`,
		parentLocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %d: %w", parentLocalID, err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// CountsByType reports how many rows are mirrored per entity type.
func (s *Store) CountsByType(ctx context.Context) (map[places.EntityType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM entities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[places.EntityType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[places.EntityType(t)] = n
	}
	return counts, rows.Err()
}

func collectEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
