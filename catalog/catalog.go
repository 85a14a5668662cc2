// Package catalog is the asset library behind the dam agent: reference
// clips, boards, audio, and props indexed by tags for matching against
// scenes. Backed by SQLite, seedable from a YAML file.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an asset id does not exist.
var ErrNotFound = errors.New("not found")

// Asset is one library entry.
type Asset struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Kind      string    `json:"kind" yaml:"kind"` // "clip", "image", "audio", "prop"
	Path      string    `json:"path" yaml:"path"`
	Tags      []string  `json:"tags" yaml:"tags"`
	Notes     string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Query filters a Search. Tags match if the asset carries any of them.
type Query struct {
	Kind   string
	Tags   []string
	Text   string // substring match on name and notes
	Limit  int
	Offset int
}

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	notes TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_kind ON assets(kind);
CREATE INDEX IF NOT EXISTS idx_assets_name ON assets(name);
`

const assetCols = "id, name, kind, path, tags, notes, created_at, updated_at"

// Catalog is a SQLite-backed asset library.
type Catalog struct {
	db *sql.DB
}

// New opens (creating if needed) a catalog database at path.
func New(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// Single connection to prevent SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Add inserts a new asset, filling ID and timestamps, and returns the id.
func (c *Catalog) Add(a *Asset) (string, error) {
	if a.Name == "" {
		return "", fmt.Errorf("asset name is required")
	}
	if a.Kind == "" {
		return "", fmt.Errorf("asset kind is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO assets (`+assetCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Kind, a.Path, string(tags), a.Notes, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert asset: %w", err)
	}
	return a.ID, nil
}

// Get returns the asset with the given id.
func (c *Catalog) Get(id string) (*Asset, error) {
	row := c.db.QueryRow(`SELECT `+assetCols+` FROM assets WHERE id = ?`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

// Search returns assets matching q, ordered by name. An empty query returns
// the whole library.
func (c *Catalog) Search(q Query) ([]*Asset, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + assetCols + ` FROM assets WHERE 1=1`)
	var args []any
	if q.Kind != "" {
		b.WriteString(` AND kind = ?`)
		args = append(args, q.Kind)
	}
	if len(q.Tags) > 0 {
		// Tags are stored as a JSON array; a quoted LIKE matches whole tags.
		b.WriteString(` AND (`)
		for i, tag := range q.Tags {
			if i > 0 {
				b.WriteString(` OR `)
			}
			b.WriteString(`tags LIKE ?`)
			args = append(args, `%"`+tag+`"%`)
		}
		b.WriteString(`)`)
	}
	if q.Text != "" {
		b.WriteString(` AND (name LIKE ? OR notes LIKE ?)`)
		pat := "%" + q.Text + "%"
		args = append(args, pat, pat)
	}
	b.WriteString(` ORDER BY name ASC, id ASC`)
	if q.Limit > 0 {
		fmt.Fprintf(&b, ` LIMIT %d`, q.Limit)
		if q.Offset > 0 {
			fmt.Fprintf(&b, ` OFFSET %d`, q.Offset)
		}
	}

	rows, err := c.db.Query(b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search assets: %w", err)
	}
	defer rows.Close()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the number of assets in the library.
func (c *Catalog) Count() (int, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM assets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return n, nil
}

// seedFile is the YAML shape of a seed file.
type seedFile struct {
	Assets []Asset `yaml:"assets"`
}

// Seed loads assets from a YAML file, skipping entries whose name and kind
// already exist. It returns the number of assets added, so reseeding on
// every daemon start is safe.
func (c *Catalog) Seed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	added := 0
	for i := range sf.Assets {
		a := sf.Assets[i]
		var existing string
		err := c.db.QueryRow(
			`SELECT id FROM assets WHERE name = ? AND kind = ?`, a.Name, a.Kind,
		).Scan(&existing)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return added, fmt.Errorf("check existing asset: %w", err)
		}
		if _, err := c.Add(&a); err != nil {
			return added, fmt.Errorf("seed asset %q: %w", a.Name, err)
		}
		added++
	}
	return added, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(s scanner) (*Asset, error) {
	var a Asset
	var tags string
	if err := s.Scan(&a.ID, &a.Name, &a.Kind, &a.Path, &tags, &a.Notes, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &a, nil
}
