// Package contacts stores uploaded contact lists. Contacts keep their full
// row as JSON so arbitrary custom columns survive to the answer webhook.
package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a list does not exist.
var ErrNotFound = errors.New("contacts: list not found")

// Contact is one row of a contact list, addressed by its position.
type Contact struct {
	ListID string
	Index  int
	Data   map[string]any
}

// Phone returns the contact's dialable number, checking the common column
// names in order.
func (c Contact) Phone() string {
	for _, key := range []string{"phone", "phoneNumber", "phone_number", "number", "to"} {
		if value, ok := c.Data[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// Source serves contact slices to campaign workers.
type Source interface {
	Slice(ctx context.Context, listID string, start, limit int) ([]Contact, error)
	Count(ctx context.Context, listID string) (int, error)
}

// PgxPool is the subset of *pgxpool.Pool the store needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// Slice returns up to limit contacts starting at index start, in list order.
func (s *Store) Slice(ctx context.Context, listID string, start, limit int) ([]Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT list_id, idx, data
		FROM contacts
		WHERE list_id = $1 AND idx >= $2
		ORDER BY idx
		LIMIT $3
	`, listID, start, limit)
	if err != nil {
		return nil, fmt.Errorf("contacts: slice: %w", err)
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		var (
			c    Contact
			data []byte
		)
		if err := rows.Scan(&c.ListID, &c.Index, &data); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &c.Data); err != nil {
				return nil, fmt.Errorf("contacts: decode row %d: %w", c.Index, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context, listID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM contacts WHERE list_id = $1`, listID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("contacts: count: %w", err)
	}
	return count, nil
}

// Append inserts contacts at the end of a list, numbering them after the
// current tail.
func (s *Store) Append(ctx context.Context, listID string, rows []map[string]any) error {
	next, err := s.Count(ctx, listID)
	if err != nil {
		return err
	}
	for i, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("contacts: marshal row %d: %w", i, err)
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO contacts (list_id, idx, data)
			VALUES ($1, $2, $3)
		`, listID, next+i, data); err != nil {
			return fmt.Errorf("contacts: insert row %d: %w", i, err)
		}
	}
	return nil
}

// MemorySource is an in-memory Source for worker tests.
type MemorySource struct {
	lists map[string][]Contact
}

func NewMemorySource() *MemorySource {
	return &MemorySource{lists: make(map[string][]Contact)}
}

func (m *MemorySource) Add(listID string, rows ...map[string]any) {
	for _, row := range rows {
		m.lists[listID] = append(m.lists[listID], Contact{
			ListID: listID,
			Index:  len(m.lists[listID]),
			Data:   row,
		})
	}
}

func (m *MemorySource) Slice(_ context.Context, listID string, start, limit int) ([]Contact, error) {
	list, ok := m.lists[listID]
	if !ok {
		return nil, ErrNotFound
	}
	if start >= len(list) {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	out := make([]Contact, end-start)
	copy(out, list[start:end])
	return out, nil
}

func (m *MemorySource) Count(_ context.Context, listID string) (int, error) {
	list, ok := m.lists[listID]
	if !ok {
		return 0, ErrNotFound
	}
	return len(list), nil
}
