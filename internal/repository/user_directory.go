package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/lib/pq"

	"metachat/messaging-service/internal/models"
)

// UserDirectory resolves display attributes for user ids. Profiles are owned
// by the profile subsystem; this service only reads them. Missing ids are
// absent from the returned map.
type UserDirectory interface {
	GetUsers(ctx context.Context, ids []string) (map[string]models.UserSummary, error)
}

type postgresUserDirectory struct {
	db *sql.DB
}

func NewUserDirectory(db *sql.DB) UserDirectory {
	return &postgresUserDirectory{db: db}
}

func (d *postgresUserDirectory) GetUsers(ctx context.Context, ids []string) (map[string]models.UserSummary, error) {
	result := make(map[string]models.UserSummary, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `
	SELECT id::text, username, COALESCE(full_name, ''), COALESCE(avatar, '')
	FROM users
	WHERE id::text = ANY($1)
	`

	rows, err := d.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u models.UserSummary
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Avatar); err != nil {
			return nil, err
		}
		result[u.ID] = u
	}

	return result, rows.Err()
}

type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]models.UserSummary
}

func NewMemoryUserDirectory(users ...models.UserSummary) *MemoryUserDirectory {
	d := &MemoryUserDirectory{users: make(map[string]models.UserSummary, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *MemoryUserDirectory) Put(u models.UserSummary) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *MemoryUserDirectory) GetUsers(_ context.Context, ids []string) (map[string]models.UserSummary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string]models.UserSummary, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			result[id] = u
		}
	}
	return result, nil
}
