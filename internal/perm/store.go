// Package perm owns permission records: who may act in which chat, and as
// what role. Grants and revokes take effect lazily; open sessions keep the
// chat set they were admitted with.
package perm

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erauner12/chatbus/internal/cursor"
	"github.com/erauner12/chatbus/internal/errs"
)

// Role of a principal within a chat.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember || r == RoleViewer
}

// Record is one grant, keyed by (principalId, chatId).
type Record struct {
	PrincipalID string    `json:"principalId"`
	ChatID      string    `json:"chatId"`
	Role        Role      `json:"role"`
	GrantedAt   time.Time `json:"grantedAt"`
	GrantedBy   string    `json:"grantedBy"`
}

// Store persists permission records in Postgres.
type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

// Get point-reads the record for (principal, chat). A nil record means no
// grant exists; an error means the store could not answer and callers must
// treat the principal as unauthorized.
func (s *Store) Get(ctx context.Context, principalID, chatID string) (*Record, error) {
	rec := Record{PrincipalID: principalID, ChatID: chatID}
	err := s.DB.QueryRow(ctx, `
		SELECT role, granted_at, granted_by
		FROM chat_permissions
		WHERE principal_id = $1 AND chat_id = $2`,
		principalID, chatID,
	).Scan(&rec.Role, &rec.GrantedAt, &rec.GrantedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "permission lookup failed", err)
	}
	return &rec, nil
}

// List returns the principal's grants ordered by chatId, resuming from the
// opaque startKey. The returned key is empty on the last page.
func (s *Store) List(ctx context.Context, principalID string, limit int, startKey string) ([]Record, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	afterChat := ""
	if k, ok := cursor.Decode(startKey); ok {
		afterChat = k.ID
	}

	rows, err := s.DB.Query(ctx, `
		SELECT chat_id, role, granted_at, granted_by
		FROM chat_permissions
		WHERE principal_id = $1 AND chat_id > $2
		ORDER BY chat_id
		LIMIT $3`,
		principalID, afterChat, limit+1,
	)
	if err != nil {
		return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "permission list failed", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{PrincipalID: principalID}
		if err := rows.Scan(&rec.ChatID, &rec.Role, &rec.GrantedAt, &rec.GrantedBy); err != nil {
			return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "permission list scan failed", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "permission list failed", err)
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = cursor.Encode(cursor.Key{ID: out[len(out)-1].ChatID})
	}
	return out, next, nil
}

// ListByChat returns the members of a chat ordered by principalId. This is
// the chatId-indexed view of the same records.
func (s *Store) ListByChat(ctx context.Context, chatID string, limit int, startKey string) ([]Record, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	afterPrincipal := ""
	if k, ok := cursor.Decode(startKey); ok {
		afterPrincipal = k.ID
	}

	rows, err := s.DB.Query(ctx, `
		SELECT principal_id, role, granted_at, granted_by
		FROM chat_permissions
		WHERE chat_id = $1 AND principal_id > $2
		ORDER BY principal_id
		LIMIT $3`,
		chatID, afterPrincipal, limit+1,
	)
	if err != nil {
		return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "member list failed", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{ChatID: chatID}
		if err := rows.Scan(&rec.PrincipalID, &rec.Role, &rec.GrantedAt, &rec.GrantedBy); err != nil {
			return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "member list scan failed", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", errs.Wrap(errs.CodeStoreUnavailable, "member list failed", err)
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = cursor.Encode(cursor.Key{ID: out[len(out)-1].PrincipalID})
	}
	return out, next, nil
}

// Grant upserts a record. Re-granting the same role leaves the row
// untouched; a different role overwrites it.
func (s *Store) Grant(ctx context.Context, principalID, chatID string, role Role, grantedBy string) error {
	if !role.Valid() {
		return errs.New(errs.CodeInvalidRole, "role must be admin, member or viewer")
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO chat_permissions (principal_id, chat_id, role, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (principal_id, chat_id) DO UPDATE
		SET role = EXCLUDED.role, granted_at = now(), granted_by = EXCLUDED.granted_by
		WHERE chat_permissions.role IS DISTINCT FROM EXCLUDED.role`,
		principalID, chatID, string(role), grantedBy,
	)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "grant failed", err)
	}
	return nil
}

// Revoke removes a record. Revoking an absent grant is a no-op.
func (s *Store) Revoke(ctx context.Context, principalID, chatID string) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM chat_permissions
		WHERE principal_id = $1 AND chat_id = $2`,
		principalID, chatID,
	)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "revoke failed", err)
	}
	return nil
}
