package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	q := s.sql.Insert("users").
		Columns("id", "email", "username", "hashed_password", "is_active").
		Values(u.ID, u.Email, u.Username, u.HashedPassword, u.IsActive)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build user insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, sq.Eq{"email": email})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select("id", "email", "username", "hashed_password", "is_active", "created_at").
		From("users").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build user query: %w", err)
	}
	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID, &u.Email, &u.Username, &u.HashedPassword, &u.IsActive, &u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) UpsertTgUser(ctx context.Context, u TgUser) error {
	q := s.sql.Insert("tg_users").
		Columns("id", "username", "first_name", "last_name", "user_id").
		Values(u.ID, u.Username, u.FirstName, u.LastName, u.UserID).
		Suffix("ON CONFLICT(id) DO UPDATE SET username=excluded.username, first_name=excluded.first_name, last_name=excluded.last_name")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build tg user upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert tg user: %w", err)
	}
	return nil
}

func (s *Store) GetTgUser(ctx context.Context, id int64) (TgUser, error) {
	q := s.sql.Select("id", "username", "first_name", "last_name", "user_id", "created_at").
		From("tg_users").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return TgUser{}, fmt.Errorf("build tg user query: %w", err)
	}
	var u TgUser
	var userID sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID, &u.Username, &u.FirstName, &u.LastName, &userID, &u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TgUser{}, ErrNotFound
		}
		return TgUser{}, fmt.Errorf("get tg user: %w", err)
	}
	if userID.Valid {
		id, err := uuid.Parse(userID.String)
		if err != nil {
			return TgUser{}, fmt.Errorf("parse tg user link: %w", err)
		}
		u.UserID = &id
	}
	return u, nil
}

func (s *Store) UpsertTgGroup(ctx context.Context, g TgGroup) error {
	if g.Type == "" {
		g.Type = "unknown"
	}
	q := s.sql.Insert("tg_groups").
		Columns("id", "title", "type").
		Values(g.ID, g.Title, g.Type).
		Suffix("ON CONFLICT(id) DO UPDATE SET title=excluded.title, type=excluded.type")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build tg group upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert tg group: %w", err)
	}
	return nil
}

func (s *Store) InsertImage(ctx context.Context, img Image) (Image, error) {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	q := s.sql.Insert("images").
		Columns("id", "object_key", "url", "user_id").
		Values(img.ID, img.ObjectKey, img.URL, img.UserID)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Image{}, fmt.Errorf("build image insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Image{}, fmt.Errorf("insert image: %w", err)
	}
	return img, nil
}

func (s *Store) ListImagesByUser(ctx context.Context, userID uuid.UUID) ([]Image, error) {
	q := s.sql.Select("id", "object_key", "url", "user_id", "created_at").
		From("images").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list images query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	out := make([]Image, 0)
	for rows.Next() {
		var img Image
		var uid sql.NullString
		if err := rows.Scan(&img.ID, &img.ObjectKey, &img.URL, &uid, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		if uid.Valid {
			id, err := uuid.Parse(uid.String)
			if err != nil {
				return nil, fmt.Errorf("parse image owner: %w", err)
			}
			img.UserID = &id
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image rows: %w", err)
	}
	return out, nil
}
