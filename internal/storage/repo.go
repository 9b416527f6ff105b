package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const modelColumns = "id, provider, title_public, title_model, enc_api_key, is_default, is_free, " +
	"incoming_price, outgoing_price, context_window, max_request_tokens, history_window_minutes, consumer, created_at"

func (s *Store) GetDefaultModel(ctx context.Context, consumer string) (ModelProfile, error) {
	q := s.sql.Select(modelColumns).
		From("model_profiles").
		Where(sq.Eq{"consumer": consumer, "is_default": true}).
		OrderBy("created_at ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ModelProfile{}, fmt.Errorf("build default model query: %w", err)
	}
	return s.scanModel(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) GetModel(ctx context.Context, id uuid.UUID) (ModelProfile, error) {
	q := s.sql.Select(modelColumns).From("model_profiles").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ModelProfile{}, fmt.Errorf("build model query: %w", err)
	}
	return s.scanModel(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) ListModels(ctx context.Context, consumer string) ([]ModelProfile, error) {
	q := s.sql.Select(modelColumns).
		From("model_profiles").
		Where(sq.Eq{"consumer": consumer}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list models query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	out := make([]ModelProfile, 0)
	for rows.Next() {
		m, err := s.scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertModel(ctx context.Context, m ModelProfile) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	q := s.sql.Insert("model_profiles").
		Columns("id", "provider", "title_public", "title_model", "enc_api_key", "is_default", "is_free",
			"incoming_price", "outgoing_price", "context_window", "max_request_tokens", "history_window_minutes", "consumer").
		Values(m.ID, m.Provider, m.TitlePublic, m.TitleModel, m.EncAPIKey, m.IsDefault, m.IsFree,
			m.IncomingPrice, m.OutgoingPrice, m.ContextWindow, m.MaxRequestTokens, m.HistoryWindowMinutes, m.Consumer)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build model insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert model: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanModel(row rowScanner) (ModelProfile, error) {
	var m ModelProfile
	if err := row.Scan(
		&m.ID,
		&m.Provider,
		&m.TitlePublic,
		&m.TitleModel,
		&m.EncAPIKey,
		&m.IsDefault,
		&m.IsFree,
		&m.IncomingPrice,
		&m.OutgoingPrice,
		&m.ContextWindow,
		&m.MaxRequestTokens,
		&m.HistoryWindowMinutes,
		&m.Consumer,
		&m.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelProfile{}, ErrNotFound
		}
		return ModelProfile{}, fmt.Errorf("scan model row: %w", err)
	}
	return m, nil
}

const promptColumns = "id, title, en_text, ru_text, is_default, consumer, created_at"

func (s *Store) GetDefaultPrompt(ctx context.Context, consumer string) (PromptProfile, error) {
	q := s.sql.Select(promptColumns).
		From("prompt_profiles").
		Where(sq.Eq{"consumer": consumer, "is_default": true}).
		OrderBy("created_at ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return PromptProfile{}, fmt.Errorf("build default prompt query: %w", err)
	}
	return s.scanPrompt(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) GetPrompt(ctx context.Context, id uuid.UUID) (PromptProfile, error) {
	q := s.sql.Select(promptColumns).From("prompt_profiles").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return PromptProfile{}, fmt.Errorf("build prompt query: %w", err)
	}
	return s.scanPrompt(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) ListPrompts(ctx context.Context, consumer string) ([]PromptProfile, error) {
	q := s.sql.Select(promptColumns).
		From("prompt_profiles").
		Where(sq.Eq{"consumer": consumer}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list prompts query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	out := make([]PromptProfile, 0)
	for rows.Next() {
		p, err := s.scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertPrompt(ctx context.Context, p PromptProfile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	q := s.sql.Insert("prompt_profiles").
		Columns("id", "title", "en_text", "ru_text", "is_default", "consumer").
		Values(p.ID, p.Title, p.ENText, p.RUText, p.IsDefault, p.Consumer)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build prompt insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

func (s *Store) scanPrompt(row rowScanner) (PromptProfile, error) {
	var p PromptProfile
	if err := row.Scan(
		&p.ID,
		&p.Title,
		&p.ENText,
		&p.RUText,
		&p.IsDefault,
		&p.Consumer,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromptProfile{}, ErrNotFound
		}
		return PromptProfile{}, fmt.Errorf("scan prompt row: %w", err)
	}
	return p, nil
}

func (s *Store) GetActiveConfigByUser(ctx context.Context, userID uuid.UUID) (ActiveConfigView, error) {
	return s.getActiveConfig(ctx, sq.Eq{"ac.user_id": userID})
}

func (s *Store) GetActiveConfigByTgUser(ctx context.Context, tgUserID int64) (ActiveConfigView, error) {
	return s.getActiveConfig(ctx, sq.Eq{"ac.tg_user_id": tgUserID})
}

func (s *Store) getActiveConfig(ctx context.Context, where sq.Sqlizer) (ActiveConfigView, error) {
	q := s.sql.Select(
		"ac.id", "ac.user_id", "ac.tg_user_id", "ac.model_id", "ac.prompt_id", "ac.time_start", "ac.created_at",
		"m.id", "m.provider", "m.title_public", "m.title_model", "m.enc_api_key", "m.is_default", "m.is_free",
		"m.incoming_price", "m.outgoing_price", "m.context_window", "m.max_request_tokens", "m.history_window_minutes", "m.consumer", "m.created_at",
		"p.id", "p.title", "p.en_text", "p.ru_text", "p.is_default", "p.consumer", "p.created_at",
	).From("active_configs ac").
		Join("model_profiles m ON ac.model_id = m.id").
		Join("prompt_profiles p ON ac.prompt_id = p.id").
		Where(where)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ActiveConfigView{}, fmt.Errorf("build active config query: %w", err)
	}

	var out ActiveConfigView
	var userID sql.NullString
	var tgUserID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.ID,
		&userID,
		&tgUserID,
		&out.ModelID,
		&out.PromptID,
		&out.TimeStart,
		&out.CreatedAt,
		&out.Model.ID,
		&out.Model.Provider,
		&out.Model.TitlePublic,
		&out.Model.TitleModel,
		&out.Model.EncAPIKey,
		&out.Model.IsDefault,
		&out.Model.IsFree,
		&out.Model.IncomingPrice,
		&out.Model.OutgoingPrice,
		&out.Model.ContextWindow,
		&out.Model.MaxRequestTokens,
		&out.Model.HistoryWindowMinutes,
		&out.Model.Consumer,
		&out.Model.CreatedAt,
		&out.Prompt.ID,
		&out.Prompt.Title,
		&out.Prompt.ENText,
		&out.Prompt.RUText,
		&out.Prompt.IsDefault,
		&out.Prompt.Consumer,
		&out.Prompt.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ActiveConfigView{}, ErrNotFound
		}
		return ActiveConfigView{}, fmt.Errorf("get active config: %w", err)
	}
	if userID.Valid {
		id, err := uuid.Parse(userID.String)
		if err != nil {
			return ActiveConfigView{}, fmt.Errorf("parse active config user id: %w", err)
		}
		out.UserID = &id
	}
	if tgUserID.Valid {
		out.TgUserID = &tgUserID.Int64
	}
	return out, nil
}

func (s *Store) CreateActiveConfig(ctx context.Context, c ActiveConfig) (ActiveConfig, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.TimeStart.IsZero() {
		c.TimeStart = time.Now().UTC()
	}
	q := s.sql.Insert("active_configs").
		Columns("id", "user_id", "tg_user_id", "model_id", "prompt_id", "time_start").
		Values(c.ID, c.UserID, c.TgUserID, c.ModelID, c.PromptID, c.TimeStart)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ActiveConfig{}, fmt.Errorf("build active config insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return ActiveConfig{}, fmt.Errorf("insert active config: %w", err)
	}
	return c, nil
}

// SetActiveModel switches the model for an existing config and resets the
// history window start, so old history priced for another model is not
// replayed into the new one.
func (s *Store) SetActiveModel(ctx context.Context, configID, modelID uuid.UUID, now time.Time) error {
	q := s.sql.Update("active_configs").
		Set("model_id", modelID).
		Set("time_start", now).
		Where(sq.Eq{"id": configID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set active model query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set active model: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetActivePrompt(ctx context.Context, configID, promptID uuid.UUID) error {
	q := s.sql.Update("active_configs").
		Set("prompt_id", promptID).
		Where(sq.Eq{"id": configID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set active prompt query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set active prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// History returns completed exchanges for one config inside [from, to],
// oldest first. Transactions without an answer never completed and are
// excluded.
func (s *Store) History(ctx context.Context, configID uuid.UUID, from, to time.Time) ([]HistoryEntry, error) {
	q := s.sql.Select("question", "question_tokens", "answer", "answer_tokens").
		From("transactions").
		Where(sq.Eq{"active_config_id": configID}).
		Where(sq.GtOrEq{"created_at": from}).
		Where(sq.LtOrEq{"created_at": to}).
		Where(sq.NotEq{"answer": ""}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.Question, &h.QuestionTokens, &h.Answer, &h.AnswerTokens); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertTransaction(ctx context.Context, t Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("transactions").
		Columns("id", "chat_id", "question", "question_tokens", "question_token_price",
			"answer", "answer_tokens", "answer_token_price", "image", "consumer", "active_config_id", "created_at").
		Values(t.ID, t.ChatID, t.Question, t.QuestionTokens, t.QuestionTokenPrice,
			t.Answer, t.AnswerTokens, t.AnswerTokenPrice, t.Image, t.Consumer, t.ActiveConfigID, t.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build transaction insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
