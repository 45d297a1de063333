package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// BotSeller is an automated seller owned by a user. Exactly one mode is
// configured: fixed text (Info + Price) or generated (LLMModel + LLMPrompt).
type BotSeller struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Info      *string   `json:"info,omitempty"`
	Price     *float64  `json:"price,omitempty"`
	LLMModel  *string   `json:"llm_model,omitempty"`
	LLMPrompt *string   `json:"llm_prompt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsFixed reports whether the bot answers with pre-set text.
func (b *BotSeller) IsFixed() bool { return b.Info != nil && b.Price != nil }

// IsLLM reports whether the bot generates offers with a model.
func (b *BotSeller) IsLLM() bool { return b.LLMModel != nil && b.LLMPrompt != nil }

// Validate enforces the one-mode rule.
func (b *BotSeller) Validate() error {
	fixed := b.IsFixed()
	llm := b.LLMModel != nil || b.LLMPrompt != nil
	switch {
	case fixed && llm:
		return errors.New("bot seller cannot be both fixed-text and llm-backed")
	case fixed:
		return nil
	case b.LLMModel != nil && b.LLMPrompt != nil:
		return nil
	default:
		return errors.New("bot seller needs info+price or llm_model+llm_prompt")
	}
}

// CreateBotSeller inserts a bot and returns its id.
func (d *DB) CreateBotSeller(ctx context.Context, b *BotSeller) (int64, error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO bot_sellers (user_id, name, info, price, llm_model, llm_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.UserID, b.Name, b.Info, b.Price, b.LLMModel, b.LLMPrompt, time.Now().Unix())
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// GetBotSeller fetches a bot by id.
func (d *DB) GetBotSeller(ctx context.Context, id int64) (*BotSeller, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, user_id, name, info, price, llm_model, llm_prompt, created_at
		FROM bot_sellers WHERE id = ?
	`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	bots, err := scanBotSellers(rows)
	if err != nil {
		return nil, err
	}
	if len(bots) == 0 {
		return nil, ErrNotFound
	}
	return bots[0], nil
}

// ListBotSellersByUser returns all bots owned by a user.
func (d *DB) ListBotSellersByUser(ctx context.Context, userID int64) ([]*BotSeller, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, user_id, name, info, price, llm_model, llm_prompt, created_at
		FROM bot_sellers WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanBotSellers(rows)
}

// ListBotSellersByIDs fetches the given bots, skipping ids that no longer
// exist. Used for direct dispatch to a context's targeted bots.
func (d *DB) ListBotSellersByIDs(ctx context.Context, ids []int64) ([]*BotSeller, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, user_id, name, info, price, llm_model, llm_prompt, created_at
		FROM bot_sellers WHERE id IN (`+placeholders+`) ORDER BY id
	`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanBotSellers(rows)
}

func scanBotSellers(rows *sql.Rows) ([]*BotSeller, error) {
	var bots []*BotSeller
	for rows.Next() {
		var b BotSeller
		var createdAt int64
		if err := rows.Scan(&b.ID, &b.UserID, &b.Name, &b.Info, &b.Price,
			&b.LLMModel, &b.LLMPrompt, &createdAt); err != nil {
			return nil, classify(err)
		}
		b.CreatedAt = time.Unix(createdAt, 0)
		bots = append(bots, &b)
	}
	return bots, classify(rows.Err())
}

// UpdateBotSeller replaces the bot's configuration. Ownership is checked by
// the caller.
func (d *DB) UpdateBotSeller(ctx context.Context, b *BotSeller) error {
	if err := b.Validate(); err != nil {
		return err
	}
	res, err := d.sql.ExecContext(ctx, `
		UPDATE bot_sellers SET name = ?, info = ?, price = ?, llm_model = ?, llm_prompt = ?
		WHERE id = ?
	`, b.Name, b.Info, b.Price, b.LLMModel, b.LLMPrompt, b.ID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBotSeller removes a bot. Its subscriptions are cleaned up by the
// caller so past offers keep their seller reference for sales history.
func (d *DB) DeleteBotSeller(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM bot_sellers WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
