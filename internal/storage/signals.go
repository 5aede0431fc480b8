package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/madoguchi/internal/model"
)

// CreateWatch opens the draft watch for an action. Opening an existing watch
// is a no-op.
func (db *DB) CreateWatch(ctx context.Context, actionID uuid.UUID, conversationID string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO draft_watches (action_id, conversation_id) VALUES ($1, $2)
		 ON CONFLICT (action_id) DO NOTHING`,
		actionID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("storage: create watch: %w", err)
	}
	return nil
}

// GetWatch returns the draft watch for an action.
func (db *DB) GetWatch(ctx context.Context, actionID uuid.UUID) (model.DraftWatch, error) {
	var (
		w  model.DraftWatch
		st string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT action_id, conversation_id, status, created_at, resolved_at FROM draft_watches WHERE action_id = $1`,
		actionID,
	).Scan(&w.ActionID, &w.ConversationID, &st, &w.CreatedAt, &w.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DraftWatch{}, fmt.Errorf("storage: get watch %s: %w", actionID, ErrNotFound)
	}
	if err != nil {
		return model.DraftWatch{}, fmt.Errorf("storage: get watch: %w", err)
	}
	w.Status = model.WatchStatus(st)
	return w, nil
}

// RecordSignal inserts sig. If sig names an action that has a draft watch,
// the watch moves from pending to resolution in the same transaction; when
// the watch was already resolved nothing is written and ErrWatchResolved is
// returned. Actions without a watch record unconditionally.
func (db *DB) RecordSignal(ctx context.Context, sig model.RLSignal, resolution model.WatchStatus) (model.RLSignal, error) {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if sig.ActionID != nil {
			tag, err := tx.Exec(ctx,
				`UPDATE draft_watches SET status = $2, resolved_at = now()
				 WHERE action_id = $1 AND status = 'pending'`,
				*sig.ActionID, string(resolution),
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				var watched bool
				if err := tx.QueryRow(ctx,
					`SELECT EXISTS (SELECT 1 FROM draft_watches WHERE action_id = $1)`, *sig.ActionID,
				).Scan(&watched); err != nil {
					return err
				}
				if watched {
					return ErrWatchResolved
				}
			}
		}
		return tx.QueryRow(ctx,
			`INSERT INTO rl_signals (id, conversation_id, message_id, action_id, category, similarity, draft_text, sent_text, author_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING recorded_at`,
			sig.ID, sig.ConversationID, sig.MessageID, sig.ActionID, string(sig.Category),
			sig.Similarity, sig.DraftText, sig.SentText, sig.AuthorID,
		).Scan(&sig.RecordedAt)
	})
	if errors.Is(err, ErrWatchResolved) {
		return model.RLSignal{}, fmt.Errorf("storage: record signal for %s: %w", sig.ActionID, ErrWatchResolved)
	}
	if err != nil {
		return model.RLSignal{}, fmt.Errorf("storage: record signal: %w", err)
	}
	return sig, nil
}

// ListSignals returns signals, newest first, optionally for one conversation.
func (db *DB) ListSignals(ctx context.Context, conversationID string, limit int) ([]model.RLSignal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, conversation_id, message_id, action_id, category, similarity, draft_text, sent_text, author_id, recorded_at
		 FROM rl_signals
		 WHERE $1 = '' OR conversation_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list signals: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RLSignal, error) {
		var (
			s   model.RLSignal
			cat string
		)
		err := row.Scan(&s.ID, &s.ConversationID, &s.MessageID, &s.ActionID, &cat,
			&s.Similarity, &s.DraftText, &s.SentText, &s.AuthorID, &s.RecordedAt)
		s.Category = model.SignalCategory(cat)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan signals: %w", err)
	}
	return out, nil
}

// SignalSummary counts signals per category since the given time.
func (db *DB) SignalSummary(ctx context.Context, since time.Time) (model.SignalSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT category, count(*), avg(similarity)
		 FROM rl_signals
		 WHERE recorded_at >= $1
		 GROUP BY category
		 ORDER BY category`,
		since,
	)
	if err != nil {
		return model.SignalSummary{}, fmt.Errorf("storage: signal summary: %w", err)
	}
	cats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CategorySummary, error) {
		var (
			c   model.CategorySummary
			cat string
		)
		err := row.Scan(&cat, &c.Count, &c.MeanSimilarity)
		c.Category = model.SignalCategory(cat)
		return c, err
	})
	if err != nil {
		return model.SignalSummary{}, fmt.Errorf("storage: scan signal summary: %w", err)
	}

	sum := model.SignalSummary{Since: since, Categories: cats}
	if sum.Categories == nil {
		sum.Categories = []model.CategorySummary{}
	}
	for _, c := range cats {
		sum.Total += c.Count
	}
	return sum, nil
}
