package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/crosslink-mc/crosslink/internal/identity"
	"github.com/crosslink-mc/crosslink/internal/session"
)

// Postgres is the durable tier. One row per player; the per-source daily
// counters travel as JSONB so the schema survives source additions.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the pool, verifies the link and applies pending
// migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("[Store] postgres connected")
	return &Postgres{db: db}, nil
}

// Close shuts down the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

const playerColumns = `id, display_name, edition, external_id, cumulative_xp,
	per_source_total, per_source_day, daily_xp, weekly_xp, monthly_xp,
	daily_anchor, weekly_anchor, monthly_anchor,
	main_rank, sub_rank, rank_history, created_at, updated_at`

// LoadPlayer implements DurableTier.
func (p *Postgres) LoadPlayer(ctx context.Context, id uuid.UUID) (*PlayerRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+playerColumns+` FROM players WHERE id = $1`, id)
	return scanPlayer(row)
}

// LoadPlayerByExternal implements DurableTier.
func (p *Postgres) LoadPlayerByExternal(ctx context.Context, externalID string) (*PlayerRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+playerColumns+` FROM players WHERE external_id = $1`, externalID)
	return scanPlayer(row)
}

// SavePlayers implements DurableTier: one transaction, upsert per record.
func (p *Postgres) SavePlayers(ctx context.Context, recs []*PlayerRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO players (`+playerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			display_name     = EXCLUDED.display_name,
			edition          = EXCLUDED.edition,
			external_id      = EXCLUDED.external_id,
			cumulative_xp    = EXCLUDED.cumulative_xp,
			per_source_total = EXCLUDED.per_source_total,
			per_source_day   = EXCLUDED.per_source_day,
			daily_xp         = EXCLUDED.daily_xp,
			weekly_xp        = EXCLUDED.weekly_xp,
			monthly_xp       = EXCLUDED.monthly_xp,
			daily_anchor     = EXCLUDED.daily_anchor,
			weekly_anchor    = EXCLUDED.weekly_anchor,
			monthly_anchor   = EXCLUDED.monthly_anchor,
			main_rank        = EXCLUDED.main_rank,
			sub_rank         = EXCLUDED.sub_rank,
			rank_history     = EXCLUDED.rank_history,
			updated_at       = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		perTotal, err := json.Marshal(rec.PerSourceTotal)
		if err != nil {
			return fmt.Errorf("store: encode per-source totals for %s: %w", rec.ID, err)
		}
		perSource, err := json.Marshal(rec.PerSourceDay)
		if err != nil {
			return fmt.Errorf("store: encode per-source counters for %s: %w", rec.ID, err)
		}
		rankHist, err := json.Marshal(rec.RankHistory)
		if err != nil {
			return fmt.Errorf("store: encode rank history for %s: %w", rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.DisplayName, rec.Edition, rec.ExternalID, rec.CumulativeXP,
			perTotal, perSource, rec.Windows.Daily, rec.Windows.Weekly, rec.Windows.Monthly,
			rec.Windows.DailyAnchor, rec.Windows.WeeklyAnchor, rec.Windows.MonthlyAnchor,
			rec.MainRank, rec.SubRank, rankHist, rec.CreatedAt, rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("store: upsert player %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// AppendXPGain implements HistoryTier: one append-only row per award.
func (p *Postgres) AppendXPGain(ctx context.Context, playerID uuid.UUID, at time.Time, source string, amount, newCumulative int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO xp_history (player_id, at, source, amount, cumulative_xp)
		VALUES ($1, $2, $3, $4, $5)`,
		playerID, at, source, amount, newCumulative)
	return err
}

// SaveSession implements session.Journal: one upsert per snapshot.
func (p *Postgres) SaveSession(ctx context.Context, s session.Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, external_id, raw_username, normalized_name, edition,
			platform_id, challenge_code, created_at, expires_at, entered_holding,
			state, warnings_issued)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			platform_id     = EXCLUDED.platform_id,
			entered_holding = EXCLUDED.entered_holding,
			state           = EXCLUDED.state,
			warnings_issued = EXCLUDED.warnings_issued`,
		s.ID, s.ExternalID, s.RawUsername, s.NormalizedName, int(s.Edition),
		s.PlatformID, s.ChallengeCode, s.CreatedAt, s.ExpiresAt, s.EnteredHolding,
		int(s.State), s.WarningsIssued)
	return err
}

// DeleteSession implements session.Journal.
func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// LoadActiveSessions implements session.Journal. Only pending and
// admitted rows ever live in the table; terminal sessions are deleted on
// transition.
func (p *Postgres) LoadActiveSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, external_id, raw_username, normalized_name, edition,
			platform_id, challenge_code, created_at, expires_at, entered_holding,
			state, warnings_issued
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("store: load sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var s session.Session
		var edition, state int
		if err := rows.Scan(
			&s.ID, &s.ExternalID, &s.RawUsername, &s.NormalizedName, &edition,
			&s.PlatformID, &s.ChallengeCode, &s.CreatedAt, &s.ExpiresAt, &s.EnteredHolding,
			&state, &s.WarningsIssued,
		); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		s.Edition = identity.Edition(edition)
		s.State = session.State(state)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendAudit inserts one channel-audit row. Retention pruning is driven
// by the audit package's scheduled job.
func (p *Postgres) AppendAudit(ctx context.Context, at time.Time, channel, senderKey, verdict, text string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO channel_audit (at, channel, sender_key, verdict, text)
		VALUES ($1, $2, $3, $4, $5)`,
		at, channel, senderKey, verdict, text)
	return err
}

// PruneAudit deletes audit rows older than the cutoff and reports how
// many went.
func (p *Postgres) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM channel_audit WHERE at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanPlayer(row *sql.Row) (*PlayerRecord, error) {
	var rec PlayerRecord
	var perTotal, perSource, rankHist []byte
	err := row.Scan(
		&rec.ID, &rec.DisplayName, &rec.Edition, &rec.ExternalID, &rec.CumulativeXP,
		&perTotal, &perSource, &rec.Windows.Daily, &rec.Windows.Weekly, &rec.Windows.Monthly,
		&rec.Windows.DailyAnchor, &rec.Windows.WeeklyAnchor, &rec.Windows.MonthlyAnchor,
		&rec.MainRank, &rec.SubRank, &rankHist, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan player: %w", err)
	}

	rec.PerSourceTotal = make(map[string]int64)
	if len(perTotal) > 0 {
		if err := json.Unmarshal(perTotal, &rec.PerSourceTotal); err != nil {
			return nil, fmt.Errorf("store: decode per-source totals: %w", err)
		}
	}
	rec.PerSourceDay = make(map[string]int64)
	if len(perSource) > 0 {
		if err := json.Unmarshal(perSource, &rec.PerSourceDay); err != nil {
			return nil, fmt.Errorf("store: decode per-source counters: %w", err)
		}
	}
	if len(rankHist) > 0 {
		if err := json.Unmarshal(rankHist, &rec.RankHistory); err != nil {
			return nil, fmt.Errorf("store: decode rank history: %w", err)
		}
	}
	return &rec, nil
}
