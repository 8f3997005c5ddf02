package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"

	"cryptocrash/internal/game"
	"cryptocrash/internal/wallet"
)

// Service is the persistent store: accounts and ledger entries for the
// wallet, rounds and bets for the scheduler, plus the atomic
// transaction primitive both run on.
type Service interface {
	Health() map[string]string
	Close() error

	// wallet.Store
	WithTx(ctx context.Context, fn func(tx wallet.Tx) error) error
	GetPlayer(ctx context.Context, playerID string) (*wallet.Player, error)
	ListLedgerEntries(ctx context.Context, playerID string, limit int) ([]wallet.LedgerEntry, error)

	// game.RoundStore
	NextRoundID(ctx context.Context) (int64, error)
	CreateRound(ctx context.Context, r *game.Round) error
	SaveRound(ctx context.Context, r *game.Round) error

	CreatePlayer(ctx context.Context, p *wallet.Player) error
	RoundHistory(ctx context.Context, limit int) ([]game.RoundSummary, error)
	GetRound(ctx context.Context, roundID int64) (*game.Round, error)
}

type service struct {
	pool *pgxpool.Pool
}

var (
	database   = getEnv("CRASH_DB_DATABASE", "crashdb")
	password   = getEnv("CRASH_DB_PASSWORD", "postgres")
	username   = getEnv("CRASH_DB_USERNAME", "postgres")
	port       = getEnv("CRASH_DB_PORT", "5432")
	host       = getEnv("CRASH_DB_HOST", "localhost")
	schema     = getEnv("CRASH_DB_SCHEMA", "public")
	dbInstance *service
)

func New() Service {
	if dbInstance != nil {
		return dbInstance
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		username, password, host, port, database, schema)

	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		log.Fatalf("[DB] Failed to create connection pool: %v", err)
	}

	dbInstance = &service{pool: pool}
	return dbInstance
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	poolStats := s.pool.Stat()
	stats["total_conns"] = strconv.FormatInt(int64(poolStats.TotalConns()), 10)
	stats["idle_conns"] = strconv.FormatInt(int64(poolStats.IdleConns()), 10)
	stats["acquired_conns"] = strconv.FormatInt(int64(poolStats.AcquiredConns()), 10)

	return stats
}

func (s *service) Close() error {
	log.Println("[DB] Disconnecting from database")
	s.pool.Close()
	return nil
}

const (
	txMaxAttempts = 3
	txRetryDelay  = 25 * time.Millisecond
)

// WithTx runs fn inside a transaction. Serialization conflicts are
// retried a bounded number of times before surfacing as a conflict.
func (s *service) WithTx(ctx context.Context, fn func(tx wallet.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isSerializationError(err) {
			return err
		}
		log.Printf("[DB] Transaction conflict (attempt %d/%d), retrying", attempt, txMaxAttempts)
		time.Sleep(txRetryDelay * time.Duration(attempt))
	}
	return fmt.Errorf("%w: %v", wallet.ErrConflict, err)
}

func (s *service) runTx(ctx context.Context, fn func(tx wallet.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// pgTx adapts a pgx transaction to the wallet's Tx surface.
type pgTx struct {
	tx pgx.Tx
}

const playerColumns = `id, username, balance_bitcoin, balance_ethereum,
	total_deposited, total_withdrawn, games_played, total_won, total_lost,
	biggest_win, biggest_loss, current_streak, best_streak, last_played_at, created_at`

func scanPlayer(row pgx.Row) (*wallet.Player, error) {
	var p wallet.Player
	var btc, eth float64
	err := row.Scan(&p.ID, &p.Username, &btc, &eth,
		&p.TotalDeposited, &p.TotalWithdrawn, &p.GamesPlayed, &p.TotalWon, &p.TotalLost,
		&p.BiggestWin, &p.BiggestLoss, &p.CurrentStreak, &p.BestStreak, &p.LastPlayedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrPlayerNotFound
		}
		return nil, err
	}
	p.Balances = map[string]float64{"bitcoin": btc, "ethereum": eth}
	return &p, nil
}

func (t *pgTx) PlayerForUpdate(ctx context.Context, playerID string) (*wallet.Player, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE id = $1 FOR UPDATE`, playerID)
	return scanPlayer(row)
}

func (t *pgTx) SavePlayer(ctx context.Context, p *wallet.Player) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE players SET
			balance_bitcoin = $2, balance_ethereum = $3,
			total_deposited = $4, total_withdrawn = $5, games_played = $6,
			total_won = $7, total_lost = $8, biggest_win = $9, biggest_loss = $10,
			current_streak = $11, best_streak = $12, last_played_at = $13
		WHERE id = $1`,
		p.ID, p.Balances["bitcoin"], p.Balances["ethereum"],
		p.TotalDeposited, p.TotalWithdrawn, p.GamesPlayed,
		p.TotalWon, p.TotalLost, p.BiggestWin, p.BiggestLoss,
		p.CurrentStreak, p.BestStreak, p.LastPlayedAt)
	return err
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *wallet.LedgerEntry) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(tx_hash, player_id, round_id, type, usd_amount, crypto_amount,
			 currency, price_at_time, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		e.TxHash, e.PlayerID, e.RoundID, e.Type, e.USDAmount, e.CryptoAmount,
		e.Currency, e.PriceAtTime, e.Status, e.CreatedAt).Scan(&e.ID)
}

func (s *service) GetPlayer(ctx context.Context, playerID string) (*wallet.Player, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+playerColumns+` FROM players WHERE id = $1`, playerID)
	return scanPlayer(row)
}

func (s *service) CreatePlayer(ctx context.Context, p *wallet.Player) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO players
			(id, username, balance_bitcoin, balance_ethereum, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		p.ID, p.Username, p.Balances["bitcoin"], p.Balances["ethereum"])
	return err
}

func (s *service) ListLedgerEntries(ctx context.Context, playerID string, limit int) ([]wallet.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tx_hash, player_id, round_id, type, usd_amount, crypto_amount,
		       currency, price_at_time, status, created_at
		FROM ledger_entries
		WHERE player_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []wallet.LedgerEntry
	for rows.Next() {
		var e wallet.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TxHash, &e.PlayerID, &e.RoundID, &e.Type,
			&e.USDAmount, &e.CryptoAmount, &e.Currency, &e.PriceAtTime,
			&e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *service) NextRoundID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(round_id), 0) + 1 FROM game_rounds`).Scan(&id)
	return id, err
}

func (s *service) CreateRound(ctx context.Context, r *game.Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_rounds
			(round_id, seed, hash, crash_point, phase, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.RoundID, r.Seed, r.Hash, r.CrashPoint, r.Phase, r.StartTime)
	return err
}

// SaveRound writes the round record and upserts its bets in one
// transaction.
func (s *service) SaveRound(ctx context.Context, r *game.Round) error {
	history, err := json.Marshal(r.MultiplierHistory)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE game_rounds SET
			phase = $2, start_time = $3, end_time = $4, duration_ms = $5,
			total_bet_amount = $6, total_cashout_amount = $7,
			players_count = $8, cashout_count = $9, multiplier_history = $10
		WHERE round_id = $1`,
		r.RoundID, r.Phase, r.StartTime, r.EndTime, r.DurationMs,
		r.TotalBetAmount, r.TotalCashoutAmount, r.PlayersCount, r.CashoutCount, history)
	if err != nil {
		return err
	}

	for i := range r.Bets {
		b := &r.Bets[i]
		_, err = tx.Exec(ctx, `
			INSERT INTO round_bets
				(round_id, player_id, username, usd_amount, crypto_amount, currency,
				 price_at_bet, cashed_out, cashout_multiplier, cashout_amount,
				 cashout_time, profit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (round_id, player_id) DO UPDATE SET
				cashed_out = EXCLUDED.cashed_out,
				cashout_multiplier = EXCLUDED.cashout_multiplier,
				cashout_amount = EXCLUDED.cashout_amount,
				cashout_time = EXCLUDED.cashout_time,
				profit = EXCLUDED.profit`,
			r.RoundID, b.PlayerID, b.Username, b.USDAmount, b.CryptoAmount, b.Currency,
			b.PriceAtBet, b.CashedOut, nullFloat(b.CashoutMultiplier),
			nullFloat(b.CashoutAmount), b.CashoutTime, b.Profit)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func nullFloat(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func (s *service) GetRound(ctx context.Context, roundID int64) (*game.Round, error) {
	var r game.Round
	var history []byte
	err := s.pool.QueryRow(ctx, `
		SELECT round_id, seed, hash, crash_point, phase, start_time, end_time,
		       duration_ms, total_bet_amount, total_cashout_amount,
		       players_count, cashout_count, multiplier_history
		FROM game_rounds WHERE round_id = $1`, roundID).Scan(
		&r.RoundID, &r.Seed, &r.Hash, &r.CrashPoint, &r.Phase, &r.StartTime,
		&r.EndTime, &r.DurationMs, &r.TotalBetAmount, &r.TotalCashoutAmount,
		&r.PlayersCount, &r.CashoutCount, &history)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("round %d not found", roundID)
		}
		return nil, err
	}
	if err := json.Unmarshal(history, &r.MultiplierHistory); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT player_id, username, usd_amount, crypto_amount, currency,
		       price_at_bet, cashed_out, cashout_multiplier, cashout_amount,
		       cashout_time, profit
		FROM round_bets WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var b game.Bet
		var mult, amount *float64
		if err := rows.Scan(&b.PlayerID, &b.Username, &b.USDAmount, &b.CryptoAmount,
			&b.Currency, &b.PriceAtBet, &b.CashedOut, &mult, &amount,
			&b.CashoutTime, &b.Profit); err != nil {
			return nil, err
		}
		if mult != nil {
			b.CashoutMultiplier = *mult
		}
		if amount != nil {
			b.CashoutAmount = *amount
		}
		r.Bets = append(r.Bets, b)
	}
	return &r, rows.Err()
}

func (s *service) RoundHistory(ctx context.Context, limit int) ([]game.RoundSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_id, crash_point, start_time, end_time, duration_ms,
		       players_count, total_bet_amount, total_cashout_amount
		FROM game_rounds
		WHERE phase = $1
		ORDER BY round_id DESC
		LIMIT $2`, game.PhaseCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []game.RoundSummary
	for rows.Next() {
		var sum game.RoundSummary
		if err := rows.Scan(&sum.RoundID, &sum.CrashPoint, &sum.StartTime, &sum.EndTime,
			&sum.DurationMs, &sum.PlayersCount, &sum.TotalBetAmount,
			&sum.TotalCashoutAmount); err != nil {
			return nil, err
		}
		if sum.TotalBetAmount > 0 {
			sum.HouseEdge = (sum.TotalBetAmount - sum.TotalCashoutAmount) / sum.TotalBetAmount
		}
		rounds = append(rounds, sum)
	}
	return rounds, rows.Err()
}

// RunMigrations applies all pending migrations.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	m, err := newMigrator(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// RollbackMigration rolls back the most recent migration.
func RollbackMigration(db *sql.DB, migrationsPath string) error {
	m, err := newMigrator(db, migrationsPath)
	if err != nil {
		return err
	}
	return m.Steps(-1)
}

// GetMigrationVersion reports the current schema version.
func GetMigrationVersion(db *sql.DB, migrationsPath string) (uint, bool, error) {
	m, err := newMigrator(db, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(db *sql.DB, migrationsPath string) (*migrate.Migrate, error) {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, err
	}
	return migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
