package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// Ledger entry types.
const (
	EntryStake      = "stake"
	EntryPayout     = "payout"
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
)

// Ledger entry statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

var SupportedCurrencies = []string{"bitcoin", "ethereum"}

var (
	ErrPlayerNotFound      = errors.New("player not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrConflict            = errors.New("transaction conflict")
)

// Player is the wallet-side account record. Balances are mutated only
// through the Service; they never go negative.
type Player struct {
	ID             string             `json:"id"`
	Username       string             `json:"username"`
	Balances       map[string]float64 `json:"balances"`
	TotalDeposited float64            `json:"total_deposited"`
	TotalWithdrawn float64            `json:"total_withdrawn"`
	GamesPlayed    int                `json:"games_played"`
	TotalWon       float64            `json:"total_won"`
	TotalLost      float64            `json:"total_lost"`
	BiggestWin     float64            `json:"biggest_win"`
	BiggestLoss    float64            `json:"biggest_loss"`
	CurrentStreak  int                `json:"current_streak"`
	BestStreak     int                `json:"best_streak"`
	LastPlayedAt   *time.Time         `json:"last_played_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// LedgerEntry is the immutable record of one balance-affecting event.
// TxHash is derived from the entry's content so a replayed operation
// produces the same hash and is rejected by the store's unique index.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	TxHash       string    `json:"tx_hash"`
	PlayerID     string    `json:"player_id"`
	RoundID      int64     `json:"round_id"` // 0 for non-round entries
	Type         string    `json:"type"`
	USDAmount    float64   `json:"usd_amount"`
	CryptoAmount float64   `json:"crypto_amount"`
	Currency     string    `json:"currency"`
	PriceAtTime  float64   `json:"price_at_time"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Tx is the set of operations available inside one atomic store
// transaction.
type Tx interface {
	PlayerForUpdate(ctx context.Context, playerID string) (*Player, error)
	SavePlayer(ctx context.Context, p *Player) error
	InsertLedgerEntry(ctx context.Context, e *LedgerEntry) error
}

// Store is the persistent backend the ledger runs against. WithTx must
// be all-or-nothing: if fn returns an error nothing is committed.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetPlayer(ctx context.Context, playerID string) (*Player, error)
	ListLedgerEntries(ctx context.Context, playerID string, limit int) ([]LedgerEntry, error)
}

// Service serializes balance mutations per account. Different accounts
// proceed concurrently; at most one mutation per account is in flight.
type Service struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store) *Service {
	return &Service{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) accountLock(playerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[playerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[playerID] = l
	}
	return l
}

type DebitParams struct {
	PlayerID     string
	RoundID      int64
	USDAmount    float64
	CryptoAmount float64
	Currency     string
	Price        float64
}

type CreditParams struct {
	PlayerID     string
	RoundID      int64
	USDAmount    float64 // payout in USD
	CryptoAmount float64 // payout in asset units
	Currency     string
	Price        float64
	Multiplier   float64
	StakeUSD     float64 // the stored stake, used for profit
}

type DepositParams struct {
	PlayerID     string
	USDAmount    float64
	CryptoAmount float64
	Currency     string
	Price        float64
}

// Receipt reports the outcome of a confirmed mutation.
type Receipt struct {
	Entry      *LedgerEntry `json:"entry"`
	NewBalance float64      `json:"new_balance"`
}

func validCurrency(currency string) bool {
	for _, c := range SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// Debit deducts a stake from the player's wallet, updates play stats
// and appends a stake ledger entry, all in one transaction.
func (s *Service) Debit(ctx context.Context, p DebitParams) (*Receipt, error) {
	if p.USDAmount <= 0 || p.CryptoAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validCurrency(p.Currency) {
		return nil, ErrUnsupportedCurrency
	}

	l := s.accountLock(p.PlayerID)
	l.Lock()
	defer l.Unlock()

	var receipt *Receipt
	err := s.store.WithTx(ctx, func(tx Tx) error {
		player, err := tx.PlayerForUpdate(ctx, p.PlayerID)
		if err != nil {
			return err
		}

		if player.Balances[p.Currency] < p.CryptoAmount {
			return fmt.Errorf("%w: need %.8f %s, have %.8f",
				ErrInsufficientFunds, p.CryptoAmount, p.Currency, player.Balances[p.Currency])
		}

		player.Balances[p.Currency] = round8(player.Balances[p.Currency] - p.CryptoAmount)
		player.GamesPlayed++
		player.TotalLost += p.USDAmount
		if p.USDAmount > player.BiggestLoss {
			player.BiggestLoss = p.USDAmount
		}
		now := time.Now()
		player.LastPlayedAt = &now

		if err := tx.SavePlayer(ctx, player); err != nil {
			return err
		}

		entry := &LedgerEntry{
			PlayerID:     p.PlayerID,
			RoundID:      p.RoundID,
			Type:         EntryStake,
			USDAmount:    p.USDAmount,
			CryptoAmount: p.CryptoAmount,
			Currency:     p.Currency,
			PriceAtTime:  p.Price,
			Status:       StatusConfirmed,
			CreatedAt:    now,
		}
		entry.TxHash = entryHash(entry)
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		receipt = &Receipt{Entry: entry, NewBalance: player.Balances[p.Currency]}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[WALLET] Debit: player %s staked $%.2f (%.8f %s)",
		p.PlayerID, p.USDAmount, p.CryptoAmount, p.Currency)
	return receipt, nil
}

// Credit pays out a cashout: adds asset units to the wallet, updates
// win stats and the streak, and appends a payout ledger entry.
// Profit is computed from the stored stake, never reconstructed from
// payout/multiplier.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*Receipt, error) {
	if p.USDAmount <= 0 || p.CryptoAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validCurrency(p.Currency) {
		return nil, ErrUnsupportedCurrency
	}

	l := s.accountLock(p.PlayerID)
	l.Lock()
	defer l.Unlock()

	var receipt *Receipt
	err := s.store.WithTx(ctx, func(tx Tx) error {
		player, err := tx.PlayerForUpdate(ctx, p.PlayerID)
		if err != nil {
			return err
		}

		player.Balances[p.Currency] = round8(player.Balances[p.Currency] + p.CryptoAmount)
		player.TotalWon += p.USDAmount

		profit := math.Round((p.USDAmount-p.StakeUSD)*100) / 100
		if profit > player.BiggestWin {
			player.BiggestWin = profit
		}

		if profit > 0 {
			if player.CurrentStreak > 0 {
				player.CurrentStreak++
			} else {
				player.CurrentStreak = 1
			}
			if player.CurrentStreak > player.BestStreak {
				player.BestStreak = player.CurrentStreak
			}
		} else {
			if player.CurrentStreak < 0 {
				player.CurrentStreak--
			} else {
				player.CurrentStreak = -1
			}
		}

		now := time.Now()
		player.LastPlayedAt = &now

		if err := tx.SavePlayer(ctx, player); err != nil {
			return err
		}

		entry := &LedgerEntry{
			PlayerID:     p.PlayerID,
			RoundID:      p.RoundID,
			Type:         EntryPayout,
			USDAmount:    p.USDAmount,
			CryptoAmount: p.CryptoAmount,
			Currency:     p.Currency,
			PriceAtTime:  p.Price,
			Status:       StatusConfirmed,
			CreatedAt:    now,
		}
		entry.TxHash = entryHash(entry)
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		receipt = &Receipt{Entry: entry, NewBalance: player.Balances[p.Currency]}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[WALLET] Credit: player %s won $%.2f (%.8f %s) at %.2fx",
		p.PlayerID, p.USDAmount, p.CryptoAmount, p.Currency, p.Multiplier)
	return receipt, nil
}

// Deposit adds funds converted at the current price.
func (s *Service) Deposit(ctx context.Context, p DepositParams) (*Receipt, error) {
	if p.USDAmount <= 0 || p.CryptoAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validCurrency(p.Currency) {
		return nil, ErrUnsupportedCurrency
	}

	l := s.accountLock(p.PlayerID)
	l.Lock()
	defer l.Unlock()

	var receipt *Receipt
	err := s.store.WithTx(ctx, func(tx Tx) error {
		player, err := tx.PlayerForUpdate(ctx, p.PlayerID)
		if err != nil {
			return err
		}

		player.Balances[p.Currency] = round8(player.Balances[p.Currency] + p.CryptoAmount)
		player.TotalDeposited += p.USDAmount

		if err := tx.SavePlayer(ctx, player); err != nil {
			return err
		}

		now := time.Now()
		entry := &LedgerEntry{
			PlayerID:     p.PlayerID,
			RoundID:      0,
			Type:         EntryDeposit,
			USDAmount:    p.USDAmount,
			CryptoAmount: p.CryptoAmount,
			Currency:     p.Currency,
			PriceAtTime:  p.Price,
			Status:       StatusConfirmed,
			CreatedAt:    now,
		}
		entry.TxHash = entryHash(entry)
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		receipt = &Receipt{Entry: entry, NewBalance: player.Balances[p.Currency]}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[WALLET] Deposit: player %s deposited $%.2f (%.8f %s)",
		p.PlayerID, p.USDAmount, p.CryptoAmount, p.Currency)
	return receipt, nil
}

// UpdateLossStreak records a forced loss for a bet left unresolved at
// crash time. Balances are untouched; the stake was already debited.
func (s *Service) UpdateLossStreak(ctx context.Context, playerID string) error {
	l := s.accountLock(playerID)
	l.Lock()
	defer l.Unlock()

	return s.store.WithTx(ctx, func(tx Tx) error {
		player, err := tx.PlayerForUpdate(ctx, playerID)
		if err != nil {
			return err
		}
		if player.CurrentStreak < 0 {
			player.CurrentStreak--
		} else {
			player.CurrentStreak = -1
		}
		return tx.SavePlayer(ctx, player)
	})
}

// GetPlayer returns the current account record.
func (s *Service) GetPlayer(ctx context.Context, playerID string) (*Player, error) {
	return s.store.GetPlayer(ctx, playerID)
}

// Transactions lists a player's most recent ledger entries.
func (s *Service) Transactions(ctx context.Context, playerID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListLedgerEntries(ctx, playerID, limit)
}

// entryHash derives the idempotency identifier from the entry content.
// Round-scoped entries hash deterministically (one stake and one payout
// per player per round); deposits mix in the creation time.
func entryHash(e *LedgerEntry) string {
	data := fmt.Sprintf("%s|%s|%d|%.2f|%.8f|%s",
		e.PlayerID, e.Type, e.RoundID, e.USDAmount, e.CryptoAmount, e.Currency)
	if e.RoundID == 0 {
		data = fmt.Sprintf("%s|%d", data, e.CreatedAt.UnixNano())
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
