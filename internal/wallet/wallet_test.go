package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store with transactional semantics: staged
// writes are only visible after fn returns nil.
type memStore struct {
	mu      sync.Mutex
	players map[string]*Player
	entries []LedgerEntry
	hashes  map[string]bool
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{
		players: make(map[string]*Player),
		hashes:  make(map[string]bool),
	}
}

func (m *memStore) addPlayer(id string, balances map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[id] = &Player{
		ID:        id,
		Username:  id,
		Balances:  balances,
		CreatedAt: time.Now(),
	}
}

func copyPlayer(p *Player) *Player {
	cp := *p
	cp.Balances = make(map[string]float64, len(p.Balances))
	for k, v := range p.Balances {
		cp.Balances[k] = v
	}
	return &cp
}

type memTx struct {
	store   *memStore
	staged  map[string]*Player
	entries []*LedgerEntry
}

func (t *memTx) PlayerForUpdate(ctx context.Context, playerID string) (*Player, error) {
	if p, ok := t.staged[playerID]; ok {
		return p, nil
	}
	p, ok := t.store.players[playerID]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	cp := copyPlayer(p)
	t.staged[playerID] = cp
	return cp, nil
}

func (t *memTx) SavePlayer(ctx context.Context, p *Player) error {
	t.staged[p.ID] = p
	return nil
}

func (t *memTx) InsertLedgerEntry(ctx context.Context, e *LedgerEntry) error {
	if t.store.hashes[e.TxHash] {
		return fmt.Errorf("duplicate tx hash %s", e.TxHash)
	}
	for _, staged := range t.entries {
		if staged.TxHash == e.TxHash {
			return fmt.Errorf("duplicate tx hash %s", e.TxHash)
		}
	}
	t.entries = append(t.entries, e)
	return nil
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, staged: make(map[string]*Player)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, p := range tx.staged {
		m.players[id] = p
	}
	for _, e := range tx.entries {
		m.nextID++
		e.ID = m.nextID
		m.hashes[e.TxHash] = true
		m.entries = append(m.entries, *e)
	}
	return nil
}

func (m *memStore) GetPlayer(ctx context.Context, playerID string) (*Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerID]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	return copyPlayer(p), nil
}

func (m *memStore) ListLedgerEntries(ctx context.Context, playerID string, limit int) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].PlayerID == playerID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memStore) balance(playerID, currency string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.players[playerID].Balances[currency]
}

func TestDebit(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 0.01})
	svc := New(store)
	ctx := context.Background()

	receipt, err := svc.Debit(ctx, DebitParams{
		PlayerID:     "p1",
		RoundID:      7,
		USDAmount:    100,
		CryptoAmount: 0.002,
		Currency:     "bitcoin",
		Price:        50000,
	})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	if receipt.NewBalance != 0.008 {
		t.Errorf("new balance = %.8f; want 0.00800000", receipt.NewBalance)
	}
	if receipt.Entry.Type != EntryStake {
		t.Errorf("entry type = %s; want %s", receipt.Entry.Type, EntryStake)
	}
	if receipt.Entry.Status != StatusConfirmed {
		t.Errorf("entry status = %s; want %s", receipt.Entry.Status, StatusConfirmed)
	}

	player, _ := svc.GetPlayer(ctx, "p1")
	if player.GamesPlayed != 1 {
		t.Errorf("games played = %d; want 1", player.GamesPlayed)
	}
	if player.TotalLost != 100 {
		t.Errorf("total lost = %.2f; want 100.00", player.TotalLost)
	}
	if player.BiggestLoss != 100 {
		t.Errorf("biggest loss = %.2f; want 100.00", player.BiggestLoss)
	}
	if player.LastPlayedAt == nil {
		t.Error("last played at not set")
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 0.001})
	svc := New(store)

	_, err := svc.Debit(context.Background(), DebitParams{
		PlayerID:     "p1",
		RoundID:      1,
		USDAmount:    100,
		CryptoAmount: 0.002,
		Currency:     "bitcoin",
		Price:        50000,
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v; want ErrInsufficientFunds", err)
	}

	// Nothing committed: balance, stats and ledger are untouched.
	if got := store.balance("p1", "bitcoin"); got != 0.001 {
		t.Errorf("balance after failed debit = %.8f; want 0.00100000", got)
	}
	player, _ := svc.GetPlayer(context.Background(), "p1")
	if player.GamesPlayed != 0 {
		t.Errorf("games played after failed debit = %d; want 0", player.GamesPlayed)
	}
	entries, _ := svc.Transactions(context.Background(), "p1", 10)
	if len(entries) != 0 {
		t.Errorf("ledger entries after failed debit = %d; want 0", len(entries))
	}
}

func TestDebitValidation(t *testing.T) {
	svc := New(newMemStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		params  DebitParams
		wantErr error
	}{
		{
			name:    "zero amount",
			params:  DebitParams{PlayerID: "p1", USDAmount: 0, CryptoAmount: 0.001, Currency: "bitcoin"},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative crypto",
			params:  DebitParams{PlayerID: "p1", USDAmount: 10, CryptoAmount: -0.001, Currency: "bitcoin"},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "unsupported currency",
			params:  DebitParams{PlayerID: "p1", USDAmount: 10, CryptoAmount: 0.001, Currency: "dogecoin"},
			wantErr: ErrUnsupportedCurrency,
		},
		{
			name:    "unknown player",
			params:  DebitParams{PlayerID: "ghost", USDAmount: 10, CryptoAmount: 0.001, Currency: "bitcoin"},
			wantErr: ErrPlayerNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Debit(ctx, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v; want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreditProfitFromStake(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 0.01})
	svc := New(store)
	ctx := context.Background()

	receipt, err := svc.Credit(ctx, CreditParams{
		PlayerID:     "p1",
		RoundID:      7,
		USDAmount:    200, // payout at 2.00x
		CryptoAmount: 0.004,
		Currency:     "bitcoin",
		Price:        50000,
		Multiplier:   2.00,
		StakeUSD:     100,
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	if receipt.NewBalance != 0.014 {
		t.Errorf("new balance = %.8f; want 0.01400000", receipt.NewBalance)
	}
	if receipt.Entry.Type != EntryPayout {
		t.Errorf("entry type = %s; want %s", receipt.Entry.Type, EntryPayout)
	}

	player, _ := svc.GetPlayer(ctx, "p1")
	if player.TotalWon != 200 {
		t.Errorf("total won = %.2f; want 200.00", player.TotalWon)
	}
	// Profit is payout minus the stored stake, not a multiplier product.
	if player.BiggestWin != 100 {
		t.Errorf("biggest win = %.2f; want 100.00", player.BiggestWin)
	}
	if player.CurrentStreak != 1 || player.BestStreak != 1 {
		t.Errorf("streak = %d/%d; want 1/1", player.CurrentStreak, player.BestStreak)
	}
}

func TestStreakTransitions(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 1})
	svc := New(store)
	ctx := context.Background()

	win := func(roundID int64) {
		t.Helper()
		_, err := svc.Credit(ctx, CreditParams{
			PlayerID: "p1", RoundID: roundID, USDAmount: 150, CryptoAmount: 0.003,
			Currency: "bitcoin", Price: 50000, Multiplier: 1.5, StakeUSD: 100,
		})
		if err != nil {
			t.Fatalf("credit failed: %v", err)
		}
	}

	win(1)
	win(2)
	player, _ := svc.GetPlayer(ctx, "p1")
	if player.CurrentStreak != 2 || player.BestStreak != 2 {
		t.Fatalf("after two wins: streak = %d/%d; want 2/2", player.CurrentStreak, player.BestStreak)
	}

	if err := svc.UpdateLossStreak(ctx, "p1"); err != nil {
		t.Fatalf("loss streak update failed: %v", err)
	}
	if err := svc.UpdateLossStreak(ctx, "p1"); err != nil {
		t.Fatalf("loss streak update failed: %v", err)
	}
	player, _ = svc.GetPlayer(ctx, "p1")
	if player.CurrentStreak != -2 {
		t.Fatalf("after two losses: streak = %d; want -2", player.CurrentStreak)
	}
	if player.BestStreak != 2 {
		t.Errorf("best streak after losses = %d; want 2", player.BestStreak)
	}

	win(3)
	player, _ = svc.GetPlayer(ctx, "p1")
	if player.CurrentStreak != 1 {
		t.Errorf("streak after recovery = %d; want 1", player.CurrentStreak)
	}
	if player.BestStreak != 2 {
		t.Errorf("best streak after recovery = %d; want 2", player.BestStreak)
	}
}

func TestCreditBreakEvenCountsAsLoss(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"ethereum": 1})
	svc := New(store)

	// Payout equals stake; zero profit does not extend a win streak.
	_, err := svc.Credit(context.Background(), CreditParams{
		PlayerID: "p1", RoundID: 1, USDAmount: 100, CryptoAmount: 0.03,
		Currency: "ethereum", Price: 3000, Multiplier: 1.00, StakeUSD: 100,
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	player, _ := svc.GetPlayer(context.Background(), "p1")
	if player.CurrentStreak != -1 {
		t.Errorf("streak after break-even = %d; want -1", player.CurrentStreak)
	}
	if player.BiggestWin != 0 {
		t.Errorf("biggest win after break-even = %.2f; want 0", player.BiggestWin)
	}
}

func TestDeposit(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 0})
	svc := New(store)
	ctx := context.Background()

	receipt, err := svc.Deposit(ctx, DepositParams{
		PlayerID:     "p1",
		USDAmount:    450,
		CryptoAmount: 0.01,
		Currency:     "bitcoin",
		Price:        45000,
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if receipt.NewBalance != 0.01 {
		t.Errorf("new balance = %.8f; want 0.01000000", receipt.NewBalance)
	}
	if receipt.Entry.RoundID != 0 {
		t.Errorf("deposit round ID = %d; want 0", receipt.Entry.RoundID)
	}

	player, _ := svc.GetPlayer(ctx, "p1")
	if player.TotalDeposited != 450 {
		t.Errorf("total deposited = %.2f; want 450.00", player.TotalDeposited)
	}
	if player.GamesPlayed != 0 {
		t.Errorf("deposit incremented games played")
	}
}

func TestDuplicateStakeRejected(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 0.01})
	svc := New(store)
	ctx := context.Background()

	params := DebitParams{
		PlayerID:     "p1",
		RoundID:      3,
		USDAmount:    100,
		CryptoAmount: 0.002,
		Currency:     "bitcoin",
		Price:        50000,
	}

	if _, err := svc.Debit(ctx, params); err != nil {
		t.Fatalf("first debit failed: %v", err)
	}
	if _, err := svc.Debit(ctx, params); err == nil {
		t.Fatal("replayed stake was accepted")
	}

	// The replay rolled back entirely; only one debit is applied.
	if got := store.balance("p1", "bitcoin"); got != 0.008 {
		t.Errorf("balance = %.8f; want 0.00800000", got)
	}
	entries, _ := svc.Transactions(ctx, "p1", 10)
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d; want 1", len(entries))
	}
}

func TestTransactionsLimit(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 0})
	svc := New(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Deposit(ctx, DepositParams{
			PlayerID: "p1", USDAmount: 45, CryptoAmount: 0.001, Currency: "bitcoin", Price: 45000,
		})
		if err != nil {
			t.Fatalf("deposit %d failed: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	entries, err := svc.Transactions(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("transactions failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d; want 2", len(entries))
	}
}

func TestEntryHash(t *testing.T) {
	a := &LedgerEntry{PlayerID: "p1", Type: EntryStake, RoundID: 5, USDAmount: 100, CryptoAmount: 0.002, Currency: "bitcoin"}
	b := &LedgerEntry{PlayerID: "p1", Type: EntryStake, RoundID: 5, USDAmount: 100, CryptoAmount: 0.002, Currency: "bitcoin"}
	if entryHash(a) != entryHash(b) {
		t.Error("identical round-scoped entries hash differently")
	}

	c := &LedgerEntry{PlayerID: "p1", Type: EntryStake, RoundID: 6, USDAmount: 100, CryptoAmount: 0.002, Currency: "bitcoin"}
	if entryHash(a) == entryHash(c) {
		t.Error("different rounds produced the same hash")
	}

	d := &LedgerEntry{PlayerID: "p1", Type: EntryPayout, RoundID: 5, USDAmount: 100, CryptoAmount: 0.002, Currency: "bitcoin"}
	if entryHash(a) == entryHash(d) {
		t.Error("stake and payout for the same round produced the same hash")
	}

	// Deposits mix in creation time, so repeats stay unique.
	e1 := &LedgerEntry{PlayerID: "p1", Type: EntryDeposit, USDAmount: 45, CryptoAmount: 0.001, Currency: "bitcoin", CreatedAt: time.Now()}
	e2 := &LedgerEntry{PlayerID: "p1", Type: EntryDeposit, USDAmount: 45, CryptoAmount: 0.001, Currency: "bitcoin", CreatedAt: time.Now().Add(time.Millisecond)}
	if entryHash(e1) == entryHash(e2) {
		t.Error("repeated deposits produced the same hash")
	}
}

func TestConcurrentDebitsSameAccount(t *testing.T) {
	store := newMemStore()
	store.addPlayer("p1", map[string]float64{"bitcoin": 0.010})
	svc := New(store)
	ctx := context.Background()

	// 10 concurrent stakes of 0.002 against a 0.010 balance: exactly 5
	// can succeed, and the balance never goes negative.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(roundID int64) {
			defer wg.Done()
			_, err := svc.Debit(ctx, DebitParams{
				PlayerID:     "p1",
				RoundID:      roundID,
				USDAmount:    100,
				CryptoAmount: 0.002,
				Currency:     "bitcoin",
				Price:        50000,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("%d debits succeeded; want 5", succeeded)
	}
	if got := store.balance("p1", "bitcoin"); got != 0 {
		t.Errorf("final balance = %.8f; want 0", got)
	}
}
