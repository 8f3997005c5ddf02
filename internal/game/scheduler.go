package game

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"cryptocrash/internal/wallet"
)

const (
	DEFAULT_BETTING_WINDOW  = 10 * time.Second
	DEFAULT_TICK_INTERVAL   = 100 * time.Millisecond
	DEFAULT_SAMPLE_INTERVAL = 500 * time.Millisecond
	DEFAULT_COOLDOWN        = 2 * time.Second
	DEFAULT_RETRY_DELAY     = 5 * time.Second

	MIN_BET_AMOUNT = 1.0
	MAX_BET_AMOUNT = 10000.0

	COMMAND_TIMEOUT = 5 * time.Second
)

// Ledger is the wallet surface the scheduler settles through.
type Ledger interface {
	Debit(ctx context.Context, p wallet.DebitParams) (*wallet.Receipt, error)
	Credit(ctx context.Context, p wallet.CreditParams) (*wallet.Receipt, error)
	UpdateLossStreak(ctx context.Context, playerID string) error
}

// RoundStore is the durable record of rounds and their bets.
type RoundStore interface {
	NextRoundID(ctx context.Context) (int64, error)
	CreateRound(ctx context.Context, r *Round) error
	SaveRound(ctx context.Context, r *Round) error
}

// PriceSource converts value-currency stakes into asset units.
type PriceSource interface {
	Price(ctx context.Context, currency string) (float64, error)
	ConvertUSD(ctx context.Context, usdAmount float64, currency string) (cryptoAmount, price float64, err error)
}

// Sink receives lifecycle and tick events for the push transport.
type Sink interface {
	Broadcast(message interface{})
}

// Snapshotter mirrors live round state into the cache; optional.
type Snapshotter interface {
	SnapshotRound(ctx context.Context, roundID int64, v interface{}) error
	RecordCrash(ctx context.Context, roundID int64, crashPoint float64) error
}

type Config struct {
	BettingWindow  time.Duration
	TickInterval   time.Duration
	SampleInterval time.Duration
	Cooldown       time.Duration
	RetryDelay     time.Duration
	GrowthFactor   float64
	CrashRate      float64
	MinBet         float64
	MaxBet         float64
}

func DefaultConfig() Config {
	return Config{
		BettingWindow:  DEFAULT_BETTING_WINDOW,
		TickInterval:   DEFAULT_TICK_INTERVAL,
		SampleInterval: DEFAULT_SAMPLE_INTERVAL,
		Cooldown:       DEFAULT_COOLDOWN,
		RetryDelay:     DEFAULT_RETRY_DELAY,
		GrowthFactor:   DEFAULT_GROWTH_FACTOR,
		CrashRate:      DEFAULT_CRASH_RATE,
		MinBet:         MIN_BET_AMOUNT,
		MaxBet:         MAX_BET_AMOUNT,
	}
}

// Scheduler owns the single active round and drives its lifecycle.
// All round-scoped state is mutated only by the scheduling goroutine;
// commands arrive over channels and are answered on per-request
// response channels.
type Scheduler struct {
	cfg       Config
	store     RoundStore
	ledger    Ledger
	prices    PriceSource
	sink      Sink
	snapshots Snapshotter

	ctx       context.Context
	betCh     chan BetRequest
	cashoutCh chan CashoutRequest
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once

	stateMu   sync.RWMutex
	phase     Phase
	round     *Round
	startTime time.Time

	now func() time.Time
}

func NewScheduler(cfg Config, store RoundStore, ledger Ledger, prices PriceSource, sink Sink, snapshots Snapshotter) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		prices:    prices,
		sink:      sink,
		snapshots: snapshots,
		ctx:       context.Background(),
		betCh:     make(chan BetRequest, 1000),
		cashoutCh: make(chan CashoutRequest, 1000),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		phase:     PhaseIdle,
		now:       time.Now,
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduler cooperatively: a round in flight is settled
// through the crash path before the loop exits.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// PlaceBet submits a bet command and waits for the scheduler's answer.
func (s *Scheduler) PlaceBet(req BetRequest) BetResponse {
	respChan := make(chan BetResponse, 1)
	req.ResponseChan = respChan

	select {
	case s.betCh <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(COMMAND_TIMEOUT):
			return BetResponse{Success: false, ErrorKind: "state", Message: "Bet timeout"}
		}
	default:
		return BetResponse{Success: false, ErrorKind: "state", Message: "Bet queue full"}
	}
}

// Cashout submits a cashout command and waits for the scheduler's answer.
func (s *Scheduler) Cashout(req CashoutRequest) CashoutResponse {
	respChan := make(chan CashoutResponse, 1)
	req.ResponseChan = respChan

	select {
	case s.cashoutCh <- req:
		select {
		case resp := <-respChan:
			return resp
		case <-time.After(COMMAND_TIMEOUT):
			return CashoutResponse{Success: false, ErrorKind: "state", Message: "Cashout timeout"}
		}
	default:
		return CashoutResponse{Success: false, ErrorKind: "state", Message: "Cashout queue full"}
	}
}

// GetState returns a snapshot of the live round. The multiplier and
// elapsed time come from a single clock read.
func (s *Scheduler) GetState() StateView {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	view := StateView{Phase: s.phase, LiveMultiplier: 1.00}
	if s.round == nil {
		return view
	}

	view.RoundID = s.round.RoundID
	view.Hash = s.round.Hash
	view.PlayersCount = s.round.PlayersCount
	view.TotalBetAmount = s.round.TotalBetAmount

	if s.phase == PhaseRunning {
		now := s.now()
		view.ElapsedMs = now.Sub(s.startTime).Milliseconds()
		view.LiveMultiplier = Multiplier(now.Sub(s.startTime), s.cfg.GrowthFactor)
	}

	for _, b := range s.round.Bets {
		view.Participants = append(view.Participants, BetView{
			Username:          b.Username,
			USDAmount:         b.USDAmount,
			Currency:          b.Currency,
			CashedOut:         b.CashedOut,
			CashoutMultiplier: b.CashoutMultiplier,
		})
	}
	return view
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			log.Println("[GAME] Scheduler stopped")
			return
		default:
			if !s.runRound() {
				log.Println("[GAME] Scheduler stopped")
				return
			}
		}
	}
}

// runRound drives one full cycle. Returns false when the scheduler is
// shutting down.
func (s *Scheduler) runRound() bool {
	round, ok := s.createRound()
	if !ok {
		return false
	}

	s.setRound(round, PhaseBetting)
	s.snapshot(round)

	log.Printf("[GAME] Round %d created - commitment %s...", round.RoundID, round.Hash[:16])
	s.emit("round_created", RoundCreatedEvent{
		RoundID:        round.RoundID,
		CommitmentHash: round.Hash,
		Phase:          PhaseBetting,
	})

	if !s.bettingPhase() {
		s.forceSettle()
		return false
	}

	if !s.runningPhase() {
		s.forceSettle()
		return false
	}

	s.completeRound()

	select {
	case <-time.After(s.cfg.Cooldown):
		return true
	case <-s.stopCh:
		return false
	}
}

// createRound asks the fairness engine for a seed pair, derives the
// crash point and persists the new round. Persistence failures retry
// on a delay instead of killing the engine.
func (s *Scheduler) createRound() (*Round, bool) {
	for {
		round, err := s.buildRound()
		if err == nil {
			return round, true
		}

		log.Printf("[GAME] Round creation failed: %v (retrying in %s)", err, s.cfg.RetryDelay)
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-s.stopCh:
			return nil, false
		}
	}
}

func (s *Scheduler) buildRound() (*Round, error) {
	roundID, err := s.store.NextRoundID(s.ctx)
	if err != nil {
		return nil, err
	}

	seed := GenerateSeed()
	hash := HashCommitment(seed)
	derivation := DeriveCrashPoint(seed, roundID, s.cfg.CrashRate)
	if derivation.Degraded {
		log.Printf("[GAME] DEGRADED crash derivation for round %d, using fallback %.2fx",
			roundID, derivation.CrashPoint)
	}

	round := &Round{
		RoundID:    roundID,
		Seed:       seed,
		Hash:       hash,
		CrashPoint: derivation.CrashPoint,
		Phase:      PhaseBetting,
		StartTime:  s.now(),
		Degraded:   derivation.Degraded,
	}

	if err := s.store.CreateRound(s.ctx, round); err != nil {
		return nil, err
	}
	return round, nil
}

// bettingPhase accepts bets for the configured window. Returns false
// on shutdown.
func (s *Scheduler) bettingPhase() bool {
	timer := time.NewTimer(s.cfg.BettingWindow)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case bet := <-s.betCh:
			s.processBet(bet)
		case cashout := <-s.cashoutCh:
			s.processCashout(cashout)
		case <-s.stopCh:
			return false
		}
	}
}

// runningPhase starts the clock, schedules the crash deterministically
// and drives the display tick. The scheduled timer is authoritative
// for the transition; the tick applies the identical predicate so
// whichever fires first wins on the same clock. Returns false on
// shutdown.
func (s *Scheduler) runningPhase() bool {
	start := s.now()

	s.stateMu.Lock()
	s.phase = PhaseRunning
	s.startTime = start
	s.round.Phase = PhaseRunning
	s.round.StartTime = start
	round := s.round
	s.stateMu.Unlock()

	if err := s.store.SaveRound(s.ctx, round); err != nil {
		log.Printf("[GAME] Failed to persist running round %d: %v", round.RoundID, err)
	}

	log.Printf("[GAME] Round %d started - %d players, crash at %.2fx (hidden)",
		round.RoundID, round.PlayersCount, round.CrashPoint)
	s.emit("round_started", RoundStartedEvent{
		RoundID:          round.RoundID,
		StartTime:        start.UnixMilli(),
		ParticipantCount: round.PlayersCount,
	})

	crashTimer := time.NewTimer(TimeToReach(round.CrashPoint, s.cfg.GrowthFactor))
	defer crashTimer.Stop()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-crashTimer.C:
			s.crashRound()
			return true

		case <-ticker.C:
			now := s.now()
			mult := Multiplier(now.Sub(start), s.cfg.GrowthFactor)

			s.stateMu.Lock()
			if mult >= s.round.CrashPoint {
				s.stateMu.Unlock()
				s.crashRound()
				return true
			}
			history := s.round.MultiplierHistory
			if len(history) == 0 ||
				now.Sub(start).Milliseconds()-history[len(history)-1].TimeMs > s.cfg.SampleInterval.Milliseconds() {
				s.round.MultiplierHistory = append(s.round.MultiplierHistory, MultiplierSample{
					TimeMs:     now.Sub(start).Milliseconds(),
					Multiplier: mult,
				})
			}
			s.stateMu.Unlock()

			s.emit("multiplier_tick", MultiplierTickEvent{
				RoundID:    round.RoundID,
				Multiplier: mult,
				Timestamp:  now.UnixMilli(),
			})

		case bet := <-s.betCh:
			s.processBet(bet)

		case cashout := <-s.cashoutCh:
			s.processCashout(cashout)

		case <-s.stopCh:
			return false
		}
	}
}

// crashRound performs the crashed transition: stops accepting
// cashouts, settles every unresolved bet as a loss and freezes the
// aggregates. The tick loop and crash timer are already cancelled by
// the caller returning out of the running select.
func (s *Scheduler) crashRound() {
	crashTime := s.now()

	s.stateMu.Lock()
	round := s.round
	s.phase = PhaseCrashed
	round.Phase = PhaseCrashed
	finalMultiplier := Multiplier(crashTime.Sub(s.startTime), s.cfg.GrowthFactor)
	if finalMultiplier > round.CrashPoint {
		finalMultiplier = round.CrashPoint
	}
	round.EndTime = &crashTime
	round.DurationMs = crashTime.Sub(s.startTime).Milliseconds()

	for i := range round.Bets {
		if !round.Bets[i].CashedOut {
			round.Bets[i].Profit = -round.Bets[i].USDAmount
		}
	}
	s.stateMu.Unlock()

	for i := range round.Bets {
		if !round.Bets[i].CashedOut {
			if err := s.ledger.UpdateLossStreak(s.ctx, round.Bets[i].PlayerID); err != nil {
				log.Printf("[GAME] Failed to update loss streak for %s: %v",
					round.Bets[i].PlayerID, err)
			}
		}
	}

	log.Printf("[GAME] Round %d crashed at %.2fx - final %.2fx, %d/%d cashed out",
		round.RoundID, round.CrashPoint, finalMultiplier, round.CashoutCount, round.PlayersCount)

	s.emit("round_crashed", RoundCrashedEvent{
		RoundID:          round.RoundID,
		CrashPoint:       round.CrashPoint,
		FinalMultiplier:  finalMultiplier,
		DurationMs:       round.DurationMs,
		ParticipantCount: round.PlayersCount,
		CashoutCount:     round.CashoutCount,
	})

	proof := GenerateFairnessProof(round.Seed, round.RoundID, s.cfg.CrashRate, round.CrashPoint)
	s.emit("fairness_proof", proof)

	if s.snapshots != nil {
		if err := s.snapshots.RecordCrash(s.ctx, round.RoundID, round.CrashPoint); err != nil {
			log.Printf("[GAME] Failed to record crash in cache: %v", err)
		}
	}
}

// completeRound persists the final record and clears per-round state.
func (s *Scheduler) completeRound() {
	s.stateMu.Lock()
	round := s.round
	s.phase = PhaseCompleted
	round.Phase = PhaseCompleted
	s.stateMu.Unlock()

	if round == nil {
		return
	}

	if err := s.store.SaveRound(s.ctx, round); err != nil {
		log.Printf("[GAME] Failed to persist completed round %d: %v", round.RoundID, err)
	}
	s.snapshot(round)
	s.emit("round_completed", RoundCompletedEvent{RoundID: round.RoundID})
}

// forceSettle runs the crashed transition for a round interrupted by
// shutdown so it is not left unsettled.
func (s *Scheduler) forceSettle() {
	s.stateMu.RLock()
	round := s.round
	phase := s.phase
	s.stateMu.RUnlock()

	if round == nil || phase == PhaseCompleted || phase == PhaseCrashed {
		return
	}

	if phase == PhaseBetting {
		// The clock never started; settle from the betting window.
		s.stateMu.Lock()
		s.startTime = s.now()
		s.stateMu.Unlock()
	}

	log.Printf("[GAME] Force-settling round %d on shutdown", round.RoundID)
	s.crashRound()
	s.completeRound()
}

func (s *Scheduler) processBet(req BetRequest) {
	resp := BetResponse{Success: false}
	defer func() {
		if req.ResponseChan != nil {
			req.ResponseChan <- resp
		}
	}()

	if req.USDAmount < s.cfg.MinBet || req.USDAmount > s.cfg.MaxBet {
		resp.ErrorKind = "validation"
		resp.Message = "Bet must be between configured limits"
		return
	}
	if !currencySupported(req.Currency) {
		resp.ErrorKind = "validation"
		resp.Message = "Unsupported currency"
		return
	}

	s.stateMu.RLock()
	phase := s.phase
	round := s.round
	s.stateMu.RUnlock()

	if phase != PhaseBetting || round == nil {
		resp.ErrorKind = "state"
		resp.Message = "Betting is closed"
		return
	}

	// Insertion-wins: the scheduling goroutine is the only writer, so
	// this check is race-free.
	if round.FindBet(req.PlayerID) != nil {
		resp.ErrorKind = "already_exists"
		resp.Message = "Player already has a bet in this round"
		return
	}

	cryptoAmount, price, err := s.prices.ConvertUSD(s.ctx, req.USDAmount, req.Currency)
	if err != nil {
		resp.ErrorKind = "persistence"
		resp.Message = "Price unavailable"
		return
	}

	receipt, err := s.ledger.Debit(s.ctx, wallet.DebitParams{
		PlayerID:     req.PlayerID,
		RoundID:      round.RoundID,
		USDAmount:    req.USDAmount,
		CryptoAmount: cryptoAmount,
		Currency:     req.Currency,
		Price:        price,
	})
	if err != nil {
		resp.ErrorKind = walletErrorKind(err)
		resp.Message = err.Error()
		return
	}

	s.stateMu.Lock()
	round.Bets = append(round.Bets, Bet{
		PlayerID:     req.PlayerID,
		Username:     req.Username,
		USDAmount:    req.USDAmount,
		CryptoAmount: cryptoAmount,
		Currency:     req.Currency,
		PriceAtBet:   price,
	})
	round.TotalBetAmount += req.USDAmount
	round.PlayersCount++
	totalPlayers := round.PlayersCount
	totalBet := round.TotalBetAmount
	s.stateMu.Unlock()

	resp.Success = true
	resp.Message = "Bet placed"
	resp.RoundID = round.RoundID
	resp.CryptoAmount = cryptoAmount
	resp.Currency = req.Currency
	resp.PriceAtBet = price
	resp.Balance = receipt.NewBalance

	log.Printf("[GAME] Bet: %s staked $%.2f (%.8f %s) in round %d",
		req.Username, req.USDAmount, cryptoAmount, req.Currency, round.RoundID)

	s.emit("bet_placed", BetPlacedEvent{
		RoundID:           round.RoundID,
		PlayerID:          req.PlayerID,
		Username:          req.Username,
		USDAmount:         req.USDAmount,
		CryptoAmount:      cryptoAmount,
		Currency:          req.Currency,
		TotalParticipants: totalPlayers,
		TotalBetAmount:    totalBet,
	})
}

func (s *Scheduler) processCashout(req CashoutRequest) {
	resp := CashoutResponse{Success: false}
	defer func() {
		if req.ResponseChan != nil {
			req.ResponseChan <- resp
		}
	}()

	s.stateMu.RLock()
	phase := s.phase
	round := s.round
	start := s.startTime
	s.stateMu.RUnlock()

	if phase != PhaseRunning || round == nil {
		resp.ErrorKind = "state"
		resp.Message = "Cannot cash out now"
		return
	}

	bet := round.FindBet(req.PlayerID)
	if bet == nil {
		resp.ErrorKind = "not_found"
		resp.Message = "Player has no bet in this round"
		return
	}
	if bet.CashedOut {
		resp.ErrorKind = "already_exists"
		resp.Message = "Player already cashed out"
		return
	}

	// One clock read, same predicate as the crash check: a cashout
	// accepted at T can never coexist with a crash at or before T.
	now := s.now()
	mult := Multiplier(now.Sub(start), s.cfg.GrowthFactor)
	if mult >= round.CrashPoint {
		resp.ErrorKind = "state"
		resp.Message = "Round already crashed"
		return
	}

	payoutCrypto := roundTo(bet.CryptoAmount*mult, 8)
	payoutUSD := roundTo(bet.USDAmount*mult, 2)
	profit := roundTo(payoutUSD-bet.USDAmount, 2)

	receipt, err := s.ledger.Credit(s.ctx, wallet.CreditParams{
		PlayerID:     req.PlayerID,
		RoundID:      round.RoundID,
		USDAmount:    payoutUSD,
		CryptoAmount: payoutCrypto,
		Currency:     bet.Currency,
		Price:        bet.PriceAtBet,
		Multiplier:   mult,
		StakeUSD:     bet.USDAmount,
	})
	if err != nil {
		resp.ErrorKind = walletErrorKind(err)
		resp.Message = err.Error()
		return
	}

	s.stateMu.Lock()
	bet.CashedOut = true
	bet.CashoutMultiplier = mult
	bet.CashoutAmount = payoutCrypto
	bet.CashoutTime = &now
	bet.Profit = profit
	round.TotalCashoutAmount += payoutUSD
	round.CashoutCount++
	s.stateMu.Unlock()

	resp.Success = true
	resp.Message = "Cashed out"
	resp.RoundID = round.RoundID
	resp.Multiplier = mult
	resp.USDAmount = payoutUSD
	resp.CryptoAmount = payoutCrypto
	resp.Currency = bet.Currency
	resp.Profit = profit
	resp.Balance = receipt.NewBalance

	log.Printf("[GAME] Cashout: %s at %.2fx ($%.2f) in round %d",
		bet.Username, mult, payoutUSD, round.RoundID)

	s.emit("player_cashout", PlayerCashoutEvent{
		RoundID:      round.RoundID,
		PlayerID:     req.PlayerID,
		Username:     bet.Username,
		Multiplier:   mult,
		USDAmount:    payoutUSD,
		CryptoAmount: payoutCrypto,
		Currency:     bet.Currency,
		Profit:       profit,
		Timestamp:    now.UnixMilli(),
	})
}

func (s *Scheduler) setRound(round *Round, phase Phase) {
	s.stateMu.Lock()
	s.round = round
	s.phase = phase
	s.stateMu.Unlock()
}

func (s *Scheduler) emit(eventType string, data interface{}) {
	if s.sink != nil {
		s.sink.Broadcast(Event{Type: eventType, Data: data})
	}
}

func (s *Scheduler) snapshot(round *Round) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SnapshotRound(s.ctx, round.RoundID, round); err != nil {
		log.Printf("[GAME] Failed to snapshot round %d: %v", round.RoundID, err)
	}
}

func currencySupported(currency string) bool {
	for _, c := range wallet.SupportedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

func walletErrorKind(err error) string {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, wallet.ErrPlayerNotFound):
		return "not_found"
	case errors.Is(err, wallet.ErrUnsupportedCurrency), errors.Is(err, wallet.ErrInvalidAmount):
		return "validation"
	case errors.Is(err, wallet.ErrConflict):
		return "conflict"
	default:
		return "persistence"
	}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
