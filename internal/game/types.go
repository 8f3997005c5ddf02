package game

import (
	"time"
)

// Phase is the round lifecycle state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseBetting   Phase = "betting"
	PhaseRunning   Phase = "running"
	PhaseCrashed   Phase = "crashed"
	PhaseCompleted Phase = "completed"
)

// Bet is one player's stake in a round. Cashout fields are write-once:
// set exactly once on cashout or left zeroed on a forced loss.
type Bet struct {
	PlayerID          string     `json:"player_id"`
	Username          string     `json:"username"`
	USDAmount         float64    `json:"usd_amount"`
	CryptoAmount      float64    `json:"crypto_amount"`
	Currency          string     `json:"currency"`
	PriceAtBet        float64    `json:"price_at_bet"`
	CashedOut         bool       `json:"cashed_out"`
	CashoutMultiplier float64    `json:"cashout_multiplier,omitempty"`
	CashoutAmount     float64    `json:"cashout_amount,omitempty"`
	CashoutTime       *time.Time `json:"cashout_time,omitempty"`
	Profit            float64    `json:"profit"`
}

// MultiplierSample is one sparse point of the round's history.
type MultiplierSample struct {
	TimeMs     int64   `json:"time"`
	Multiplier float64 `json:"multiplier"`
}

// Round is the full record of one game cycle. The seed and crash point
// are fixed at creation and hidden until settlement; only the
// commitment hash is published while the round is live.
type Round struct {
	RoundID            int64              `json:"round_id"`
	Seed               string             `json:"-"` // revealed only after crash
	Hash               string             `json:"hash"`
	CrashPoint         float64            `json:"-"` // hidden until crash
	Phase              Phase              `json:"phase"`
	StartTime          time.Time          `json:"start_time"`
	EndTime            *time.Time         `json:"end_time,omitempty"`
	DurationMs         int64              `json:"duration_ms,omitempty"`
	Bets               []Bet              `json:"bets"`
	TotalBetAmount     float64            `json:"total_bet_amount"`
	TotalCashoutAmount float64            `json:"total_cashout_amount"`
	PlayersCount       int                `json:"players_count"`
	CashoutCount       int                `json:"cashout_count"`
	MultiplierHistory  []MultiplierSample `json:"multiplier_history,omitempty"`
	Degraded           bool               `json:"-"`
}

// HouseEdge is the implied take for a settled round.
func (r *Round) HouseEdge() float64 {
	if r.TotalBetAmount == 0 {
		return 0
	}
	return (r.TotalBetAmount - r.TotalCashoutAmount) / r.TotalBetAmount
}

// FindBet returns the bet for a player, or nil.
func (r *Round) FindBet(playerID string) *Bet {
	for i := range r.Bets {
		if r.Bets[i].PlayerID == playerID {
			return &r.Bets[i]
		}
	}
	return nil
}

// RoundSummary is the completed-round view served by the history API.
type RoundSummary struct {
	RoundID            int64      `json:"round_id"`
	CrashPoint         float64    `json:"crash_point"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	DurationMs         int64      `json:"duration_ms"`
	PlayersCount       int        `json:"players_count"`
	TotalBetAmount     float64    `json:"total_bet_amount"`
	TotalCashoutAmount float64    `json:"total_cashout_amount"`
	HouseEdge          float64    `json:"house_edge"`
}

type BetRequest struct {
	PlayerID     string           `json:"player_id"`
	Username     string           `json:"username"`
	USDAmount    float64          `json:"usd_amount"`
	Currency     string           `json:"currency"`
	ResponseChan chan BetResponse `json:"-"`
}

type BetResponse struct {
	Success      bool    `json:"success"`
	ErrorKind    string  `json:"error_kind,omitempty"`
	Message      string  `json:"message"`
	RoundID      int64   `json:"round_id,omitempty"`
	CryptoAmount float64 `json:"crypto_amount,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	PriceAtBet   float64 `json:"price_at_bet,omitempty"`
	Balance      float64 `json:"balance,omitempty"`
}

type CashoutRequest struct {
	PlayerID     string               `json:"player_id"`
	ResponseChan chan CashoutResponse `json:"-"`
}

type CashoutResponse struct {
	Success      bool    `json:"success"`
	ErrorKind    string  `json:"error_kind,omitempty"`
	Message      string  `json:"message"`
	RoundID      int64   `json:"round_id,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	USDAmount    float64 `json:"usd_amount,omitempty"`
	CryptoAmount float64 `json:"crypto_amount,omitempty"`
	Currency     string  `json:"currency,omitempty"`
	Profit       float64 `json:"profit,omitempty"`
	Balance      float64 `json:"balance,omitempty"`
}

// StateView is the snapshot returned to the transport layer.
type StateView struct {
	Phase          Phase     `json:"phase"`
	RoundID        int64     `json:"round_id,omitempty"`
	Hash           string    `json:"hash,omitempty"`
	LiveMultiplier float64   `json:"live_multiplier"`
	ElapsedMs      int64     `json:"elapsed_ms"`
	PlayersCount   int       `json:"players_count"`
	TotalBetAmount float64   `json:"total_bet_amount"`
	Participants   []BetView `json:"participants,omitempty"`
}

// BetView is the public slice of a bet shown in state snapshots.
type BetView struct {
	Username          string  `json:"username"`
	USDAmount         float64 `json:"usd_amount"`
	Currency          string  `json:"currency"`
	CashedOut         bool    `json:"cashed_out"`
	CashoutMultiplier float64 `json:"cashout_multiplier,omitempty"`
}

// Event is the envelope every lifecycle message is broadcast in.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type RoundCreatedEvent struct {
	RoundID        int64  `json:"round_id"`
	CommitmentHash string `json:"commitment_hash"`
	Phase          Phase  `json:"phase"`
}

type RoundStartedEvent struct {
	RoundID          int64 `json:"round_id"`
	StartTime        int64 `json:"start_time"`
	ParticipantCount int   `json:"participant_count"`
}

type MultiplierTickEvent struct {
	RoundID    int64   `json:"round_id"`
	Multiplier float64 `json:"multiplier"`
	Timestamp  int64   `json:"timestamp"`
}

type BetPlacedEvent struct {
	RoundID           int64   `json:"round_id"`
	PlayerID          string  `json:"player_id"`
	Username          string  `json:"username"`
	USDAmount         float64 `json:"usd_amount"`
	CryptoAmount      float64 `json:"crypto_amount"`
	Currency          string  `json:"currency"`
	TotalParticipants int     `json:"total_participants"`
	TotalBetAmount    float64 `json:"total_bet_amount"`
}

type PlayerCashoutEvent struct {
	RoundID      int64   `json:"round_id"`
	PlayerID     string  `json:"player_id"`
	Username     string  `json:"username"`
	Multiplier   float64 `json:"multiplier"`
	USDAmount    float64 `json:"usd_amount"`
	CryptoAmount float64 `json:"crypto_amount"`
	Currency     string  `json:"currency"`
	Profit       float64 `json:"profit"`
	Timestamp    int64   `json:"timestamp"`
}

type RoundCrashedEvent struct {
	RoundID          int64   `json:"round_id"`
	CrashPoint       float64 `json:"crash_point"`
	FinalMultiplier  float64 `json:"final_multiplier"`
	DurationMs       int64   `json:"duration_ms"`
	ParticipantCount int     `json:"participant_count"`
	CashoutCount     int     `json:"cashout_count"`
}

type RoundCompletedEvent struct {
	RoundID int64 `json:"round_id"`
}
