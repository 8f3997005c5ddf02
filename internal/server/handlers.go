package server

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"cryptocrash/internal/game"
	"cryptocrash/internal/wallet"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	cacheHealth := map[string]string{"status": "disabled"}
	if s.cache != nil {
		cacheHealth = s.cache.Health()
	}

	state := s.scheduler.GetState()
	health := fiber.Map{
		"database": s.db.Health(),
		"cache":    cacheHealth,
		"game": fiber.Map{
			"status":            "running",
			"phase":             state.Phase,
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	return c.JSON(health)
}

// statusForKind maps a rejection kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case "validation":
		return fiber.StatusBadRequest
	case "not_found":
		return fiber.StatusNotFound
	case "insufficient_funds":
		return fiber.StatusPaymentRequired
	case "state", "already_exists", "conflict":
		return fiber.StatusConflict
	case "persistence":
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusBadRequest
	}
}

// Round handlers

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	return c.JSON(s.scheduler.GetState())
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.PlayerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Player ID is required",
		})
	}

	resp := s.scheduler.PlaceBet(req)
	if !resp.Success {
		return c.Status(statusForKind(resp.ErrorKind)).JSON(resp)
	}
	return c.JSON(resp)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req game.CashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.PlayerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Player ID is required",
		})
	}

	resp := s.scheduler.Cashout(req)
	if !resp.Success {
		return c.Status(statusForKind(resp.ErrorKind)).JSON(resp)
	}
	return c.JSON(resp)
}

func (s *FiberServer) getRoundHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rounds, err := s.db.RoundHistory(c.Context(), limit)
	if err != nil {
		log.Printf("[API] Round history query failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load round history",
		})
	}
	if rounds == nil {
		rounds = []game.RoundSummary{}
	}
	return c.JSON(fiber.Map{"rounds": rounds})
}

func (s *FiberServer) getRecentCrashesHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)

	if s.rounds == nil {
		return c.JSON(fiber.Map{"crashes": []float64{}})
	}

	crashes, err := s.rounds.RecentCrashes(c.Context(), limit)
	if err != nil {
		log.Printf("[API] Recent crashes query failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load recent crashes",
		})
	}
	if crashes == nil {
		crashes = []float64{}
	}
	return c.JSON(fiber.Map{"crashes": crashes})
}

// verifyRoundHandler re-derives the crash point of a finished round so
// anyone can check the commitment. Seeds of live rounds are never
// revealed.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	var req struct {
		RoundID int64 `json:"round_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.RoundID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A positive round_id is required",
		})
	}

	round, err := s.db.GetRound(c.Context(), req.RoundID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Round not found",
		})
	}

	if round.Phase != game.PhaseCompleted && round.Phase != game.PhaseCrashed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Round is still in progress",
		})
	}

	proof := game.GenerateFairnessProof(round.Seed, round.RoundID, game.DEFAULT_CRASH_RATE, round.CrashPoint)
	valid := game.HashCommitment(round.Seed) == round.Hash &&
		game.VerifyCrashPoint(round.Seed, round.RoundID, game.DEFAULT_CRASH_RATE, round.CrashPoint)

	return c.JSON(fiber.Map{
		"valid": valid,
		"proof": proof,
	})
}

// Wallet handlers

func (s *FiberServer) getPlayerBalanceHandler(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Player ID is required",
		})
	}

	player, err := s.wallet.GetPlayer(c.Context(), playerID)
	if err != nil {
		if errors.Is(err, wallet.ErrPlayerNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Player not found",
			})
		}
		log.Printf("[API] Balance lookup failed for %s: %v", playerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load player",
		})
	}
	return c.JSON(player)
}

func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Player ID is required",
		})
	}

	var body struct {
		Currency     string  `json:"currency"`
		CryptoAmount float64 `json:"crypto_amount"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	price, err := s.prices.Price(c.Context(), body.Currency)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	receipt, err := s.wallet.Deposit(c.Context(), wallet.DepositParams{
		PlayerID:     playerID,
		USDAmount:    math.Round(body.CryptoAmount*price*100) / 100,
		CryptoAmount: body.CryptoAmount,
		Currency:     body.Currency,
		Price:        price,
	})
	if err != nil {
		kind := depositErrorKind(err)
		return c.Status(statusForKind(kind)).JSON(fiber.Map{
			"success":    false,
			"error_kind": kind,
			"error":      err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":     true,
		"entry":       receipt.Entry,
		"new_balance": receipt.NewBalance,
	})
}

func depositErrorKind(err error) string {
	switch {
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

func (s *FiberServer) getTransactionsHandler(c *fiber.Ctx) error {
	playerID := c.Params("playerId")
	if playerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Player ID is required",
		})
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	entries, err := s.wallet.Transactions(c.Context(), playerID, limit)
	if err != nil {
		log.Printf("[API] Transaction list failed for %s: %v", playerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load transactions",
		})
	}
	if entries == nil {
		entries = []wallet.LedgerEntry{}
	}
	return c.JSON(fiber.Map{"transactions": entries})
}

// WebSocket handler

type wsMessage struct {
	Type      string  `json:"type"`
	Username  string  `json:"username"`
	USDAmount float64 `json:"usd_amount"`
	Currency  string  `json:"currency"`
}

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	playerID := conn.Query("player_id", "anonymous")

	log.Printf("[WS] New connection from player: %s", playerID)

	client := s.hub.RegisterClient(conn, playerID)
	client.SendInitialState(s.scheduler.GetState())

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for player %s: %v", playerID, err)
			s.hub.UnregisterClient(conn)
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "place_bet":
			resp := s.scheduler.PlaceBet(game.BetRequest{
				PlayerID:  playerID,
				Username:  msg.Username,
				USDAmount: msg.USDAmount,
				Currency:  msg.Currency,
			})
			respJSON, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, respJSON)

		case "cashout":
			resp := s.scheduler.Cashout(game.CashoutRequest{PlayerID: playerID})
			respJSON, _ := json.Marshal(resp)
			conn.WriteMessage(websocket.TextMessage, respJSON)

		case "ping":
			pongJSON, _ := json.Marshal(map[string]string{"type": "pong"})
			conn.WriteMessage(websocket.TextMessage, pongJSON)
		}
	}
}
