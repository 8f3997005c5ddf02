package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)
	api.Get("/game/history", s.getRoundHistoryHandler)
	api.Get("/game/crashes", s.getRecentCrashesHandler)
	api.Post("/game/verify", s.verifyRoundHandler)

	api.Get("/player/:playerId/balance", s.getPlayerBalanceHandler)
	api.Post("/player/:playerId/deposit", s.depositHandler)
	api.Get("/player/:playerId/transactions", s.getTransactionsHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}
