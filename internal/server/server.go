package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"cryptocrash/internal/cache"
	"cryptocrash/internal/database"
	"cryptocrash/internal/game"
	"cryptocrash/internal/pricing"
	"cryptocrash/internal/wallet"
)

type FiberServer struct {
	*fiber.App

	db        database.Service
	cache     cache.Service
	rounds    *cache.RoundCache
	wallet    *wallet.Service
	prices    *pricing.Service
	scheduler *game.Scheduler
	hub       *game.Hub
}

func New() *FiberServer {
	db := database.New()

	// Redis is optional; the game loop runs without snapshots.
	redisService := cache.New()
	if redisService == nil {
		log.Println("[SERVER] Running without Redis snapshots")
	}
	roundCache := cache.NewRoundCache(redisService)

	hub := game.NewHub()
	walletSvc := wallet.New(db)
	prices := pricing.New(roundCache)

	var snapshots game.Snapshotter
	if roundCache != nil {
		snapshots = roundCache
	}
	scheduler := game.NewScheduler(game.DefaultConfig(), db, walletSvc, prices, hub, snapshots)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "cryptocrash",
			AppName:       "cryptocrash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		db:        db,
		cache:     redisService,
		rounds:    roundCache,
		wallet:    walletSvc,
		prices:    prices,
		scheduler: scheduler,
		hub:       hub,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	go hub.Run()
	scheduler.Start()

	log.Println("[SERVER] Round scheduler started")

	return server
}

// Shutdown settles the live round, then closes connections.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
