package main

import (
	"context"
	"log"

	_ "github.com/joho/godotenv/autoload"

	"cryptocrash/internal/database"
	"cryptocrash/internal/wallet"
)

// Starter balances give demo accounts enough to play a few rounds.
const (
	starterBitcoin  = 0.001
	starterEthereum = 0.01
)

func main() {
	db := database.New()
	defer db.Close()

	players := []wallet.Player{
		{ID: "demo-alice", Username: "alice"},
		{ID: "demo-bob", Username: "bob"},
		{ID: "demo-carol", Username: "carol"},
	}

	ctx := context.Background()
	for i := range players {
		p := &players[i]
		p.Balances = map[string]float64{
			"bitcoin":  starterBitcoin,
			"ethereum": starterEthereum,
		}

		if err := db.CreatePlayer(ctx, p); err != nil {
			log.Printf("[SEED] Skipping %s: %v", p.ID, err)
			continue
		}
		log.Printf("[SEED] Created player %s (%.3f BTC, %.2f ETH)",
			p.ID, starterBitcoin, starterEthereum)
	}

	log.Println("[SEED] Done")
}
