package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"cryptocrash/internal/server"
)

func gracefulShutdown(fiberServer *server.FiberServer, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Println("[MAIN] Shutting down gracefully, press Ctrl+C again to force")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fiberServer.App.ShutdownWithContext(ctx); err != nil {
		log.Printf("[MAIN] Server forced to shutdown with error: %v", err)
	}

	// Settles the live round before closing connections.
	fiberServer.Shutdown()

	done <- true
}

func main() {
	app := server.New()
	app.RegisterFiberRoutes()

	done := make(chan bool, 1)
	go gracefulShutdown(app, done)

	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 8080
	}

	log.Printf("[MAIN] Listening on port %d", port)
	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	<-done
	log.Println("[MAIN] Graceful shutdown complete")
}
