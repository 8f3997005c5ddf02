package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"cryptocrash/internal/cache"
)

const (
	DEFAULT_PRICE_TTL = 10 * time.Second
	DEFAULT_FETCH_URL = "https://api.coingecko.com/api/v3/simple/price"
	FETCH_TIMEOUT     = 5 * time.Second
	CRYPTO_DECIMALS   = 8
)

// Fallback prices used when the upstream API is unreachable and no
// cached value exists, so the game keeps running in isolation.
var defaultPrices = map[string]float64{
	"bitcoin":  45000.00,
	"ethereum": 3000.00,
}

type quote struct {
	price     float64
	fetchedAt time.Time
}

// Service quotes USD prices for supported currencies. Lookup order is
// in-memory cache, Redis, upstream API, stale in-memory value, then
// the hardcoded default.
type Service struct {
	mu       sync.RWMutex
	quotes   map[string]quote
	ttl      time.Duration
	fetchURL string
	rc       *cache.RoundCache
}

func New(rc *cache.RoundCache) *Service {
	return &Service{
		quotes:   make(map[string]quote),
		ttl:      DEFAULT_PRICE_TTL,
		fetchURL: DEFAULT_FETCH_URL,
		rc:       rc,
	}
}

func (s *Service) Price(ctx context.Context, currency string) (float64, error) {
	if _, ok := defaultPrices[currency]; !ok {
		return 0, fmt.Errorf("unsupported currency: %s", currency)
	}

	s.mu.RLock()
	q, ok := s.quotes[currency]
	s.mu.RUnlock()
	if ok && time.Since(q.fetchedAt) < s.ttl {
		return q.price, nil
	}

	if s.rc != nil {
		if price, ok := s.rc.GetPrice(ctx, currency); ok {
			s.store(currency, price)
			return price, nil
		}
	}

	if err := s.refresh(ctx); err != nil {
		log.Printf("[PRICE] Fetch failed: %v", err)
		if ok {
			log.Printf("[PRICE] Using stale price for %s: %.2f", currency, q.price)
			return q.price, nil
		}
		log.Printf("[PRICE] Using default price for %s: %.2f", currency, defaultPrices[currency])
		return defaultPrices[currency], nil
	}

	s.mu.RLock()
	q = s.quotes[currency]
	s.mu.RUnlock()
	return q.price, nil
}

// ConvertUSD converts a USD amount into asset units at the current
// price, rounded to eight decimal places.
func (s *Service) ConvertUSD(ctx context.Context, usdAmount float64, currency string) (float64, float64, error) {
	price, err := s.Price(ctx, currency)
	if err != nil {
		return 0, 0, err
	}
	cryptoAmount := roundTo(usdAmount/price, CRYPTO_DECIMALS)
	return cryptoAmount, price, nil
}

// refresh fetches all supported prices in one upstream call.
func (s *Service) refresh(ctx context.Context) error {
	ids := make([]string, 0, len(defaultPrices))
	for id := range defaultPrices {
		ids = append(ids, id)
	}
	url := fmt.Sprintf("%s?ids=%s&vs_currencies=usd", s.fetchURL, strings.Join(ids, ","))

	agent := fiber.Get(url)
	agent.Timeout(FETCH_TIMEOUT)

	statusCode, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errs[0]
	}
	if statusCode != fiber.StatusOK {
		return fmt.Errorf("price API returned status %d", statusCode)
	}

	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("price API response invalid: %w", err)
	}

	for id := range defaultPrices {
		usd, ok := payload[id]["usd"]
		if !ok || usd <= 0 {
			return fmt.Errorf("price API response missing %s", id)
		}
		s.store(id, usd)
		if s.rc != nil {
			s.rc.SetPrice(ctx, id, usd, s.ttl)
		}
	}
	return nil
}

func (s *Service) store(currency string, price float64) {
	s.mu.Lock()
	s.quotes[currency] = quote{price: price, fetchedAt: time.Now()}
	s.mu.Unlock()
}

func roundTo(v float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}
