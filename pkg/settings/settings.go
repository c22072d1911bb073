package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ragline/ragline/pkg/cache"
)

const (
	cacheKey = "app"
	cacheTTL = 30 * time.Second
)

// ErrPoolRequired is returned when the service is created without a
// database pool.
var ErrPoolRequired = errors.New("settings: pool is required")

// Values is the typed view over the app_settings rows. Unknown keys in
// the table are ignored; missing keys keep their defaults.
type Values struct {
	ChatModel              string  `json:"chat_model"`
	RouterModel            string  `json:"router_model"`
	SystemPrompt           string  `json:"system_prompt"`
	Temperature            float64 `json:"temperature"`
	MaxTokens              int     `json:"max_tokens"`
	HistoryLimit           int     `json:"history_limit"`
	RetrievalTopK          int     `json:"retrieval_top_k"`
	RetrievalMaxCandidates int     `json:"retrieval_max_candidates"`
	RetrievalMinScore      float64 `json:"retrieval_min_score"`
}

// Defaults returns the values used before anything is stored.
func Defaults() Values {
	return Values{
		ChatModel:              "gpt-4o",
		RouterModel:            "gpt-4o-mini",
		SystemPrompt:           "You are a helpful assistant. Answer using the provided context when it is relevant, and say so when it is not.",
		Temperature:            0.2,
		MaxTokens:              2048,
		HistoryLimit:           30,
		RetrievalTopK:          8,
		RetrievalMaxCandidates: 40,
		RetrievalMinScore:      0.0,
	}
}

// Service loads and caches application settings.
type Service struct {
	pool  *pgxpool.Pool
	cache cache.Cache[Values]
}

// NewService creates the settings service with its own memory cache.
func NewService(pool *pgxpool.Pool) (*Service, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	return &Service{
		pool:  pool,
		cache: cache.NewMemory[Values](cache.WithDefaultTTL(cacheTTL)),
	}, nil
}

// Current returns the effective settings, served from cache for up to
// 30 seconds.
func (s *Service) Current(ctx context.Context) (Values, error) {
	return cache.GetOrSet(ctx, s.cache, cacheKey, func(ctx context.Context) (Values, time.Duration, error) {
		vals, err := s.load(ctx)
		return vals, cacheTTL, err
	})
}

// Set stores one setting key and invalidates the local cache.
func (s *Service) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: marshal %s: %w", key, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, data)
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}

	return s.cache.Delete(ctx, cacheKey)
}

func (s *Service) load(ctx context.Context) (Values, error) {
	vals := Defaults()

	rows, err := s.pool.Query(ctx, `SELECT key, value FROM app_settings`)
	if err != nil {
		return Values{}, fmt.Errorf("settings: load: %w", err)
	}
	defer rows.Close()

	stored := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key string
			raw json.RawMessage
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return Values{}, fmt.Errorf("settings: scan: %w", err)
		}
		stored[key] = raw
	}
	if err := rows.Err(); err != nil {
		return Values{}, fmt.Errorf("settings: rows: %w", err)
	}

	// Overlay the stored rows on the defaults through one JSON object so
	// field mapping stays in the struct tags.
	if len(stored) > 0 {
		merged, err := json.Marshal(stored)
		if err != nil {
			return Values{}, fmt.Errorf("settings: merge: %w", err)
		}
		if err := json.Unmarshal(merged, &vals); err != nil {
			return Values{}, fmt.Errorf("settings: apply: %w", err)
		}
	}
	return vals, nil
}
