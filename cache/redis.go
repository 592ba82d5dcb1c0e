// Package cache keeps resolved entity documents in Redis so repeated
// representation batches skip the database. Cache failures degrade to misses,
// never to resolution errors.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Config is the yaml-tagged Redis cache configuration. Cascades maps a
// typename to the dependent typenames whose cached entries become stale when
// it changes.
type Config struct {
	URL      string              `yaml:"url"`
	TTL      string              `yaml:"ttl" default:"5m"`
	Prefix   string              `yaml:"prefix" default:"federation"`
	Cascades map[string][]string `yaml:"cascades"`
}

// EntityCache stores one JSON document per (typename, key) pair.
type EntityCache struct {
	client   redis.UniversalClient
	ttl      time.Duration
	prefix   string
	cascades map[string][]string
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*EntityCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	ttl := 5 * time.Minute
	if cfg.TTL != "" {
		if d, err := time.ParseDuration(cfg.TTL); err == nil {
			ttl = d
		}
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "federation"
	}

	return &EntityCache{
		client:   client,
		ttl:      ttl,
		prefix:   prefix,
		cascades: cfg.Cascades,
	}, nil
}

// Close releases the Redis connection.
func (c *EntityCache) Close() error {
	return c.client.Close()
}

// Get fetches the cached document for one entity key. A missing entry and a
// Redis failure both report ok=false; the error is returned for observability
// only and callers treat it as a miss.
func (c *EntityCache) Get(ctx context.Context, typename string, key map[string]interface{}) (map[string]interface{}, bool, error) {
	raw, err := c.client.Get(ctx, c.entryKey(typename, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Set stores one resolved document under its entity key.
func (c *EntityCache) Set(ctx context.Context, typename string, key map[string]interface{}, doc map[string]interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode cached document: %w", err)
	}
	return c.client.Set(ctx, c.entryKey(typename, key), raw, c.ttl).Err()
}

// Invalidate drops the entry for one entity and, when the typename has
// cascade dependents, every cached entry of those dependent types. Dependent
// types cannot be invalidated per key because their keys differ.
func (c *EntityCache) Invalidate(ctx context.Context, typename string, key map[string]interface{}) error {
	if err := c.client.Del(ctx, c.entryKey(typename, key)).Err(); err != nil {
		return err
	}
	for _, dependent := range c.cascades[typename] {
		if err := c.InvalidateType(ctx, dependent); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateType drops every cached entry of one type.
func (c *EntityCache) InvalidateType(ctx context.Context, typename string) error {
	pattern := c.prefix + ":" + typename + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (c *EntityCache) entryKey(typename string, key map[string]interface{}) string {
	fields := make([]string, 0, len(key))
	for f := range key {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var sb strings.Builder
	sb.WriteString(c.prefix)
	sb.WriteByte(':')
	sb.WriteString(typename)
	sb.WriteByte(':')
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		sb.WriteString(f)
		sb.WriteByte('=')
		fmt.Fprintf(&sb, "%v", key[f])
	}
	return sb.String()
}
