// Package ingeststats provides Redis-backed ingestion statistics per source.
//
// Designed for multiple collector and tracking instances writing concurrently.
// Stats are updated by batched flushes and can be read by any process (kmctl, dashboards).
//
// Redis Key Structure:
//
//	ingest:stats:{source}              - Hash with totals and last-seen fields
//	ingest:hourly:{source}:{YYYYMMDDHH} - Accepted count for a specific hour (expires 48h)
//	ingest:daily:{source}:{YYYYMMDD}   - Accepted count for a specific day (expires 7d)
//	ingest:ips:{source}:{YYYYMMDD}     - Set of unique client IPs for a day (expires 7d)
//	ingest:instances:{source}          - Hash of instance -> last seen timestamp
package ingeststats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kada-mandiya/analytics/common/config"
)

const keyPrefix = "ingest:"

// Stats represents current ingestion statistics for one source.
type Stats struct {
	Source           string            `json:"source" yaml:"source"`
	LastSeenAt       *time.Time        `json:"last_seen_at,omitempty" yaml:"last_seen_at,omitempty"`
	LastClientIP     string            `json:"last_client_ip,omitempty" yaml:"last_client_ip,omitempty"`
	TotalAccepted    int64             `json:"total_accepted" yaml:"total_accepted"`
	TotalDeadLetter  int64             `json:"total_dead_lettered" yaml:"total_dead_lettered"`
	AcceptedLastHour int64             `json:"accepted_last_hour" yaml:"accepted_last_hour"`
	AcceptedLast24h  int64             `json:"accepted_last_24h" yaml:"accepted_last_24h"`
	UniqueIPsToday   int64             `json:"unique_ips_today" yaml:"unique_ips_today"`
	Instances        map[string]string `json:"instances,omitempty" yaml:"instances,omitempty"`
	RetrievedAt      time.Time         `json:"retrieved_at" yaml:"retrieved_at"`
}

// Client records and retrieves ingestion statistics.
type Client struct {
	redis      *redis.Client
	instanceID string
	now        func() time.Time
}

// NewClient connects to Redis using the shared redis config section.
// instanceID should be unique per process (hostname, pod name, UUID).
func NewClient(ctx context.Context, cfg config.RedisConfig, instanceID string) (*Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opt.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, instanceID), nil
}

// NewClientFromRedis creates a client from an existing Redis connection.
func NewClientFromRedis(client *redis.Client, instanceID string) *Client {
	return &Client{
		redis:      client,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// Batch holds accumulated counts for one source between flushes.
type Batch struct {
	Source       string
	Accepted     int64
	DeadLettered int64
	ClientIPs    map[string]struct{}
	LastIP       string
}

// NewBatch creates an empty batch for a source.
func NewBatch(source string) *Batch {
	return &Batch{
		Source:    source,
		ClientIPs: make(map[string]struct{}),
	}
}

// Add accumulates one request's outcome into the batch.
func (b *Batch) Add(accepted, deadLettered int64, clientIP string) {
	b.Accepted += accepted
	b.DeadLettered += deadLettered
	if clientIP != "" {
		b.ClientIPs[clientIP] = struct{}{}
		b.LastIP = clientIP
	}
}

func (b *Batch) merge(other *Batch) {
	b.Accepted += other.Accepted
	b.DeadLettered += other.DeadLettered
	for ip := range other.ClientIPs {
		b.ClientIPs[ip] = struct{}{}
	}
	if other.LastIP != "" {
		b.LastIP = other.LastIP
	}
}

func (b *Batch) empty() bool {
	return b.Accepted == 0 && b.DeadLettered == 0
}

// FlushBatch writes accumulated batch stats to Redis in one pipeline.
func (c *Client) FlushBatch(ctx context.Context, batch *Batch) error {
	if batch.empty() {
		return nil
	}

	now := c.now()
	hourKey := now.Format("2006010215")
	dayKey := now.Format("20060102")
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()

	statsKey := keyPrefix + "stats:" + batch.Source
	fields := map[string]interface{}{"last_seen_at": nowUnix}
	if batch.LastIP != "" {
		fields["last_client_ip"] = batch.LastIP
	}
	pipe.HSet(ctx, statsKey, fields)
	pipe.HIncrBy(ctx, statsKey, "total_accepted", batch.Accepted)
	pipe.HIncrBy(ctx, statsKey, "total_dead_lettered", batch.DeadLettered)

	hourlyKey := fmt.Sprintf("%shourly:%s:%s", keyPrefix, batch.Source, hourKey)
	pipe.IncrBy(ctx, hourlyKey, batch.Accepted)
	pipe.Expire(ctx, hourlyKey, 48*time.Hour)

	dailyKey := fmt.Sprintf("%sdaily:%s:%s", keyPrefix, batch.Source, dayKey)
	pipe.IncrBy(ctx, dailyKey, batch.Accepted)
	pipe.Expire(ctx, dailyKey, 7*24*time.Hour)

	if len(batch.ClientIPs) > 0 {
		ipsKey := fmt.Sprintf("%sips:%s:%s", keyPrefix, batch.Source, dayKey)
		ips := make([]interface{}, 0, len(batch.ClientIPs))
		for ip := range batch.ClientIPs {
			ips = append(ips, ip)
		}
		pipe.SAdd(ctx, ipsKey, ips...)
		pipe.Expire(ctx, ipsKey, 7*24*time.Hour)
	}

	instancesKey := keyPrefix + "instances:" + batch.Source
	pipe.HSet(ctx, instancesKey, c.instanceID, nowUnix)
	pipe.Expire(ctx, instancesKey, 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush ingest stats: %w", err)
	}
	return nil
}

// GetStats retrieves current statistics for a source.
func (c *Client) GetStats(ctx context.Context, source string) (*Stats, error) {
	now := c.now()
	dayKey := now.Format("20060102")

	hourlyKeys := make([]string, 24)
	for i := 0; i < 24; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		hourlyKeys[i] = fmt.Sprintf("%shourly:%s:%s", keyPrefix, source, t.Format("2006010215"))
	}

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, keyPrefix+"stats:"+source)
	hourlyCmds := make([]*redis.StringCmd, len(hourlyKeys))
	for i, key := range hourlyKeys {
		hourlyCmds[i] = pipe.Get(ctx, key)
	}
	uniqueIPsCmd := pipe.SCard(ctx, fmt.Sprintf("%sips:%s:%s", keyPrefix, source, dayKey))
	instancesCmd := pipe.HGetAll(ctx, keyPrefix+"instances:"+source)

	// Missing hourly keys surface as redis.Nil from Exec.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get ingest stats: %w", err)
	}

	stats := &Stats{
		Source:      source,
		RetrievedAt: now,
		Instances:   make(map[string]string),
	}

	if m, err := statsCmd.Result(); err == nil {
		if v, ok := m["last_seen_at"]; ok {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Unix(unix, 0).UTC()
				stats.LastSeenAt = &t
			}
		}
		stats.LastClientIP = m["last_client_ip"]
		stats.TotalAccepted, _ = strconv.ParseInt(m["total_accepted"], 10, 64)
		stats.TotalDeadLetter, _ = strconv.ParseInt(m["total_dead_lettered"], 10, 64)
	}

	if v, err := hourlyCmds[0].Int64(); err == nil {
		stats.AcceptedLastHour = v
	}
	for _, cmd := range hourlyCmds {
		if v, err := cmd.Int64(); err == nil {
			stats.AcceptedLast24h += v
		}
	}

	if v, err := uniqueIPsCmd.Result(); err == nil {
		stats.UniqueIPsToday = v
	}

	if instances, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range instances {
			if unix, err := strconv.ParseInt(lastSeen, 10, 64); err == nil {
				stats.Instances[instance] = time.Unix(unix, 0).UTC().Format(time.RFC3339)
			}
		}
	}

	return stats, nil
}

// ListSources returns every source that has recorded stats.
func (c *Client) ListSources(ctx context.Context) ([]string, error) {
	var sources []string
	prefix := keyPrefix + "stats:"

	iter := c.redis.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		sources = append(sources, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ingest sources: %w", err)
	}
	return sources, nil
}

// Ping checks Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
