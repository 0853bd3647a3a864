package config

// This file defines the Redis client constructor.  Redis backs the token
// bucket rate limiter on booking write routes.  When the server cannot be
// reached the constructor returns nil and the limiter passes every request
// through.

import (
    "context"
    "crypto/tls"
    "log/slog"
    "os"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from the environment:
//   REDIS_URL – redis:// or rediss:// URL, takes precedence over the rest
//   REDIS_HOST and REDIS_PORT, or REDIS_ADDR (host:port)
//   REDIS_PASSWORD, REDIS_DB
//   REDIS_TLS – "true" or "1" enables TLS
// It returns nil when the URL is malformed or the server does not answer
// a ping within two seconds.
func NewRedisClient(logger *slog.Logger) *redis.Client {
    opts, err := redisOptions()
    if err != nil {
        logger.Warn("redis: bad configuration", "err", err)
        return nil
    }
    client := redis.NewClient(opts)
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        logger.Warn("redis: ping failed", "addr", opts.Addr, "err", err)
        _ = client.Close()
        return nil
    }
    return client
}

func redisOptions() (*redis.Options, error) {
    if url := os.Getenv("REDIS_URL"); url != "" {
        return redis.ParseURL(url)
    }
    addr := envStr("REDIS_ADDR", "localhost:6379")
    if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
        addr = host + ":" + port
    }
    opts := &redis.Options{
        Addr:     addr,
        Password: os.Getenv("REDIS_PASSWORD"),
        DB:       envInt("REDIS_DB", 0),
    }
    if v := os.Getenv("REDIS_TLS"); strings.EqualFold(v, "true") || v == "1" {
        opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
    }
    return opts, nil
}
