package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedis builds the single pooled client shared by every component that
// touches remote state. The store is authoritative for all cross-process
// state, so startup fails hard when it cannot be pinged.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	password := os.Getenv("REDIS_PASSWORD")
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			db = parsed
		}
	}
	poolSize := envIntStore("REDIS_POOL_SIZE", 32)
	maxRetries := envIntStore("REDIS_MAX_RETRIES", 3)
	tlsConfig, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if requiresSecureTransport("REDIS_REQUIRE_TLS") && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		PoolSize:    poolSize,
		MaxRetries:  maxRetries,
		DialTimeout: 3 * time.Second,
		TLSConfig:   tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, WrapBackend("redis ping", err)
	}
	return client, nil
}

// redisTLSSettings is the transport half of the Redis bootstrap, split
// from the pool options so its env surface can be validated as one unit.
type redisTLSSettings struct {
	enabled       bool
	skipVerify    bool
	allowInsecure bool
	serverName    string
	caFile        string
	certFile      string
	keyFile       string
}

func redisTLSFromEnv() redisTLSSettings {
	flag := func(key string) bool {
		return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
	}
	return redisTLSSettings{
		enabled:       flag("REDIS_TLS"),
		skipVerify:    flag("REDIS_TLS_INSECURE"),
		allowInsecure: flag("REDIS_ALLOW_INSECURE_TLS"),
		serverName:    strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		caFile:        strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		certFile:      strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
		keyFile:       strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
	}
}

func (s redisTLSSettings) build() (*tls.Config, error) {
	if !s.enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: s.serverName,
	}
	if s.skipVerify {
		if !s.allowInsecure {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if s.caFile != "" {
		roots, err := loadCertPool(s.caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = roots
	}
	switch {
	case s.certFile != "" && s.keyFile != "":
		cert, err := tls.LoadX509KeyPair(filepath.Clean(s.certFile), filepath.Clean(s.keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case s.certFile != "" || s.keyFile != "":
		return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	return cfg, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
	}
	return pool, nil
}

func loadRedisTLSConfigFromEnv() (*tls.Config, error) {
	return redisTLSFromEnv().build()
}

func envIntStore(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}
