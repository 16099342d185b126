package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig enables TLS toward the valkey deployment.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig addresses the valkey deployment backing the store.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TTL      time.Duration
	TLS      ValkeyTLSConfig
}

type valkeyStore struct {
	client valkey.Client
	ttl    time.Duration
}

// NewValkey connects to valkey and verifies the connection with a ping.
func NewValkey(cfg ValkeyConfig) (ResultStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	return &valkeyStore{client: client, ttl: ttl}, nil
}

func (s *valkeyStore) Persist(ctx context.Context, key string, rec Record) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: valkey marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(payload)).Px(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: valkey set: %w", err)
	}
	return nil
}

func (s *valkeyStore) Fetch(ctx context.Context, key string) (Record, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("store: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Record{}, false, fmt.Errorf("store: valkey get bytes: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false, fmt.Errorf("store: valkey unmarshal: %w", err)
	}
	return rec, true, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
