package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/npezzotti/go-groupchat/internal/encryption"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	DefaultLockoutHours = 48
	DefaultKafkaTopic   = "groupchat-activity"
)

type Config struct {
	ServerAddr     string
	Store          string
	DatabaseDSN    string
	SigningKey     []byte
	EncryptionKey  []byte
	LockoutHours   int
	AllowedOrigins []string
	RedisAddr      string
	KafkaBrokers   []string
	KafkaTopic     string
	Debug          bool
}

// Options holds the raw, unvalidated configuration inputs.
type Options struct {
	ServerAddr       string
	Store            string
	DatabaseDSN      string
	SigningSecret    string
	EncryptionSecret string
	LockoutHours     int
	AllowedOrigins   []string
	RedisAddr        string
	KafkaBrokers     []string
	KafkaTopic       string
	Debug            bool
}

// Lockout is the cooldown applied after leaving or being kicked from a group.
func (c *Config) Lockout() time.Duration {
	return time.Duration(c.LockoutHours) * time.Hour
}

func decodeSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("secret is empty")
	}
	return key, nil
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	store := opts.Store
	if store == "" {
		store = StorePostgres
	}
	if store != StorePostgres && store != StoreMemory {
		return nil, fmt.Errorf("unknown store %q", store)
	}
	if store == StorePostgres && opts.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	if opts.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	signingKey, err := decodeSecret(opts.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if opts.EncryptionSecret == "" {
		return nil, fmt.Errorf("encryption secret cannot be empty")
	}
	encryptionKey, err := decodeSecret(opts.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("decode encryption secret: %w", err)
	}
	if len(encryptionKey) != encryption.KeySize {
		return nil, fmt.Errorf("encryption secret must decode to %d bytes, got %d", encryption.KeySize, len(encryptionKey))
	}

	lockout := opts.LockoutHours
	if lockout == 0 {
		lockout = DefaultLockoutHours
	}
	if lockout < 0 {
		return nil, fmt.Errorf("lockout hours must be positive, got %d", lockout)
	}

	topic := opts.KafkaTopic
	if topic == "" {
		topic = DefaultKafkaTopic
	}

	return &Config{
		ServerAddr:     opts.ServerAddr,
		Store:          store,
		DatabaseDSN:    opts.DatabaseDSN,
		SigningKey:     signingKey,
		EncryptionKey:  encryptionKey,
		LockoutHours:   lockout,
		AllowedOrigins: opts.AllowedOrigins,
		RedisAddr:      opts.RedisAddr,
		KafkaBrokers:   opts.KafkaBrokers,
		KafkaTopic:     topic,
		Debug:          opts.Debug,
	}, nil
}
