// Package config loads and saves the global ~/.papo/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the global ~/.papo/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the websocket endpoint of the chat backend.
	ServerURL string `toml:"server_url"`
	// RESTBaseURL is the HTTP endpoint of the chat backend.
	RESTBaseURL string `toml:"rest_base_url"`

	// UserID is the local user's identifier as it appears in message
	// sender fields.
	UserID string `toml:"user_id"`
	// IdentityToken authenticates the socket connection. When set the
	// daemon connects on startup; when empty it waits for papoctl login.
	IdentityToken string `toml:"identity_token"`

	Transfer TransferConfig `toml:"transfer"`
	Conn     ConnConfig     `toml:"conn"`
	Message  MessageConfig  `toml:"message"`
	Typing   TypingConfig   `toml:"typing"`
}

// TransferConfig bounds attachment transfers.
type TransferConfig struct {
	// MaxBytes is the hard ceiling on attachment size. Files over the
	// ceiling are rejected before any transmission begins.
	MaxBytes int64 `toml:"max_bytes"`
	// ChunkSize is the size of each base64 chunk on the wire.
	ChunkSize int `toml:"chunk_size"`
	// ReadyTimeout bounds the wait for the server's upload-ready ack.
	ReadyTimeout Duration `toml:"ready_timeout"`
}

// ConnConfig tunes the transport connection.
type ConnConfig struct {
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	BackoffMin       Duration `toml:"backoff_min"`
	BackoffMax       Duration `toml:"backoff_max"`
	// SendQueueBound caps the number of events queued while the
	// connection is down; beyond it the oldest entry is dropped.
	SendQueueBound int `toml:"send_queue_bound"`
}

// MessageConfig tunes the message store.
type MessageConfig struct {
	// ReconcileTimeout is how long a sent message may stay pending
	// before it is marked failed.
	ReconcileTimeout Duration `toml:"reconcile_timeout"`
}

// TypingConfig tunes typing indicators.
type TypingConfig struct {
	// Debounce coalesces keystroke bursts into one typing event.
	Debounce Duration `toml:"debounce"`
	// Idle is how long after the last keystroke a stop event is sent.
	Idle Duration `toml:"idle"`
	// Expiry is the hard timeout after which a remote indicator is
	// cleared even without a stop event.
	Expiry Duration `toml:"expiry"`
}

// Default returns the config used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		ServerURL:      "ws://localhost:8000/socket",
		RESTBaseURL:    "http://localhost:8000",
		Transfer: TransferConfig{
			MaxBytes:     10 * 1024 * 1024,
			ChunkSize:    64 * 1024,
			ReadyTimeout: Duration(30 * time.Second),
		},
		Conn: ConnConfig{
			HandshakeTimeout: Duration(20 * time.Second),
			BackoffMin:       Duration(time.Second),
			BackoffMax:       Duration(30 * time.Second),
			SendQueueBound:   256,
		},
		Message: MessageConfig{
			ReconcileTimeout: Duration(30 * time.Second),
		},
		Typing: TypingConfig{
			Debounce: Duration(time.Second),
			Idle:     Duration(time.Second),
			Expiry:   Duration(5 * time.Second),
		},
	}
}

// Load reads config from the given path. Missing file is not an error:
// defaults are returned. Values present in the file override defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
