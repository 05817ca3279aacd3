package ir

import (
	"encoding/hex"
	"fmt"
	"time"
)

// AgentKey is a hex-encoded 32-byte Ed25519 public key.
type AgentKey string

// ActionHash addresses a signed action's content.
type ActionHash string

// EntryHash addresses an entry's content.
type EntryHash string

// OpHash addresses a chain op or warrant op.
type OpHash string

// AnyHash is any content address: action, entry, op or agent key.
// Link bases and targets and op basis addresses are AnyHash.
type AnyHash string

// Timestamp is microseconds since the Unix epoch.
type Timestamp int64

// TimestampFrom converts a wall-clock time to a Timestamp.
func TimestampFrom(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Time converts the timestamp back to wall-clock time (UTC).
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t)).UTC()
}

// Validate checks that the key is 32 bytes of hex.
func (k AgentKey) Validate() error {
	raw, err := hex.DecodeString(string(k))
	if err != nil {
		return fmt.Errorf("agent key: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("agent key: expected 32 bytes, got %d", len(raw))
	}
	return nil
}

// Short returns an abbreviated form for logs and tables.
func Short[T ~string](h T) string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}
