// Package keystore holds agent signing keys and verifies signatures over
// the canonical forms defined in ir.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/roach88/dhtcore/internal/ir"
)

// kdfSalt separates agent key derivation from any other use of the seed.
const kdfSalt = "dhtcore-agent-kdf"

// Signer signs bytes on behalf of one agent.
type Signer interface {
	Agent() ir.AgentKey
	Sign(data []byte) []byte
}

// Ed25519Signer implements Signer with an in-memory private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	agent   ir.AgentKey
}

// Generate creates a signer with a fresh random key.
func Generate() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey wraps an existing private key.
func FromPrivateKey(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{
		privKey: priv,
		agent:   ir.AgentKey(hex.EncodeToString(pub)),
	}
}

// Derive deterministically derives an agent key from a seed and a label
// using HKDF-SHA256. The same seed and label always yield the same agent.
func Derive(seed []byte, label string) (*Ed25519Signer, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("derive: empty seed")
	}
	r := hkdf.New(sha256.New, seed, []byte(kdfSalt), []byte(label))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("derive: %w", err)
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(keySeed)), nil
}

// Agent returns the hex public key.
func (s *Ed25519Signer) Agent() ir.AgentKey {
	return s.agent
}

// Sign signs data.
func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.privKey, data)
}

// Seed returns the 32-byte private seed, hex encoded, for persistence.
func (s *Ed25519Signer) Seed() string {
	return hex.EncodeToString(s.privKey.Seed())
}

// FromSeedHex restores a signer from Seed() output.
func FromSeedHex(seedHex string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d", len(seed))
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// Verify checks sig over data under the agent's public key.
// Malformed keys verify as false.
func Verify(agent ir.AgentKey, data, sig []byte) bool {
	pub, err := hex.DecodeString(string(agent))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
