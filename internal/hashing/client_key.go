package hashing

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"studio-intake/internal/config"
	"studio-intake/internal/util"
)

const minPepperBytes = 16

// ClientKeyHasher turns caller identifiers such as IP addresses into
// opaque, stable tokens so raw addresses never land in limiter keys.
type ClientKeyHasher struct {
	pepper []byte
}

// NewClientKeyHasher keys the hash with RATE_LIMIT_CLIENT_KEY_SECRET. Without
// a secret a random pepper is generated, which keeps tokens stable only
// within this process.
func NewClientKeyHasher(cfg *config.Config) (*ClientKeyHasher, error) {
	secret := cfg.RateLimit.ClientKeySecret
	if secret == "" {
		pepper := make([]byte, 32)
		if _, err := rand.Read(pepper); err != nil {
			return nil, fmt.Errorf("generate pepper: %w", err)
		}
		if cfg.UsesRedisRateLimit() {
			util.Warn("RATE_LIMIT_CLIENT_KEY_SECRET is empty; per-client windows are not shared between replicas")
		}
		return &ClientKeyHasher{pepper: pepper}, nil
	}
	return NewClientKeyHasherWithPepper([]byte(secret))
}

func NewClientKeyHasherWithPepper(pepper []byte) (*ClientKeyHasher, error) {
	if len(pepper) < minPepperBytes {
		return nil, fmt.Errorf("pepper must be at least %d bytes, got %d", minPepperBytes, len(pepper))
	}
	if len(pepper) > blake2b.Size {
		sum := blake2b.Sum256(pepper)
		pepper = sum[:]
	}
	return &ClientKeyHasher{pepper: append([]byte(nil), pepper...)}, nil
}

// Hash returns a 22 character URL-safe token. The empty identifier stays
// empty so unscoped callers keep sharing the form window.
func (h *ClientKeyHasher) Hash(clientKey string) string {
	if clientKey == "" {
		return ""
	}
	mac, err := blake2b.New(16, h.pepper)
	if err != nil {
		// Only reachable with an invalid key length, which the constructors rule out.
		util.Error("Client key hash failed", zap.Error(err))
		return ""
	}
	mac.Write([]byte(clientKey))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
