package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/crypto/schnorr"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/pkg/logger"
)

const oracleKeyID = "oracle"

// KeyManager owns the oracle's long-lived signing key. The first caller to
// persist a key wins; every other caller, in this process or another, ends
// up with the winner's key.
type KeyManager struct {
	store repository.Engine
	now   func() time.Time
	log   logger.Logger

	mu  sync.RWMutex
	key *schnorr.Keypair
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store repository.Engine, now func() time.Time, log logger.Logger) *KeyManager {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &KeyManager{store: store, now: now, log: log}
}

// EnsureKeypair loads the persisted key, creating it if the store has none.
func (k *KeyManager) EnsureKeypair(ctx context.Context) (*schnorr.Keypair, error) {
	if key := k.Keypair(); key != nil {
		return key, nil
	}

	fresh, err := schnorr.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("oracle.keys: %w", err)
	}
	rec := &model.Keypair{Secret: fresh.Secret(), CreatedAt: k.now().UTC()}
	stored, inserted, err := repository.InsertRecord(ctx, k.store, repository.NamespaceKeys, oracleKeyID, rec)
	if err != nil {
		if isCorrupt(err) {
			return nil, fmt.Errorf("oracle.keys: %w: %v", ErrCorruptKeypair, err)
		}
		return nil, fmt.Errorf("oracle.keys: %w", err)
	}
	key, err := schnorr.KeypairFromSecret(stored.Secret)
	if err != nil {
		return nil, fmt.Errorf("oracle.keys: %w: %v", ErrCorruptKeypair, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key == nil {
		k.key = key
	}
	if inserted {
		k.log.Info(ctx, "generated oracle keypair", logger.String("public_key", hex.EncodeToString(key.XOnly())))
	} else {
		k.log.Debug(ctx, "loaded oracle keypair", logger.String("public_key", hex.EncodeToString(key.XOnly())))
	}
	return k.key, nil
}

// Keypair returns the loaded key, or nil before EnsureKeypair succeeds.
func (k *KeyManager) Keypair() *schnorr.Keypair {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

// PublicKey returns the 32-byte x-only oracle public key.
func (k *KeyManager) PublicKey() ([]byte, error) {
	key := k.Keypair()
	if key == nil {
		return nil, fmt.Errorf("oracle.keys: %w: keypair not loaded", ErrInvalidState)
	}
	return key.XOnly(), nil
}
