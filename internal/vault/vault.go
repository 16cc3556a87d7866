// Package vault seals wallet signing keys at rest and hands out short-lived
// signing credentials.
package vault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vamshivade/DEX-System/internal/fault"
	"github.com/vamshivade/DEX-System/internal/store"
)

var (
	// ErrCredentialExpired is returned by Sign after the credential's TTL.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrCredentialWiped is returned by Sign after Wipe.
	ErrCredentialWiped = errors.New("credential wiped")
)

// BlobStore persists sealed key blobs.
type BlobStore interface {
	PutKeyBlob(ctx context.Context, ref string, blob []byte) error
	KeyBlob(ctx context.Context, ref string) ([]byte, error)
}

// Vault encrypts ed25519 seeds with XChaCha20-Poly1305. The wallet id is
// bound as additional data so a blob cannot be replayed under another wallet.
type Vault struct {
	key   []byte
	blobs BlobStore
	ttl   time.Duration
	now   func() time.Time
}

// ParseMasterKey decodes a hex-encoded 32-byte key.
func ParseMasterKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master key is not hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// New creates a Vault. Credentials it returns stop signing after ttl.
func New(masterKey []byte, blobs BlobStore, ttl time.Duration) (*Vault, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", chacha20poly1305.KeySize)
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Vault{key: key, blobs: blobs, ttl: ttl, now: time.Now}, nil
}

// Seal encrypts seed (an ed25519 seed or full private key) for walletID and
// stores it. It returns the key reference to keep on the wallet record.
func (v *Vault) Seal(ctx context.Context, walletID string, seed []byte) (string, error) {
	switch len(seed) {
	case ed25519.SeedSize:
	case ed25519.PrivateKeySize:
		seed = seed[:ed25519.SeedSize]
	default:
		return "", fault.Newf(fault.Precondition, "key for %s has invalid length %d", walletID, len(seed))
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fault.Wrap(fault.Security, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(seed)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	blob := aead.Seal(nonce, nonce, seed, []byte(walletID))

	if err := v.blobs.PutKeyBlob(ctx, walletID, blob); err != nil {
		return "", err
	}
	return walletID, nil
}

// Decrypt opens walletID's key blob and returns a credential valid for one
// submission attempt. Callers must Wipe it when the attempt ends.
func (v *Vault) Decrypt(ctx context.Context, walletID string) (*Credential, error) {
	blob, err := v.blobs.KeyBlob(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Newf(fault.Security, "no key blob for wallet %s", walletID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Transient, fmt.Errorf("load key blob: %w", err))
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, fault.Wrap(fault.Security, err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, fault.Newf(fault.Security, "key blob for wallet %s is truncated", walletID)
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	seed, err := aead.Open(nil, nonce, ciphertext, []byte(walletID))
	if err != nil {
		return nil, fault.Wrap(fault.Security, fmt.Errorf("decrypt key for wallet %s: %w", walletID, err))
	}

	key := ed25519.NewKeyFromSeed(seed)
	wipe(seed)

	now := v.now()
	return &Credential{
		walletID: walletID,
		key:      key,
		expires:  now.Add(v.ttl),
		now:      v.now,
	}, nil
}

// Credential is a decrypted signing key bound to a deadline.
type Credential struct {
	walletID string
	expires  time.Time
	now      func() time.Time

	mu  sync.Mutex
	key ed25519.PrivateKey
}

// WalletID returns the wallet the credential signs for.
func (c *Credential) WalletID() string {
	return c.walletID
}

// PublicKey returns the signer's public key, or nil after Wipe.
func (c *Credential) PublicKey() ed25519.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return nil
	}
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, c.key[ed25519.SeedSize:])
	return pub
}

// Sign signs msg.
func (c *Credential) Sign(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return nil, fault.Wrap(fault.Security, ErrCredentialWiped)
	}
	if c.now().After(c.expires) {
		return nil, fault.Wrap(fault.Security, ErrCredentialExpired)
	}
	return ed25519.Sign(c.key, msg), nil
}

// Wipe zeroes the key material. Safe to call more than once.
func (c *Credential) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wipe(c.key)
	c.key = nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
