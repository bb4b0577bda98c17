// Package schnorr implements BIP340 signing with a caller-supplied nonce.
//
// A DLC oracle publishes the public half of each nonce before the outcome is
// known and later signs the outcome with exactly that nonce. Signing two
// different messages with one nonce reveals the private key, so callers must
// make sure each nonce is used once.
package schnorr

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	bip340 "github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// ScalarSize is the size of a serialized secret scalar.
	ScalarSize = 32
	// PubKeySize is the size of an x-only public key.
	PubKeySize = 32
	// SignatureSize is the size of a BIP340 signature.
	SignatureSize = 64
	// MessageSize is the size of the digest every signature commits to.
	MessageSize = 32
)

var challengeTag = []byte("BIP0340/challenge")

var (
	ErrInvalidScalar    = errors.New("schnorr: invalid secret scalar")
	ErrInvalidMessage   = errors.New("schnorr: message must be 32 bytes")
	ErrInvalidPubKey    = errors.New("schnorr: invalid x-only public key")
	ErrInvalidSignature = errors.New("schnorr: invalid signature")
)

// Signature is a 64-byte BIP340 signature (R.x || s).
type Signature [SignatureSize]byte

// Keypair holds a secp256k1 secret scalar. Oracle keys and per-event nonces
// share this type.
type Keypair struct {
	priv *secp256k1.PrivateKey
}

// GenerateKeypair draws a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("schnorr: generate key: %w", err)
	}
	return &Keypair{priv: priv}, nil
}

// KeypairFromSecret restores a keypair from its 32-byte secret. Zero and
// out-of-range scalars are rejected rather than reduced.
func KeypairFromSecret(secret []byte) (*Keypair, error) {
	if len(secret) != ScalarSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidScalar, len(secret))
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(secret); overflow {
		return nil, fmt.Errorf("%w: overflows group order", ErrInvalidScalar)
	}
	if k.IsZero() {
		return nil, fmt.Errorf("%w: zero", ErrInvalidScalar)
	}
	return &Keypair{priv: secp256k1.NewPrivateKey(&k)}, nil
}

// Secret returns a copy of the 32-byte secret scalar.
func (k *Keypair) Secret() []byte {
	return k.priv.Serialize()
}

// PublicKey returns the full public point.
func (k *Keypair) PublicKey() *btcec.PublicKey {
	return k.priv.PubKey()
}

// XOnly returns the 32-byte BIP340 x-only public key.
func (k *Keypair) XOnly() []byte {
	return bip340.SerializePubKey(k.priv.PubKey())
}

// Sign produces a standard BIP340 signature of hash with a nonce derived
// per BIP340 from the key, the message and fresh randomness.
func Sign(key *Keypair, hash []byte) (Signature, error) {
	var sig Signature
	if len(hash) != MessageSize {
		return sig, ErrInvalidMessage
	}
	s, err := bip340.Sign(key.priv, hash)
	if err != nil {
		return sig, fmt.Errorf("schnorr: sign: %w", err)
	}
	copy(sig[:], s.Serialize())
	return sig, nil
}

// SignWithNonce produces a BIP340 signature of hash under key, using nonce as
// the signing nonce. The resulting R.x equals nonce.XOnly(), so a verifier
// that saw the nonce in advance can tie the signature to it.
func SignWithNonce(key, nonce *Keypair, hash []byte) (Signature, error) {
	var sig Signature
	if len(hash) != MessageSize {
		return sig, ErrInvalidMessage
	}
	if key == nil || nonce == nil {
		return sig, ErrInvalidScalar
	}

	var d secp256k1.ModNScalar
	d.Set(&key.priv.Key)
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&d, &p)
	p.ToAffine()
	if p.Y.IsOdd() {
		d.Negate()
	}

	var k secp256k1.ModNScalar
	k.Set(&nonce.priv.Key)
	if k.IsZero() {
		return sig, ErrInvalidScalar
	}
	var r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &r)
	r.ToAffine()
	if r.Y.IsOdd() {
		k.Negate()
	}

	rx := r.X.Bytes()
	px := p.X.Bytes()
	commitment := chainhash.TaggedHash(challengeTag, rx[:], px[:], hash)
	var e secp256k1.ModNScalar
	e.SetBytes((*[32]byte)(commitment))

	s := new(secp256k1.ModNScalar).Mul2(&e, &d).Add(&k)
	sb := s.Bytes()
	copy(sig[:32], rx[:])
	copy(sig[32:], sb[:])

	if err := Verify(bip340.SerializePubKey(key.priv.PubKey()), hash, sig[:]); err != nil {
		return Signature{}, fmt.Errorf("schnorr: self-check failed: %w", err)
	}
	return sig, nil
}

// ParsePubKey parses a 32-byte x-only public key.
func ParsePubKey(xonly []byte) (*btcec.PublicKey, error) {
	pub, err := bip340.ParsePubKey(xonly)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return pub, nil
}

// Verify checks a BIP340 signature of hash against an x-only public key.
func Verify(xonly, hash, sig []byte) error {
	if len(hash) != MessageSize {
		return ErrInvalidMessage
	}
	pub, err := ParsePubKey(xonly)
	if err != nil {
		return err
	}
	parsed, err := bip340.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Verify(hash, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// NonceOf returns the x-only R committed to by sig.
func NonceOf(sig []byte) []byte {
	if len(sig) != SignatureSize {
		return nil
	}
	out := make([]byte, PubKeySize)
	copy(out, sig[:PubKeySize])
	return out
}
