// Package governance gates high-impact operations behind k-of-n signature
// approval and mandatory time-locked delay.
package governance

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Signer is an external key holder. The governance layer never sees the
// private key, only signatures over canonical proposal digests.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// LocalSigner holds an in-process ed25519 key. Production deployments wrap
// an HSM or remote signing service behind the same interface.
type LocalSigner struct {
	priv ed25519.PrivateKey
}

func NewLocalSigner() (*LocalSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("governance: generate key: %w", err)
	}
	return &LocalSigner{priv: priv}, nil
}

func (s *LocalSigner) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, digest), nil
}

func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Verify checks a signature over a digest against a public key.
func Verify(digest, signature []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest, signature)
}

// canonicalDigest hashes the fields that uniquely identify a proposal.
// Signers commit to id, kind, payload and creation time; anything else may
// change without invalidating collected signatures.
func canonicalDigest(id uuid.UUID, kind ProposalKind, payload Payload, createdAt time.Time) ([]byte, error) {
	canonical := struct {
		ID        string  `json:"id"`
		Kind      string  `json:"kind"`
		Payload   Payload `json:"payload"`
		CreatedAt int64   `json:"created_at"`
	}{
		ID:        id.String(),
		Kind:      string(kind),
		Payload:   payload,
		CreatedAt: createdAt.UnixNano(),
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("governance: canonical serialization: %w", err)
	}
	sum := sha3.Sum256(data)
	return sum[:], nil
}
