package governance

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velocimex/riskgate/internal/events"
	"github.com/velocimex/riskgate/internal/journal"
)

// ProposalStatus transitions are monotonic and one-directional.
type ProposalStatus int

const (
	StatusPending ProposalStatus = iota
	StatusApproved
	StatusRejected
	StatusExpired
	StatusExecuted
)

func (s ProposalStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	case StatusExecuted:
		return "executed"
	}
	return "unknown"
}

var (
	ErrProposalNotFound   = errors.New("governance: proposal not found")
	ErrSignerUnknown      = errors.New("governance: signer not registered")
	ErrSignerInactive     = errors.New("governance: signer deactivated")
	ErrDuplicateSignature = errors.New("governance: signer already signed")
	ErrBadSignature       = errors.New("governance: signature verification failed")
	ErrNotPending         = errors.New("governance: proposal is not pending")
	ErrNotApproved        = errors.New("governance: proposal is not approved")
	ErrProposalExpired    = errors.New("governance: proposal expired")
)

// SignerRecord is one registered key holder.
type SignerRecord struct {
	ID        string            `json:"id"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	Active    bool              `json:"active"`
}

// Proposal is one governance action awaiting k-of-n approval.
type Proposal struct {
	ID         uuid.UUID         `json:"id"`
	Kind       ProposalKind      `json:"kind"`
	Payload    Payload           `json:"payload"`
	Creator    string            `json:"creator"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Required   int               `json:"required"`
	Signatures map[string][]byte `json:"signatures"`
	Status     ProposalStatus    `json:"status"`
	Executor   string            `json:"executor,omitempty"`
	FailReason string            `json:"fail_reason,omitempty"`
}

// MultiSig manages proposals and their signature sets.
type MultiSig struct {
	logger  *zap.Logger
	bus     *events.Bus
	journal journal.Appender

	mu        sync.Mutex
	signers   map[string]*SignerRecord
	proposals map[uuid.UUID]*Proposal
	now       func() time.Time
}

func NewMultiSig(bus *events.Bus, jnl journal.Appender, logger *zap.Logger) *MultiSig {
	return &MultiSig{
		logger:    logger,
		bus:       bus,
		journal:   jnl,
		signers:   make(map[string]*SignerRecord),
		proposals: make(map[uuid.UUID]*Proposal),
		now:       time.Now,
	}
}

// RegisterSigner adds or reactivates a key holder.
func (ms *MultiSig) RegisterSigner(id string, pub ed25519.PublicKey) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.signers[id] = &SignerRecord{ID: id, PublicKey: pub, Active: true}
	ms.logger.Info("governance signer registered", zap.String("signer", id))
}

// DeactivateSigner marks a signer inactive; existing signatures remain
// valid, new ones are refused.
func (ms *MultiSig) DeactivateSigner(id string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if rec, ok := ms.signers[id]; ok {
		rec.Active = false
	}
}

// CreateProposal validates the payload structurally and opens a proposal
// needing `required` signatures before ttl elapses.
func (ms *MultiSig) CreateProposal(creator string, payload Payload, required int, ttl time.Duration) (Proposal, error) {
	if err := payload.Validate(); err != nil {
		return Proposal{}, err
	}
	if required < 1 {
		return Proposal{}, errors.New("governance: required signature count must be at least 1")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	p := &Proposal{
		ID:         uuid.New(),
		Kind:       payload.Kind,
		Payload:    payload,
		Creator:    creator,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Required:   required,
		Signatures: make(map[string][]byte),
		Status:     StatusPending,
	}
	ms.proposals[p.ID] = p

	ms.logger.Info("proposal created",
		zap.String("proposal_id", p.ID.String()),
		zap.String("kind", string(p.Kind)),
		zap.String("creator", creator),
		zap.Int("required", required))
	if err := ms.journal.Append(journal.TypeProposal, p.ID.String(), p); err != nil {
		ms.logger.Error("proposal journal append failed", zap.Error(err))
	}
	return *p, nil
}

// Digest returns the canonical digest an external signer must sign for the
// proposal.
func (ms *MultiSig) Digest(id uuid.UUID) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	p, ok := ms.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return canonicalDigest(p.ID, p.Kind, p.Payload, p.CreatedAt)
}

// SignProposal signs with the given Signer and records the signature. The
// signature is verified against the registered public key, so a signer
// cannot sign for another's registration.
func (ms *MultiSig) SignProposal(id uuid.UUID, signerID string, signer Signer) error {
	digest, err := ms.Digest(id)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("governance: sign: %w", err)
	}
	return ms.AddSignature(id, signerID, sig)
}

// AddSignature verifies and records one signature, transitioning the
// proposal to APPROVED the instant the threshold is reached.
func (ms *MultiSig) AddSignature(id uuid.UUID, signerID string, signature []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	p, ok := ms.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	rec, ok := ms.signers[signerID]
	if !ok {
		return ErrSignerUnknown
	}
	if !rec.Active {
		return ErrSignerInactive
	}
	if p.Status != StatusPending {
		return ErrNotPending
	}
	if ms.now().After(p.ExpiresAt) {
		p.Status = StatusExpired
		return ErrProposalExpired
	}
	if _, dup := p.Signatures[signerID]; dup {
		return ErrDuplicateSignature
	}

	digest, err := canonicalDigest(p.ID, p.Kind, p.Payload, p.CreatedAt)
	if err != nil {
		return err
	}
	if !Verify(digest, signature, rec.PublicKey) {
		ms.logger.Error("signature verification failed",
			zap.String("proposal_id", id.String()),
			zap.String("signer", signerID))
		return ErrBadSignature
	}

	p.Signatures[signerID] = signature
	ms.logger.Info("proposal signed",
		zap.String("proposal_id", id.String()),
		zap.String("signer", signerID),
		zap.Int("signatures", len(p.Signatures)),
		zap.Int("required", p.Required))
	if err := ms.journal.Append(journal.TypeSignature, id.String(), map[string]interface{}{
		"signer":    signerID,
		"signature": signature,
	}); err != nil {
		ms.logger.Error("signature journal append failed", zap.Error(err))
	}

	if len(p.Signatures) >= p.Required {
		p.Status = StatusApproved
		ms.publishStatusLocked(p)
	}
	return nil
}

// ExecuteProposal runs the executor for an APPROVED proposal. Success
// transitions to EXECUTED; executor failure transitions to REJECTED and is
// not retried.
func (ms *MultiSig) ExecuteProposal(id uuid.UUID, executor string, fn func(Proposal) error) error {
	ms.mu.Lock()
	p, ok := ms.proposals[id]
	if !ok {
		ms.mu.Unlock()
		return ErrProposalNotFound
	}
	if p.Status != StatusApproved {
		ms.mu.Unlock()
		return ErrNotApproved
	}
	// Claim execution before releasing the lock so a concurrent call
	// cannot execute twice.
	p.Status = StatusExecuted
	p.Executor = executor
	snapshot := *p
	ms.mu.Unlock()

	if err := fn(snapshot); err != nil {
		ms.mu.Lock()
		p.Status = StatusRejected
		p.FailReason = err.Error()
		ms.publishStatusLocked(p)
		ms.mu.Unlock()
		ms.logger.Error("proposal execution failed",
			zap.String("proposal_id", id.String()),
			zap.Error(err))
		return fmt.Errorf("governance: execute proposal: %w", err)
	}

	ms.mu.Lock()
	ms.publishStatusLocked(p)
	ms.mu.Unlock()
	ms.logger.Info("proposal executed",
		zap.String("proposal_id", id.String()),
		zap.String("executor", executor))
	return nil
}

// RejectProposal terminally rejects a pending or approved proposal.
func (ms *MultiSig) RejectProposal(id uuid.UUID, reason string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	p, ok := ms.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if p.Status != StatusPending && p.Status != StatusApproved {
		return fmt.Errorf("governance: cannot reject %s proposal", p.Status)
	}
	p.Status = StatusRejected
	p.FailReason = reason
	ms.publishStatusLocked(p)
	return nil
}

// GetProposal returns a copy of the proposal.
func (ms *MultiSig) GetProposal(id uuid.UUID) (Proposal, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	p, ok := ms.proposals[id]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	out := *p
	out.Signatures = make(map[string][]byte, len(p.Signatures))
	for k, v := range p.Signatures {
		out.Signatures[k] = v
	}
	return out, nil
}

// SweepExpired moves every PENDING proposal past its expiry to EXPIRED and
// returns how many were swept.
func (ms *MultiSig) SweepExpired() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	swept := 0
	for _, p := range ms.proposals {
		if p.Status == StatusPending && now.After(p.ExpiresAt) {
			p.Status = StatusExpired
			swept++
			ms.publishStatusLocked(p)
		}
	}
	if swept > 0 {
		ms.logger.Info("expired proposals swept", zap.Int("count", swept))
	}
	return swept
}

// RunExpirySweep sweeps on a fixed interval until ctx is cancelled.
func (ms *MultiSig) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.SweepExpired()
		}
	}
}

func (ms *MultiSig) publishStatusLocked(p *Proposal) {
	ms.bus.Publish(events.Event{
		Type: events.TypeProposalStatus,
		Fields: map[string]interface{}{
			"proposal_id": p.ID.String(),
			"kind":        string(p.Kind),
			"status":      p.Status.String(),
		},
	})
}
