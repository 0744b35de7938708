// Package audit implements the tamper-evident trail of orchestrator
// activity. Every entry is chained to its predecessor by a SHA-256 hash,
// once in the process-global chain and once in the per-incident chain, so
// removal or mutation of any entry breaks verification. Entries can
// additionally carry a detached ed25519 signature over the global hash.
package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

// genesisHash anchors both chains.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one appended audit record. Entries are append-only and
// immutable once written.
type Entry struct {
	Seq        uint64 `json:"seq"`
	ID         string `json:"id"`
	IncidentID string `json:"incident_id,omitempty"`
	Actor      string `json:"actor"`
	EventType  string `json:"event_type"`

	// PayloadDigest is the SHA-256 of the serialized event payload.
	PayloadDigest string          `json:"payload_digest"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// Global chain
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`

	// Per-incident chain (zero values for global events)
	IncidentSeq      uint64 `json:"incident_seq,omitempty"`
	IncidentPrevHash string `json:"incident_prev_hash,omitempty"`
	IncidentHash     string `json:"incident_hash,omitempty"`

	// Signature is the detached ed25519 signature over Hash, when
	// signing is enabled.
	Signature string `json:"signature,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Store persists audit entries. Append must be atomic per entry; the Log
// serializes appends so stores never see concurrent writes.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// Entries returns the global chain in sequence order.
	Entries(ctx context.Context) ([]*Entry, error)
	// IncidentEntries returns the per-incident chain in sequence order.
	IncidentEntries(ctx context.Context, incidentID string) ([]*Entry, error)
}

// Log is the hash-chaining writer. It implements core.AuditRecorder.
type Log struct {
	mu    sync.Mutex
	store Store
	clock core.Clock

	seq      uint64
	lastHash string

	incidents map[string]*incidentChain

	signingKey ed25519.PrivateKey
	logger     core.Logger
	metrics    core.Metrics
}

type incidentChain struct {
	seq      uint64
	lastHash string
}

// Options configures a Log.
type Options struct {
	Store      Store
	Clock      core.Clock
	SigningKey ed25519.PrivateKey // nil disables signing
	Logger     core.Logger
	Metrics    core.Metrics
}

// NewLog creates an audit log writing through the given store. The log
// resumes existing chains so restarts do not fork history.
func NewLog(ctx context.Context, opts Options) (*Log, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("audit store is required: %w", core.ErrInvalidConfiguration)
	}
	if opts.Clock == nil {
		opts.Clock = core.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &core.NoOpMetrics{}
	}

	l := &Log{
		store:      opts.Store,
		clock:      opts.Clock,
		lastHash:   genesisHash,
		incidents:  make(map[string]*incidentChain),
		signingKey: opts.SigningKey,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}

	entries, err := opts.Store.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading audit chain: %w", err)
	}
	for _, e := range entries {
		l.seq = e.Seq
		l.lastHash = e.Hash
		if e.IncidentID != "" {
			l.incidents[e.IncidentID] = &incidentChain{seq: e.IncidentSeq, lastHash: e.IncidentHash}
		}
	}
	return l, nil
}

// Record appends one event. The append must succeed before the caller
// commits the change the event describes; on failure the caller aborts
// and reclassifies the error as unrecoverable.
func (l *Log) Record(ctx context.Context, event core.AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return core.NewError("audit.Record", core.KindUnrecoverable, event.IncidentID,
			fmt.Errorf("marshaling audit payload: %w", err))
	}
	digest := sha256.Sum256(payload)
	digestHex := hex.EncodeToString(digest[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &Entry{
		Seq:           l.seq + 1,
		ID:            uuid.NewString(),
		IncidentID:    event.IncidentID,
		Actor:         event.Actor,
		EventType:     event.EventType,
		PayloadDigest: digestHex,
		Payload:       payload,
		PrevHash:      l.lastHash,
		Hash:          chainHash(l.lastHash, digestHex),
		Timestamp:     l.clock.Now(),
	}

	if event.IncidentID != "" {
		chain, ok := l.incidents[event.IncidentID]
		if !ok {
			chain = &incidentChain{lastHash: genesisHash}
			l.incidents[event.IncidentID] = chain
		}
		entry.IncidentSeq = chain.seq + 1
		entry.IncidentPrevHash = chain.lastHash
		entry.IncidentHash = chainHash(chain.lastHash, digestHex)
	}

	if l.signingKey != nil {
		sig := ed25519.Sign(l.signingKey, []byte(entry.Hash))
		entry.Signature = hex.EncodeToString(sig)
	}

	if err := l.store.Append(ctx, entry); err != nil {
		l.metrics.Counter(ctx, "orchestrator.audit.failures", 1, nil)
		return core.NewError("audit.Record", core.KindUnrecoverable, event.IncidentID,
			fmt.Errorf("appending audit entry: %v: %w", err, core.ErrUnrecoverable))
	}

	// Commit the chain heads only after the durable append succeeded.
	l.seq = entry.Seq
	l.lastHash = entry.Hash
	if event.IncidentID != "" {
		l.incidents[event.IncidentID].seq = entry.IncidentSeq
		l.incidents[event.IncidentID].lastHash = entry.IncidentHash
	}

	l.metrics.Counter(ctx, "orchestrator.audit.entries", 1,
		map[string]string{"event_type": event.EventType})
	return nil
}

// Seq returns the current global sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Verify recomputes the global chain and, when a public key is given,
// checks every signature. A mismatch means the log was tampered with.
func (l *Log) Verify(ctx context.Context, pub ed25519.PublicKey) error {
	entries, err := l.store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("loading audit chain: %w", err)
	}
	return VerifyChain(entries, pub)
}

// VerifyIncident recomputes the per-incident chain.
func (l *Log) VerifyIncident(ctx context.Context, incidentID string) error {
	entries, err := l.store.IncidentEntries(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("loading incident audit chain: %w", err)
	}
	prev := genesisHash
	var seq uint64
	for _, e := range entries {
		seq++
		if e.IncidentSeq != seq {
			return fmt.Errorf("incident %s audit seq gap at %d (got %d): %w",
				incidentID, seq, e.IncidentSeq, core.ErrUnrecoverable)
		}
		if e.IncidentPrevHash != prev {
			return fmt.Errorf("incident %s audit chain broken at seq %d: %w",
				incidentID, seq, core.ErrUnrecoverable)
		}
		if chainHash(prev, e.PayloadDigest) != e.IncidentHash {
			return fmt.Errorf("incident %s audit hash mismatch at seq %d: %w",
				incidentID, seq, core.ErrUnrecoverable)
		}
		prev = e.IncidentHash
	}
	return nil
}

// VerifyChain checks an ordered global chain: sequence numbers strictly
// increase without gaps, each hash commits to its predecessor, and
// payload digests match recorded payloads.
func VerifyChain(entries []*Entry, pub ed25519.PublicKey) error {
	prev := genesisHash
	var seq uint64
	for _, e := range entries {
		seq++
		if e.Seq != seq {
			return fmt.Errorf("audit seq gap at %d (got %d): %w", seq, e.Seq, core.ErrUnrecoverable)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("audit chain broken at seq %d: %w", seq, core.ErrUnrecoverable)
		}
		if len(e.Payload) > 0 {
			digest := sha256.Sum256(e.Payload)
			if hex.EncodeToString(digest[:]) != e.PayloadDigest {
				return fmt.Errorf("audit payload digest mismatch at seq %d: %w", seq, core.ErrUnrecoverable)
			}
		}
		if chainHash(prev, e.PayloadDigest) != e.Hash {
			return fmt.Errorf("audit hash mismatch at seq %d: %w", seq, core.ErrUnrecoverable)
		}
		if pub != nil && e.Signature != "" {
			sig, err := hex.DecodeString(e.Signature)
			if err != nil || !ed25519.Verify(pub, []byte(e.Hash), sig) {
				return fmt.Errorf("audit signature invalid at seq %d: %w", seq, core.ErrUnrecoverable)
			}
		}
		prev = e.Hash
	}
	return nil
}

// chainHash computes H(prev_hash || payload_digest) in hex.
func chainHash(prevHash, payloadDigest string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payloadDigest))
	return hex.EncodeToString(h.Sum(nil))
}

var _ core.AuditRecorder = (*Log)(nil)
