package audit

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdgtlmda/SentinelOps-sub002/core"
)

func newTestLog(t *testing.T, key ed25519.PrivateKey) (*Log, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	log, err := NewLog(context.Background(), Options{
		Store:      store,
		Clock:      core.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		SigningKey: key,
	})
	require.NoError(t, err)
	return log, store
}

func TestRecordChainsEntries(t *testing.T) {
	log, store := newTestLog(t, nil)
	ctx := context.Background()

	events := []core.AuditEvent{
		{IncidentID: "inc-1", Actor: "orchestrator", EventType: "state_transition", Payload: map[string]string{"to": "DETECTION_RECEIVED"}},
		{IncidentID: "inc-1", Actor: "orchestrator", EventType: "dispatch", Payload: map[string]string{"topic": "analyze_incident"}},
		{IncidentID: "inc-2", Actor: "orchestrator", EventType: "state_transition", Payload: map[string]string{"to": "DETECTION_RECEIVED"}},
	}
	for _, ev := range events {
		require.NoError(t, log.Record(ctx, ev))
	}

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, genesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)

	// Per-incident chains are independent of the global chain.
	assert.Equal(t, uint64(1), entries[0].IncidentSeq)
	assert.Equal(t, uint64(2), entries[1].IncidentSeq)
	assert.Equal(t, uint64(1), entries[2].IncidentSeq)
	assert.Equal(t, genesisHash, entries[2].IncidentPrevHash)

	require.NoError(t, VerifyChain(entries, nil))
	require.NoError(t, log.VerifyIncident(ctx, "inc-1"))
	require.NoError(t, log.VerifyIncident(ctx, "inc-2"))
}

func TestVerifyDetectsTampering(t *testing.T) {
	log, store := newTestLog(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Record(ctx, core.AuditEvent{
			IncidentID: "inc-1",
			Actor:      "orchestrator",
			EventType:  "dispatch",
			Payload:    map[string]int{"n": i},
		}))
	}

	entries, err := store.Entries(ctx)
	require.NoError(t, err)

	t.Run("mutated payload digest", func(t *testing.T) {
		tampered := cloneEntries(entries)
		tampered[2].PayloadDigest = "deadbeef"
		assert.Error(t, VerifyChain(tampered, nil))
	})

	t.Run("removed entry", func(t *testing.T) {
		tampered := cloneEntries(entries)
		tampered = append(tampered[:1], tampered[2:]...)
		assert.Error(t, VerifyChain(tampered, nil))
	})

	t.Run("swapped entries", func(t *testing.T) {
		tampered := cloneEntries(entries)
		tampered[1], tampered[2] = tampered[2], tampered[1]
		assert.Error(t, VerifyChain(tampered, nil))
	})

	t.Run("intact chain still verifies", func(t *testing.T) {
		assert.NoError(t, VerifyChain(entries, nil))
	})
}

func TestSignedEntries(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	log, store := newTestLog(t, priv)
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, core.AuditEvent{
		IncidentID: "inc-1", Actor: "orchestrator", EventType: "resolution",
		Payload: map[string]string{"reason": "remediated"},
	}))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries[0].Signature)
	require.NoError(t, VerifyChain(entries, pub))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.Error(t, VerifyChain(entries, otherPub))
}

func TestLogResumesExistingChain(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	clock := core.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	first, err := NewLog(ctx, Options{Store: store, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, core.AuditEvent{
		IncidentID: "inc-1", Actor: "orchestrator", EventType: "state_transition",
		Payload: map[string]string{"to": "DETECTION_RECEIVED"},
	}))

	// A restarted log must extend, not fork, the persisted chain.
	second, err := NewLog(ctx, Options{Store: store, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, second.Record(ctx, core.AuditEvent{
		IncidentID: "inc-1", Actor: "orchestrator", EventType: "dispatch",
		Payload: map[string]string{"topic": "analyze_incident"},
	}))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[1].Seq)
	assert.Equal(t, uint64(2), entries[1].IncidentSeq)
	require.NoError(t, VerifyChain(entries, nil))
	require.NoError(t, second.VerifyIncident(ctx, "inc-1"))
}

func cloneEntries(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		copied := *e
		out[i] = &copied
	}
	return out
}
