package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sitebloom/credits-service/internal/domain"
)

func TestMarshalMetadata_EmptyBagStoresNull(t *testing.T) {
	for _, metadata := range []map[string]string{nil, {}} {
		raw, err := marshalMetadata(metadata)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if raw != nil {
			t.Fatalf("expected nil for empty metadata, got %q", raw)
		}
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	metadata := map[string]string{"event_id": "evt_42", "pack_id": "standard"}

	raw, err := marshalMetadata(metadata)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	decoded, err := unmarshalMetadata(raw)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(decoded) != 2 || decoded["event_id"] != "evt_42" || decoded["pack_id"] != "standard" {
		t.Fatalf("unexpected round trip result: %v", decoded)
	}
}

func TestUnmarshalMetadata_NullAndEmptyObject(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte("null"), []byte("{}")} {
		decoded, err := unmarshalMetadata(raw)
		if err != nil {
			t.Fatalf("unmarshal of %q failed: %v", raw, err)
		}
		if decoded != nil {
			t.Fatalf("expected nil map for %q, got %v", raw, decoded)
		}
	}
}

func TestReplayBalance_FoldsNewestFirstEntries(t *testing.T) {
	accountID := uuid.New()
	// Newest first, as ListEntries returns them: a grant of 750 followed by
	// two charges, starting from 40.
	entries := []domain.LedgerEntry{
		{ID: uuid.New(), AccountID: accountID, Delta: -8, BalanceAfter: 757},
		{ID: uuid.New(), AccountID: accountID, Delta: -25, BalanceAfter: 765},
		{ID: uuid.New(), AccountID: accountID, Delta: 750, BalanceAfter: 790},
	}

	if got := ReplayBalance(40, entries); got != 757 {
		t.Fatalf("expected replayed balance 757, got %d", got)
	}
	if got := ReplayBalance(40, nil); got != 40 {
		t.Fatalf("expected empty ledger to replay to the initial balance, got %d", got)
	}
}

func TestEntriesConsistent_DetectsBrokenChain(t *testing.T) {
	accountID := uuid.New()
	good := []domain.LedgerEntry{
		{ID: uuid.New(), AccountID: accountID, Delta: -8, BalanceAfter: 757},
		{ID: uuid.New(), AccountID: accountID, Delta: 750, BalanceAfter: 765},
	}
	if badID, ok := EntriesConsistent(15, good); !ok {
		t.Fatalf("expected consistent chain, entry %s flagged", badID)
	}

	tamperedID := uuid.New()
	bad := []domain.LedgerEntry{
		{ID: uuid.New(), AccountID: accountID, Delta: -8, BalanceAfter: 757},
		{ID: tamperedID, AccountID: accountID, Delta: 750, BalanceAfter: 700},
	}
	badID, ok := EntriesConsistent(15, bad)
	if ok {
		t.Fatal("expected tampered snapshot to be detected")
	}
	if badID != tamperedID {
		t.Fatalf("expected entry %s flagged, got %s", tamperedID, badID)
	}
}
