package ledger

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "traffic.db"), slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		err := l.Record(ctx, Entry{
			Direction: DirectionInbound,
			Channel:   "telegram",
			Sender:    "u1",
			Chat:      "c1",
			Domain:    "social",
			TextLen:   10 + i,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := l.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Most recent first.
	if entries[0].TextLen != 14 || entries[2].TextLen != 12 {
		t.Errorf("unexpected order: %+v", entries)
	}
	if entries[0].Channel != "telegram" || entries[0].Domain != "social" {
		t.Errorf("fields lost on round trip: %+v", entries[0])
	}
}

func TestRecentDefaultLimit(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Record(ctx, Entry{Direction: DirectionOutbound, Channel: "slack"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, err := l.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestPrune(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	old := Entry{Direction: DirectionInbound, Channel: "matrix", Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := Entry{Direction: DirectionInbound, Channel: "matrix", Timestamp: time.Now()}
	if err := l.Record(ctx, old); err != nil {
		t.Fatalf("Record old: %v", err)
	}
	if err := l.Record(ctx, fresh); err != nil {
		t.Fatalf("Record fresh: %v", err)
	}

	removed, err := l.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	entries, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", len(entries))
	}
}

func TestChannelCounts(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Record(ctx, Entry{Direction: DirectionInbound, Channel: "telegram"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Record(ctx, Entry{Direction: DirectionOutbound, Channel: "slack"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	counts, err := l.ChannelCounts(ctx)
	if err != nil {
		t.Fatalf("ChannelCounts: %v", err)
	}
	if counts["telegram"] != 3 || counts["slack"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
