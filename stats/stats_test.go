package stats

import "testing"

func TestSnapshotAndMerge(t *testing.T) {
	var a, b Stats
	a.PacketsIn.Add(5)
	a.PacketLoss.Add(1)
	b.PacketsIn.Add(7)
	b.Timeout.Add(2)

	merged := a.Snapshot().Merge(b.Snapshot())
	if merged.PacketsIn != 12 {
		t.Fatalf("expected 12 packets in, got %d", merged.PacketsIn)
	}
	if merged.PacketLoss != 1 || merged.Timeout != 2 {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
}
