package channel

import (
	"context"
	"testing"
	"time"

	"marketrelay/internal/models"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(models.Domains, 1)
	for _, d := range models.Domains {
		if c.Raw(d) == nil {
			t.Fatalf("expected queue for %s", d)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	cancel()
	c.Close()
	c.Close()
}

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels([]models.Domain{models.DomainTrade}, 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, Frame{Domain: models.DomainTrade, Data: []byte("a")}) {
		t.Fatal("first send should succeed")
	}
	if c.SendRaw(ctx, Frame{Domain: models.DomainTrade, Data: []byte("b")}) {
		t.Fatal("second send should drop")
	}
	if c.SendRaw(ctx, Frame{Domain: models.DomainTicker}) {
		t.Fatal("unknown domain should not be accepted")
	}

	stats := c.GetStats(models.DomainTrade)
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if l, cp := c.Occupancy(models.DomainTrade); l != 1 || cp != 1 {
		t.Fatalf("occupancy = %d/%d", l, cp)
	}

	got := <-c.Raw(models.DomainTrade)
	if string(got.Data) != "a" {
		t.Fatalf("unexpected frame: %q", got.Data)
	}
}
