package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketrelay/internal/channel"
	"marketrelay/internal/models"
)

type recordingStore struct {
	mu   sync.Mutex
	msgs []models.Message
	last map[string]time.Time
}

func (r *recordingStore) Accept(msg models.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[string]time.Time)
	}
	key := msg.Domain.String() + "/" + msg.Symbol
	if prev, ok := r.last[key]; ok && !msg.ObservedAt.After(prev) {
		return false, nil
	}
	r.last[key] = msg.ObservedAt
	r.msgs = append(r.msgs, msg)
	return true, nil
}

func (r *recordingStore) snapshot() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessorDecodesAndAccepts(t *testing.T) {
	ch := channel.NewChannels([]models.Domain{models.DomainTrade}, 16)
	store := &recordingStore{}
	p := NewProcessor(ch, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	frames := []string{
		`{"status":"UP"}`,
		`{"ty":"trade","cd":"KRW-BTC","tp":1,"tms":10}`,
		`not json`,
		`{"ty":"trade","cd":"KRW-BTC","tp":2,"tms":5}`,
		`{"ty":"ticker","cd":"KRW-BTC","tp":2,"tms":20}`,
		`{"ty":"trade","cd":"KRW-BTC","tp":3,"tms":30}`,
	}
	for _, f := range frames {
		if !ch.SendRaw(ctx, channel.Frame{Domain: models.DomainTrade, Data: []byte(f)}) {
			t.Fatalf("failed to enqueue %s", f)
		}
	}

	waitFor(t, func() bool { return p.Stats().Processed == uint64(len(frames)) })
	cancel()
	p.Stop()

	st := p.Stats()
	if st.Accepted != 2 || st.Stale != 1 || st.DecodeErrors != 1 || st.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	msgs := store.snapshot()
	if len(msgs) != 2 || msgs[0].Trade.TradePrice != 1 || msgs[1].Trade.TradePrice != 3 {
		t.Fatalf("unexpected accepted messages: %+v", msgs)
	}
}

func TestProcessorPreservesOrderPerDomain(t *testing.T) {
	ch := channel.NewChannels(models.Domains, 256)
	store := &recordingStore{}
	p := NewProcessor(ch, store).WithDecoder(func(raw []byte) (models.Message, error) {
		ts := int64(raw[1])<<8 | int64(raw[2])
		d := models.Domain(raw[0])
		return models.Message{Domain: d, Symbol: "KRW-BTC", ObservedAt: time.UnixMilli(ts)}, nil
	})

	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		for _, d := range models.Domains {
			ch.SendRaw(ctx, channel.Frame{Domain: d, Data: []byte{byte(d), byte(i >> 8), byte(i)}})
		}
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch.Close()
	p.Stop()

	if st := p.Stats(); st.Accepted != 300 || st.Stale != 0 {
		t.Fatalf("in-order frames should all be accepted: %+v", st)
	}
}
