// Package broadcast fans store updates out to per-topic subscribers.
//
// Every topic hashes to one shard worker, so updates of one symbol are
// delivered in the order they were published. Delivery is at most once:
// a full shard queue or a full listener buffer drops the update.
package broadcast

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"marketrelay/config"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// Topic returns the routing key "<domain>/<symbol>".
func Topic(domain models.Domain, symbol string) string {
	return domain.String() + "/" + symbol
}

type envelope struct {
	seq    uint64
	topic  string
	update models.Update
}

type Stats struct {
	Published       uint64
	ShardDropped    uint64
	ListenerDropped uint64
	Delivered       uint64
	Subscribers     int
}

type Broadcaster struct {
	shards         []chan envelope
	listenerBuffer int

	seq atomic.Uint64

	closeMu sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	subsMu sync.RWMutex
	topics map[string]map[uint64]*Subscription
	nextID uint64

	published       atomic.Uint64
	shardDropped    atomic.Uint64
	listenerDropped atomic.Uint64
	delivered       atomic.Uint64

	log *logger.Log
}

func NewBroadcaster(cfg config.BroadcastConfig) *Broadcaster {
	shards := cfg.Shards
	if shards < 1 {
		shards = 1
	}
	shardBuffer := cfg.ShardBuffer
	if shardBuffer < 1 {
		shardBuffer = 1
	}
	listenerBuffer := cfg.ListenerBuffer
	if listenerBuffer < 1 {
		listenerBuffer = 1
	}

	b := &Broadcaster{
		shards:         make([]chan envelope, shards),
		listenerBuffer: listenerBuffer,
		topics:         make(map[string]map[uint64]*Subscription),
		log:            logger.GetLogger(),
	}
	for i := range b.shards {
		b.shards[i] = make(chan envelope, shardBuffer)
	}

	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"shards":          shards,
		"shard_buffer":    shardBuffer,
		"listener_buffer": listenerBuffer,
	}).Info("broadcaster initialized")
	return b
}

// Start launches one worker per shard.
func (b *Broadcaster) Start() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return fmt.Errorf("broadcaster closed")
	}
	if b.started {
		return fmt.Errorf("broadcaster already running")
	}
	b.started = true

	for i, shard := range b.shards {
		b.wg.Add(1)
		go b.worker(i, shard)
	}
	b.log.WithComponent("broadcaster").Info("broadcaster started")
	return nil
}

// Publish enqueues u on the shard that owns its topic. It never blocks and
// reports false when the update was dropped.
func (b *Broadcaster) Publish(u models.Update) bool {
	topic := Topic(u.Domain, u.Symbol)

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return false
	}

	env := envelope{seq: b.seq.Add(1), topic: topic, update: u}
	select {
	case b.shards[b.shardFor(topic)] <- env:
		b.published.Add(1)
		return true
	default:
		b.shardDropped.Add(1)
		metrics.EmitDropMetric(b.log, metrics.DropMetricShardQueue, u.Domain.String(), u.Symbol, "shard")
		return false
	}
}

func (b *Broadcaster) shardFor(topic string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(len(b.shards)))
}

// Subscribe registers a listener on the topic of (domain, symbol). Only
// updates published after this call are delivered. buffer <= 0 selects the
// configured listener buffer.
func (b *Broadcaster) Subscribe(domain models.Domain, symbol string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.listenerBuffer
	}
	ch := make(chan models.Update, buffer)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		topic:  Topic(domain, symbol),
		domain: domain,
		symbol: symbol,
		b:      b,
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		close(ch)
		sub.done = true
		return sub
	}

	b.subsMu.Lock()
	sub.since = b.seq.Load()
	b.nextID++
	sub.id = b.nextID
	listeners, ok := b.topics[sub.topic]
	if !ok {
		listeners = make(map[uint64]*Subscription)
		b.topics[sub.topic] = listeners
	}
	listeners[sub.id] = sub
	b.subsMu.Unlock()

	metrics.AddSubscribers(1)
	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"topic": sub.topic,
		"id":    sub.id,
	}).Debug("subscriber added")
	return sub
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if sub.done {
		return
	}
	sub.done = true

	if listeners, ok := b.topics[sub.topic]; ok {
		delete(listeners, sub.id)
		if len(listeners) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	close(sub.ch)
	metrics.AddSubscribers(-1)
}

func (b *Broadcaster) worker(id int, shard <-chan envelope) {
	defer b.wg.Done()
	for env := range shard {
		b.deliver(env)
	}
	b.log.WithComponent("broadcaster").WithFields(logger.Fields{"shard": id}).Debug("shard worker stopped")
}

func (b *Broadcaster) deliver(env envelope) {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	for _, sub := range b.topics[env.topic] {
		if env.seq <= sub.since {
			continue
		}
		select {
		case sub.ch <- env.update:
			b.delivered.Add(1)
		default:
			b.listenerDropped.Add(1)
			sub.dropped.Add(1)
			metrics.IncDrop(string(metrics.DropMetricListener))
		}
	}
}

// Subscribers returns the number of listeners on (domain, symbol).
func (b *Broadcaster) Subscribers(domain models.Domain, symbol string) int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.topics[Topic(domain, symbol)])
}

func (b *Broadcaster) Stats() Stats {
	b.subsMu.RLock()
	n := 0
	for _, listeners := range b.topics {
		n += len(listeners)
	}
	b.subsMu.RUnlock()

	return Stats{
		Published:       b.published.Load(),
		ShardDropped:    b.shardDropped.Load(),
		ListenerDropped: b.listenerDropped.Load(),
		Delivered:       b.delivered.Load(),
		Subscribers:     n,
	}
}

// Close drains the shard queues, stops the workers and closes every
// subscription channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	for _, shard := range b.shards {
		close(shard)
	}
	b.closeMu.Unlock()

	if started {
		b.wg.Wait()
	}

	b.subsMu.Lock()
	for topic, listeners := range b.topics {
		for _, sub := range listeners {
			sub.done = true
			close(sub.ch)
			metrics.AddSubscribers(-1)
		}
		delete(b.topics, topic)
	}
	b.subsMu.Unlock()

	stats := b.Stats()
	b.log.WithComponent("broadcaster").WithFields(logger.Fields{
		"published":        stats.Published,
		"delivered":        stats.Delivered,
		"shard_dropped":    stats.ShardDropped,
		"listener_dropped": stats.ListenerDropped,
	}).Info("broadcaster closed")
}
