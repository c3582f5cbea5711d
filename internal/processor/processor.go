package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"marketrelay/internal/channel"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/internal/reader/upbit"
	"marketrelay/logger"
)

// Acceptor is the state store as seen by the processor.
type Acceptor interface {
	Accept(msg models.Message) (bool, error)
}

// DecodeFunc turns a raw frame into a message.
type DecodeFunc func(raw []byte) (models.Message, error)

type Stats struct {
	Processed    uint64
	Accepted     uint64
	Stale        uint64
	DecodeErrors uint64
	Rejected     uint64
}

// Processor drains the raw frame queues, decodes each frame and hands it to
// the store. There is one worker per domain so frames of a symbol are applied
// in the order they were read.
type Processor struct {
	channels *channel.Channels
	store    Acceptor
	decode   DecodeFunc

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	processed    atomic.Uint64
	accepted     atomic.Uint64
	stale        atomic.Uint64
	decodeErrors atomic.Uint64
	rejected     atomic.Uint64
}

func NewProcessor(ch *channel.Channels, store Acceptor) *Processor {
	return &Processor{
		channels: ch,
		store:    store,
		decode:   upbit.Decode,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// WithDecoder replaces the frame decoder.
func (p *Processor) WithDecoder(fn DecodeFunc) *Processor {
	if fn != nil {
		p.decode = fn
	}
	return p
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	domains := p.channels.Domains()
	log := p.log.WithComponent("processor").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"workers": len(domains)}).Info("starting processor workers")

	for _, d := range domains {
		p.wg.Add(1)
		go p.worker(d)
	}
	return nil
}

// Stop waits for every worker to exit. Workers exit when the context passed
// to Start is cancelled or the queues are closed.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	st := p.Stats()
	p.log.WithComponent("processor").WithFields(logger.Fields{
		"processed":     st.Processed,
		"accepted":      st.Accepted,
		"stale":         st.Stale,
		"decode_errors": st.DecodeErrors,
		"rejected":      st.Rejected,
	}).Info("processor stopped")
}

func (p *Processor) worker(d models.Domain) {
	defer p.wg.Done()

	log := p.log.WithComponent("processor").WithFields(logger.Fields{
		"worker": "processor",
		"domain": d.String(),
	})
	log.Info("starting processor worker")

	raw := p.channels.Raw(d)
	for {
		select {
		case <-p.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case frame, ok := <-raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}
			p.processFrame(frame)
		}
	}
}

func (p *Processor) processFrame(frame channel.Frame) {
	p.processed.Add(1)

	msg, err := p.decode(frame.Data)
	if err != nil {
		if errors.Is(err, upbit.ErrKeepalive) {
			return
		}
		p.decodeErrors.Add(1)
		metrics.IncDecodeError(frame.Domain.String())
		p.log.WithComponent("processor").WithError(err).WithFields(logger.Fields{
			"domain": frame.Domain.String(),
			"bytes":  len(frame.Data),
		}).Debug("dropping undecodable frame")
		return
	}

	// A SIMPLE frame on the wrong connection would be applied to the wrong
	// domain by the store, so it is dropped here.
	if msg.Domain != frame.Domain {
		p.rejected.Add(1)
		p.log.WithComponent("processor").WithFields(logger.Fields{
			"domain":       frame.Domain.String(),
			"frame_domain": msg.Domain.String(),
			"symbol":       msg.Symbol,
		}).Warn("frame domain does not match its stream")
		return
	}

	accepted, err := p.store.Accept(msg)
	switch {
	case err != nil:
		p.rejected.Add(1)
		p.log.WithComponent("processor").WithError(err).WithFields(logger.Fields{
			"domain": msg.Domain.String(),
			"symbol": msg.Symbol,
		}).Debug("store rejected message")
	case accepted:
		p.accepted.Add(1)
	default:
		p.stale.Add(1)
	}
}

func (p *Processor) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Accepted:     p.accepted.Load(),
		Stale:        p.stale.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		Rejected:     p.rejected.Load(),
	}
}
