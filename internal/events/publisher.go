package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"
)

// Publisher delivers domain events to a kafka topic, fire-and-forget from
// the caller's point of view. Delivery is retried; events that still fail
// go to an unsent queue flushed on a ticker, so the guarantee is
// at-least-once with possible reordering after a broker outage.
type Publisher struct {
	events      chan Event
	writer      *kafka.Writer
	ttlTicker   *time.Ticker
	unsentGuard *sync.Mutex
	unsent      []Event
	closed      atomic.Bool
	close       chan struct{}
}

func NewPublisher(addr, topic string, buffer int, retryTimeout time.Duration) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{
		events:      make(chan Event, buffer),
		writer:      writer,
		ttlTicker:   time.NewTicker(retryTimeout),
		unsentGuard: &sync.Mutex{},
		unsent:      make([]Event, 0),
		close:       make(chan struct{}),
	}
}

// Publish enqueues the event. It never returns an error to the caller;
// delivery problems are the publisher's to retry.
func (p *Publisher) Publish(event Event) {
	if p.closed.Load() {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	select {
	case p.events <- event:
	case <-p.close:
	}
}

func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-p.ttlTicker.C:
			if !ok {
				return
			}
			p.sendUnsentEvents(ctx)
		case event, ok := <-p.events:
			if !ok {
				return
			}
			err := retry.Do(
				func() error {
					return p.write(ctx, event)
				},
				retry.Attempts(3),
			)
			if err != nil {
				log.Error().Err(err).Msg("failed to publish event, put it into unsent queue")
				p.unsentGuard.Lock()
				p.unsent = append(p.unsent, event)
				p.unsentGuard.Unlock()
			}
		}
	}
}

func (p *Publisher) sendUnsentEvents(ctx context.Context) {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()

	for i, event := range p.unsent {
		if err := p.write(ctx, event); err != nil {
			log.Warn().Err(err).Msgf("failed to publish unsent events: done %d", i)
			newUnsent := make([]Event, len(p.unsent)-i)
			copy(newUnsent, p.unsent[i:])
			p.unsent = newUnsent
			return
		}
	}
	p.unsent = p.unsent[:0]
}

func (p *Publisher) write(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.RolloutID, 10)),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	p.closed.Store(true)
	close(p.close)
	p.ttlTicker.Stop()
	return p.writer.Close()
}
