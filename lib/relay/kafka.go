package relay

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("relay")

var (
	publishedTotal = metrics.GetOrCreateCounter(`dsync_relay_published_total`)
	droppedTotal   = metrics.GetOrCreateCounter(`dsync_relay_dropped_total`)
	consumedTotal  = metrics.GetOrCreateCounter(`dsync_relay_consumed_total`)
)

// --------------------------------------------------------------------------
// Kafka relay
// --------------------------------------------------------------------------

// KafkaConfig configures the Kafka-backed relay.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID is the consumer group id. Every node must use a distinct
	// group id so all nodes receive all envelopes (the relay is a fan-out
	// stream, not a work queue).
	GroupID string

	// Publishing goes through a bounded local queue drained by worker
	// goroutines with capped exponential backoff. Zero values pick
	// defaults (queue 1024, 4 workers, 5 retries, 50ms..2s backoff).
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *KafkaConfig) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

type kafkaRelay struct {
	cfg      KafkaConfig
	ser      IEnvelopeSerializer
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup

	queue    chan Envelope
	nextID   uint64
	handlers *xsync.MapOf[uint64, Handler]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewKafkaRelay connects to the given brokers and starts the publish
// workers and the consumer loop. Envelopes are keyed by document id so all
// diffs of one document land in one partition (per-publisher order holds).
func NewKafkaRelay(cfg KafkaConfig, ser IEnvelopeSerializer) (IRelay, error) {
	cfg.applyDefaults()
	if ser == nil {
		ser = NewJSONSerializer()
	}

	scfg := sarama.NewConfig()
	scfg.Producer.RequiredAcks = sarama.WaitForAll
	scfg.Producer.Return.Successes = true
	scfg.Producer.Retry.Max = 3
	// nodes rehydrate from snapshots; historic envelopes are not needed
	scfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	producer, err := sarama.NewSyncProducer(cfg.Brokers, scfg)
	if err != nil {
		return nil, err
	}
	consumer, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, scfg)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &kafkaRelay{
		cfg:      cfg,
		ser:      ser,
		producer: producer,
		consumer: consumer,
		queue:    make(chan Envelope, cfg.QueueSize),
		handlers: xsync.NewMapOf[uint64, Handler](),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.workerLoop(i)
	}
	r.wg.Add(1)
	go r.consumeLoop()

	return r, nil
}

// --------------------------------------------------------------------------
// Publishing (bounded queue, workers, backoff)
// --------------------------------------------------------------------------

func (r *kafkaRelay) Publish(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.mu.Unlock()

	// enqueue only: broker I/O happens in the workers, the edit path waits
	// at most until the queue has room or the context expires
	select {
	case r.queue <- env:
		return nil
	case <-ctx.Done():
		droppedTotal.Inc()
		return ctx.Err()
	}
}

func (r *kafkaRelay) workerLoop(workerID int) {
	defer r.wg.Done()
	for {
		select {
		case env := <-r.queue:
			r.sendWithRetry(workerID, env)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *kafkaRelay) sendWithRetry(workerID int, env Envelope) {
	for attempt := 0; attempt <= r.cfg.MaxRetry; attempt++ {
		err := r.sendOnce(env)
		if err == nil {
			publishedTotal.Inc()
			return
		}
		if attempt == r.cfg.MaxRetry {
			droppedTotal.Inc()
			log.Warningf("kafka send failed, dropping envelope doc=%s worker=%d: %v",
				env.DocID, workerID, err)
			return
		}

		backoff := r.cfg.BaseBackoff * time.Duration(1<<attempt)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
		select {
		case <-time.After(backoff):
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *kafkaRelay) sendOnce(env Envelope) error {
	data, err := r.ser.Serialize(env)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: r.cfg.Topic,
		Key:   sarama.StringEncoder(env.DocID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = r.producer.SendMessage(msg)
	return err
}

// --------------------------------------------------------------------------
// Consuming
// --------------------------------------------------------------------------

func (r *kafkaRelay) Subscribe(h Handler) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayClosed
	}
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	r.handlers.Store(id, h)
	return func() { r.handlers.Delete(id) }, nil
}

func (r *kafkaRelay) consumeLoop() {
	defer r.wg.Done()
	h := &consumerGroupHandler{relay: r}
	for {
		// Consume returns on every rebalance; loop until shutdown
		if err := r.consumer.Consume(r.ctx, []string{r.cfg.Topic}, h); err != nil {
			log.Errorf("kafka consume: %v", err)
			select {
			case <-time.After(time.Second):
			case <-r.ctx.Done():
				return
			}
		}
		if r.ctx.Err() != nil {
			return
		}
	}
}

type consumerGroupHandler struct {
	relay *kafkaRelay
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var env Envelope
		if err := h.relay.ser.Deserialize(msg.Value, &env); err != nil {
			log.Warningf("kafka: dropping undecodable envelope at %s/%d@%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
			sess.MarkMessage(msg, "")
			continue
		}
		// every handler sees every envelope: a diff for a document this
		// node does not host yet is what brings the document to life here
		h.relay.handlers.Range(func(_ uint64, handler Handler) bool {
			handler(env)
			return true
		})
		consumedTotal.Inc()
		sess.MarkMessage(msg, "")
	}
	return nil
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

func (r *kafkaRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	err := r.consumer.Close()
	if perr := r.producer.Close(); err == nil {
		err = perr
	}
	return err
}
