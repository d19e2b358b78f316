package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"warstep/config"
)

// ConnectionStatus represents the state of a cluster connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ProducerStats is a snapshot of produce counters for one cluster.
type ProducerStats struct {
	Messages uint64    `json:"messages"`
	Bytes    uint64    `json:"bytes"`
	Errors   uint64    `json:"errors"`
	LastSend time.Time `json:"last_send,omitempty"`
}

// Producer owns the writers for one Kafka cluster. Writers are created
// lazily per topic so a cluster that only ever sees tag traffic never
// opens a health or response writer.
type Producer struct {
	config *config.KafkaConfig

	writers   map[string]*kafka.Writer
	writersMu sync.Mutex

	status    ConnectionStatus
	lastError error
	statusMu  sync.RWMutex

	stats   ProducerStats
	statsMu sync.Mutex
}

// NewProducer creates a producer for the given cluster. No connection
// is made until Connect or the first produce.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{
		config:  cfg,
		writers: make(map[string]*kafka.Writer),
	}
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the cluster configuration.
func (p *Producer) Config() *config.KafkaConfig {
	return p.config
}

// Connect probes the cluster and fetches broker metadata. Writers dial
// on first produce regardless, so this exists to surface bad addresses
// and auth failures at startup instead of on the first tag change.
func (p *Producer) Connect() error {
	if len(p.config.Brokers) == 0 {
		err := fmt.Errorf("no brokers configured")
		p.setError(err)
		return err
	}

	p.setStatus(StatusConnecting)
	logKafka("CONNECT %s: dialing %s", p.config.Name, strings.Join(p.config.Brokers, ","))

	dialer, err := newDialer(p.config)
	if err != nil {
		p.setError(err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		p.setError(err)
		return fmt.Errorf("kafka connect %s: %w", p.config.Name, err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		p.setError(err)
		return fmt.Errorf("kafka metadata %s: %w", p.config.Name, err)
	}

	p.setStatus(StatusConnected)
	logKafka("CONNECT %s: connected", p.config.Name)
	return nil
}

// Disconnect closes all writers and marks the cluster disconnected.
func (p *Producer) Disconnect() {
	p.writersMu.Lock()
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			logKafka("DISCONNECT %s: closing writer for %s: %v", p.config.Name, topic, err)
		}
	}
	p.writers = make(map[string]*kafka.Writer)
	p.writersMu.Unlock()

	p.setStatus(StatusDisconnected)
	logKafka("DISCONNECT %s: disconnected", p.config.Name)
}

// Status returns the current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

// Connected reports whether the last probe succeeded.
func (p *Producer) Connected() bool {
	return p.Status() == StatusConnected
}

// LastError returns the most recent connection or produce error, or ""
// if none has occurred.
func (p *Producer) LastError() string {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	if p.lastError == nil {
		return ""
	}
	return p.lastError.Error()
}

// Stats returns a copy of the produce counters.
func (p *Producer) Stats() ProducerStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Producer) setStatus(status ConnectionStatus) {
	p.statusMu.Lock()
	p.status = status
	if status == StatusConnected {
		p.lastError = nil
	}
	p.statusMu.Unlock()
}

func (p *Producer) setError(err error) {
	p.statusMu.Lock()
	p.status = StatusError
	p.lastError = err
	p.statusMu.Unlock()
}

// recordError notes a produce failure without changing the connection
// status. Writers reconnect on their own, so a transient produce error
// must not stop the manager from routing traffic here.
func (p *Producer) recordError(err error) {
	p.statusMu.Lock()
	p.lastError = err
	p.statusMu.Unlock()
}

// Produce sends a single message to the given topic.
func (p *Producer) Produce(ctx context.Context, topic string, key, payload []byte) error {
	return p.write(ctx, topic, []kafka.Message{{Key: key, Value: payload}})
}

// ProduceBatch sends a group of messages to the given topic in one
// round trip.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.write(ctx, topic, msgs)
}

// ProduceWithRetry sends a single message, retrying transient failures
// with exponential backoff. Used for messages that must not be lost to
// a broker hiccup, like write responses.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, payload []byte) error {
	backoff := p.config.GetRetryBackoff()
	var err error
	for attempt := 0; attempt <= p.config.GetMaxRetries(); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = p.Produce(ctx, topic, key, payload); err == nil {
			return nil
		}
	}
	return err
}

func (p *Producer) write(ctx context.Context, topic string, msgs []kafka.Message) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	start := time.Now()
	err = writer.WriteMessages(ctx, msgs...)
	elapsed := time.Since(start)

	var bytes uint64
	for _, msg := range msgs {
		bytes += uint64(len(msg.Value))
	}

	p.statsMu.Lock()
	if err != nil {
		p.stats.Errors++
	} else {
		p.stats.Messages += uint64(len(msgs))
		p.stats.Bytes += bytes
		p.stats.LastSend = time.Now()
	}
	p.statsMu.Unlock()

	if err != nil {
		p.recordError(err)
		logKafka("PRODUCE %s: %d msg(s) to %s failed after %v: %v",
			p.config.Name, len(msgs), topic, elapsed.Round(time.Millisecond), err)
		return fmt.Errorf("kafka produce %s: %w", p.config.Name, err)
	}

	if elapsed > time.Second {
		logKafka("PRODUCE %s: %d msg(s) to %s took %v",
			p.config.Name, len(msgs), topic, elapsed.Round(time.Millisecond))
	}
	return nil
}

// getWriter returns the writer for a topic, creating it on first use.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.writersMu.Lock()
	defer p.writersMu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer, nil
	}

	transport, err := newTransport(p.config)
	if err != nil {
		return nil, err
	}

	// Small batch window: the manager already groups tag traffic, this
	// just coalesces whatever lands inside 10ms.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		Transport:              transport,
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		Async:                  false,
		MaxAttempts:            p.config.GetMaxRetries(),
		BatchSize:              100,
		BatchBytes:             1048576,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: p.config.AutoCreateEnabled(),
	}
	p.writers[topic] = writer
	return writer, nil
}
