// Package kafka publishes tag values to Kafka clusters and consumes
// write requests from a per-cluster writeback topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"warstep/config"
	"warstep/logging"
	"warstep/namespace"
)

func logKafka(format string, v ...interface{}) {
	logging.DebugLog("kafka", format, v...)
}

// TagMessage is the JSON payload published for a tag value change.
type TagMessage struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON payload published on PLC health changes.
type HealthMessage struct {
	PLC       string    `json:"plc"`
	Driver    string    `json:"driver,omitempty"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Batching keeps high-rate tag churn from turning into one produce
// round trip per tag.
const (
	MaxBatchSize       = 100
	BatchFlushInterval = 250 * time.Millisecond
	MaxBatchQueueSize  = 1000
)

type publishJob struct {
	cluster  string
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    interface{}
}

// ClusterStatus describes one cluster for status reporting.
type ClusterStatus struct {
	Name      string        `json:"name"`
	Enabled   bool          `json:"enabled"`
	Status    string        `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	Writeback bool          `json:"writeback"`
	Stats     ProducerStats `json:"stats"`
}

// Manager owns all Kafka clusters. Tag publishes flow through a shared
// batch queue so one slow cluster cannot stall the poll loop.
type Manager struct {
	producers map[string]*Producer
	consumers map[string]*Consumer
	builders  map[string]*namespace.Builder
	mu        sync.RWMutex

	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	batchChan chan publishJob
	stopChan  chan struct{}
	stopped   bool
	wg        sync.WaitGroup

	writeHandler   WriteHandler
	writeValidator WriteValidator
	tagTypeLookup  TagTypeLookup
}

// NewManager creates an empty manager and starts its batch loop.
func NewManager() *Manager {
	m := &Manager{
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		builders:   make(map[string]*namespace.Builder),
		lastValues: make(map[string]interface{}),
		batchChan:  make(chan publishJob, MaxBatchQueueSize),
		stopChan:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.batchLoop()
	return m
}

// AddCluster registers a cluster, replacing any existing one with the
// same name. Writeback clusters get a consumer wired to the current
// write handler. No connection is made until Connect.
func (m *Manager) AddCluster(ns string, cfg *config.KafkaConfig) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.producers[cfg.Name]; ok {
		if consumer := m.consumers[cfg.Name]; consumer != nil {
			consumer.Stop()
			delete(m.consumers, cfg.Name)
		}
		old.Disconnect()
	}

	builder := namespace.New(ns, cfg.Selector)
	producer := NewProducer(cfg)
	m.producers[cfg.Name] = producer
	m.builders[cfg.Name] = builder

	if cfg.EnableWriteback {
		consumer := NewConsumer(cfg, producer, builder)
		consumer.SetWriteHandler(m.writeHandler)
		consumer.SetWriteValidator(m.writeValidator)
		consumer.SetTagTypeLookup(m.tagTypeLookup)
		m.consumers[cfg.Name] = consumer
	}
	return producer
}

// RemoveCluster stops and removes a cluster. Returns false if the
// name is unknown.
func (m *Manager) RemoveCluster(name string) bool {
	m.mu.Lock()
	producer, ok := m.producers[name]
	consumer := m.consumers[name]
	delete(m.producers, name)
	delete(m.consumers, name)
	delete(m.builders, name)
	m.mu.Unlock()

	if !ok {
		return false
	}
	if consumer != nil {
		consumer.Stop()
	}
	producer.Disconnect()

	m.lastMu.Lock()
	for key := range m.lastValues {
		if strings.HasPrefix(key, name+"/") {
			delete(m.lastValues, key)
		}
	}
	m.lastMu.Unlock()
	return true
}

// GetProducer returns the producer for a cluster, or nil.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFromConfig registers every configured cluster.
func (m *Manager) LoadFromConfig(ns string, cfgs []config.KafkaConfig) {
	for i := range cfgs {
		m.AddCluster(ns, &cfgs[i])
	}
}

// Connect probes one cluster and starts its writeback consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	if err := producer.Connect(); err != nil {
		return err
	}
	if consumer != nil {
		if err := consumer.Start(); err != nil {
			logKafka("CONNECT %s: writeback consumer: %v", name, err)
		}
	}
	return nil
}

// Disconnect stops one cluster's consumer and closes its writers.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		producer.Disconnect()
	}
}

// ConnectEnabled connects every enabled cluster in the background.
// Broker probes can block for the full dial timeout, so none of them
// run on the caller's goroutine.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	var names []string
	for name, producer := range m.producers {
		if producer.Config().Enabled {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		go func(n string) {
			if err := m.Connect(n); err != nil {
				logKafka("CONNECT %s: %v", n, err)
			}
		}(name)
	}
}

// StopAll stops all consumers, flushes the publish queue, and closes
// all producers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	consumers := make([]*Consumer, 0, len(m.consumers))
	for _, c := range m.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}

	close(m.stopChan)
	m.wg.Wait()

	for _, p := range producers {
		p.Disconnect()
	}
}

// SetWriteHandler sets the write handler on all writeback consumers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHandler = handler
	for _, c := range m.consumers {
		c.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator on all writeback consumers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeValidator = validator
	for _, c := range m.consumers {
		c.SetWriteValidator(validator)
	}
}

// SetTagTypeLookup sets the tag type lookup on all writeback consumers.
func (m *Manager) SetTagTypeLookup(lookup TagTypeLookup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tagTypeLookup = lookup
	for _, c := range m.consumers {
		c.SetTagTypeLookup(lookup)
	}
}

// cacheKeyFor builds the change-detection key for a tag. The alias,
// when set, is what subscribers see, so dedup keys on it too.
func cacheKeyFor(cluster, plcName, tagName, alias string) string {
	if alias != "" {
		tagName = alias
	}
	return cluster + "/" + plcName + "/" + tagName
}

func (m *Manager) valueChanged(cacheKey string, value interface{}) bool {
	m.lastMu.RLock()
	last, ok := m.lastValues[cacheKey]
	m.lastMu.RUnlock()
	if !ok {
		return true
	}
	return fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

func (m *Manager) updateLastValue(cacheKey string, value interface{}) {
	m.lastMu.Lock()
	m.lastValues[cacheKey] = value
	m.lastMu.Unlock()
}

// ClearLastValues drops the change-detection cache so every tag
// republishes on its next poll.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}

// Publish queues a tag value for every connected cluster that has
// publishing enabled. Values identical to the last published one are
// skipped per cluster unless force is set.
func (m *Manager) Publish(plcName, tagName, alias, address, typeName string, value interface{}, writable, force bool) {
	displayTag := tagName
	if alias != "" {
		displayTag = alias
	}

	type target struct {
		cluster  string
		topic    string
		key      []byte
		cacheKey string
	}
	var targets []target

	m.mu.RLock()
	for name, producer := range m.producers {
		if !producer.Config().PublishChanges || !producer.Connected() {
			continue
		}
		builder := m.builders[name]
		if builder == nil {
			continue
		}
		cacheKey := cacheKeyFor(name, plcName, tagName, alias)
		if !force && !m.valueChanged(cacheKey, value) {
			continue
		}
		targets = append(targets, target{
			cluster:  name,
			topic:    builder.KafkaTagTopic(),
			key:      []byte(builder.KafkaMessageKey(plcName, displayTag)),
			cacheKey: cacheKey,
		})
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	msg := TagMessage{
		PLC:       plcName,
		Tag:       displayTag,
		Address:   address,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		logKafka("PUBLISH: marshal %s/%s: %v", plcName, displayTag, err)
		return
	}

	for _, t := range targets {
		job := publishJob{
			cluster:  t.cluster,
			topic:    t.topic,
			key:      t.key,
			payload:  payload,
			cacheKey: t.cacheKey,
			value:    value,
		}
		select {
		case m.batchChan <- job:
		default:
			logKafka("PUBLISH %s: queue full, dropping %s", t.cluster, t.cacheKey)
		}
	}
}

// PublishHealth publishes a PLC health transition to every connected
// cluster. Health bypasses the batcher so a full tag queue cannot
// delay an offline notice.
func (m *Manager) PublishHealth(plcName, driver string, online bool, status, errMsg string) {
	type target struct {
		producer *Producer
		topic    string
	}
	var targets []target

	m.mu.RLock()
	for name, producer := range m.producers {
		if !producer.Connected() {
			continue
		}
		builder := m.builders[name]
		if builder == nil {
			continue
		}
		targets = append(targets, target{producer: producer, topic: builder.KafkaHealthTopic()})
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	msg := HealthMessage{
		PLC:       plcName,
		Driver:    driver,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := []byte(namespace.Sanitize(plcName))

	for _, t := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := t.producer.Produce(ctx, t.topic, key, payload)
		cancel()
		if err != nil {
			logKafka("HEALTH %s: %s: %v", t.producer.Name(), plcName, err)
		}
	}
}

// AnyPublishing reports whether at least one connected cluster is
// publishing tag changes.
func (m *Manager) AnyPublishing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, producer := range m.producers {
		if producer.Config().PublishChanges && producer.Connected() {
			return true
		}
	}
	return false
}

// GetClusterStatus returns the status of every cluster, sorted by name.
func (m *Manager) GetClusterStatus() []ClusterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ClusterStatus, 0, len(m.producers))
	for name, producer := range m.producers {
		cfg := producer.Config()
		statuses = append(statuses, ClusterStatus{
			Name:      name,
			Enabled:   cfg.Enabled,
			Status:    producer.Status().String(),
			LastError: producer.LastError(),
			Writeback: cfg.EnableWriteback,
			Stats:     producer.Stats(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (m *Manager) batchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	pending := make([]publishJob, 0, MaxBatchSize)
	for {
		select {
		case <-m.stopChan:
			for {
				select {
				case job := <-m.batchChan:
					pending = append(pending, job)
				default:
					m.flush(pending)
					return
				}
			}
		case job := <-m.batchChan:
			pending = append(pending, job)
			if len(pending) >= MaxBatchSize {
				m.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				m.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

// flush groups queued jobs by cluster and topic and hands each group
// to the producer as one batch. The change cache updates only after a
// batch lands, so a failed produce retries on the next poll.
func (m *Manager) flush(jobs []publishJob) {
	if len(jobs) == 0 {
		return
	}

	type groupKey struct{ cluster, topic string }
	groups := make(map[groupKey][]publishJob)
	for _, job := range jobs {
		k := groupKey{job.cluster, job.topic}
		groups[k] = append(groups[k], job)
	}

	for k, group := range groups {
		m.mu.RLock()
		producer := m.producers[k.cluster]
		m.mu.RUnlock()
		if producer == nil {
			continue
		}

		msgs := make([]kafka.Message, len(group))
		for i, job := range group {
			msgs[i] = kafka.Message{Key: job.key, Value: job.payload}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := producer.ProduceBatch(ctx, k.topic, msgs)
		cancel()
		if err != nil {
			logKafka("PUBLISH %s: batch of %d to %s: %v", k.cluster, len(group), k.topic, err)
			continue
		}

		m.lastMu.Lock()
		for _, job := range group {
			m.lastValues[job.cacheKey] = job.value
		}
		m.lastMu.Unlock()
	}
}
