package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"warstep/config"
	"warstep/namespace"
	"warstep/s7"
)

// WriteBackBatchInterval is how often queued write requests are
// collapsed and executed. Requests to the same tag arriving inside one
// window are deduplicated, only the newest is written.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteHandler executes a write against a PLC.
type WriteHandler func(plcName, tagName string, value interface{}) error

// WriteValidator reports whether a tag accepts writes.
type WriteValidator func(plcName, tagName string) bool

// TagTypeLookup returns the data type code for a tag, or 0 when the
// tag is unknown.
type TagTypeLookup func(plcName, tagName string) uint16

// WriteRequest is the JSON payload consumed from the write topic.
type WriteRequest struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// WriteResponse is the JSON payload produced to the response topic.
// Every request gets exactly one response, including the ones that
// were deduplicated or expired.
type WriteResponse struct {
	PLC          string      `json:"plc"`
	Tag          string      `json:"tag"`
	Value        interface{} `json:"value,omitempty"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`
	Deduplicated bool        `json:"deduplicated,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

type pendingWrite struct {
	req WriteRequest
	msg kafka.Message
}

// Consumer reads write requests from a cluster's write topic and hands
// them to the write handler. Responses go back out through the same
// cluster's producer.
type Consumer struct {
	config   *config.KafkaConfig
	producer *Producer
	names    *namespace.Builder

	reader *kafka.Reader

	writeHandler   WriteHandler
	writeValidator WriteValidator
	tagTypeLookup  TagTypeLookup

	running  bool
	mu       sync.RWMutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a writeback consumer for one cluster. Call Start
// after the producer is connected.
func NewConsumer(cfg *config.KafkaConfig, producer *Producer, names *namespace.Builder) *Consumer {
	return &Consumer{
		config:   cfg,
		producer: producer,
		names:    names,
	}
}

// IsRunning returns true if the consume loop is active.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetWriteHandler sets the function that executes writes.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	c.writeHandler = handler
	c.mu.Unlock()
}

// SetWriteValidator sets the function that gates writes per tag.
func (c *Consumer) SetWriteValidator(validator WriteValidator) {
	c.mu.Lock()
	c.writeValidator = validator
	c.mu.Unlock()
}

// SetTagTypeLookup sets the function used to convert incoming JSON
// values to the tag's native type before writing.
func (c *Consumer) SetTagTypeLookup(lookup TagTypeLookup) {
	c.mu.Lock()
	c.tagTypeLookup = lookup
	c.mu.Unlock()
}

// Start joins the consumer group and begins processing write requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	dialer, err := newDialer(c.config)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// LastOffset: requests queued while the gateway was down are stale
	// by definition, let the group offset (or the age check) skip them.
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		GroupID:        c.config.GetConsumerGroup(),
		Topic:          c.names.KafkaWriteTopic(),
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})

	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop()

	logKafka("WRITEBACK %s: consuming %s as group %s",
		c.config.Name, c.names.KafkaWriteTopic(), c.config.GetConsumerGroup())
	return nil
}

// Stop halts the consume loop and leaves the consumer group. Pending
// requests already fetched are executed before shutdown.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()

	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			logKafka("WRITEBACK %s: closing reader: %v", c.config.Name, err)
		}
	}
	logKafka("WRITEBACK %s: stopped", c.config.Name)
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	pending := make(map[string]pendingWrite)
	var discarded []pendingWrite

	for {
		select {
		case <-c.stopChan:
			c.processBatch(pending, discarded)
			return
		case <-ticker.C:
			if len(pending) > 0 || len(discarded) > 0 {
				c.processBatch(pending, discarded)
				pending = make(map[string]pendingWrite)
				discarded = nil
			}
		default:
		}

		// Short fetch timeout so the loop keeps servicing the ticker
		// and the stop channel.
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		msg, err := c.reader.FetchMessage(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			logKafka("WRITEBACK %s: fetch: %v", c.config.Name, err)
			time.Sleep(time.Second)
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			logKafka("WRITEBACK %s: bad write request: %v", c.config.Name, err)
			c.commit(msg)
			continue
		}

		key := string(msg.Key)
		if key == "" {
			key = req.PLC + "." + req.Tag
		}
		if prev, ok := pending[key]; ok {
			discarded = append(discarded, prev)
		}
		pending[key] = pendingWrite{req: req, msg: msg}
	}
}

// processBatch executes the newest request per tag and answers the
// superseded ones. Messages commit individually so a crash mid-batch
// redelivers only the unprocessed tail.
func (c *Consumer) processBatch(pending map[string]pendingWrite, discarded []pendingWrite) {
	for _, pw := range discarded {
		c.sendResponse(WriteResponse{
			PLC:          pw.req.PLC,
			Tag:          pw.req.Tag,
			Value:        pw.req.Value,
			RequestID:    pw.req.RequestID,
			Error:        "request superseded by newer write to same tag",
			Deduplicated: true,
			Timestamp:    time.Now().UTC(),
		})
		c.commit(pw.msg)
	}

	maxAge := c.config.GetWriteMaxAge()
	for _, pw := range pending {
		c.executeWrite(pw.req, maxAge)
		c.commit(pw.msg)
	}
}

func (c *Consumer) executeWrite(req WriteRequest, maxAge time.Duration) {
	resp := WriteResponse{
		PLC:       req.PLC,
		Tag:       req.Tag,
		Value:     req.Value,
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
	}

	if writeExpired(req.Timestamp, maxAge) {
		age := time.Since(req.Timestamp)
		resp.Error = fmt.Sprintf("write request expired (age %s, max %s)", age.Round(time.Second), maxAge)
		resp.Skipped = true
		c.sendResponse(resp)
		return
	}

	c.mu.RLock()
	handler := c.writeHandler
	validator := c.writeValidator
	typeLookup := c.tagTypeLookup
	c.mu.RUnlock()

	if validator != nil && !validator(req.PLC, req.Tag) {
		resp.Error = "tag is not writable"
		c.sendResponse(resp)
		return
	}
	if handler == nil {
		resp.Error = "no write handler configured"
		c.sendResponse(resp)
		return
	}

	value := req.Value
	if typeLookup != nil {
		if dataType := typeLookup(req.PLC, req.Tag); dataType != 0 {
			converted, err := s7.ConvertWriteValue(req.Value, dataType)
			if err != nil {
				resp.Error = err.Error()
				c.sendResponse(resp)
				return
			}
			value = converted
		}
	}

	if err := handler(req.PLC, req.Tag, value); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}
	c.sendResponse(resp)

	logKafka("WRITEBACK %s: write %s/%s = %v -> success=%v",
		c.config.Name, req.PLC, req.Tag, value, resp.Success)
}

// writeExpired reports whether a timestamped request is older than the
// cutoff. Requests without a timestamp never expire.
func writeExpired(ts time.Time, maxAge time.Duration) bool {
	return !ts.IsZero() && time.Since(ts) > maxAge
}

func (c *Consumer) sendResponse(resp WriteResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		logKafka("WRITEBACK %s: marshal response: %v", c.config.Name, err)
		return
	}

	key := []byte(c.names.KafkaMessageKey(resp.PLC, resp.Tag))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.producer.ProduceWithRetry(ctx, c.names.KafkaWriteResponseTopic(), key, payload); err != nil {
		logKafka("WRITEBACK %s: response for %s/%s: %v", c.config.Name, resp.PLC, resp.Tag, err)
	}
}

func (c *Consumer) commit(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		logKafka("WRITEBACK %s: commit: %v", c.config.Name, err)
	}
}
