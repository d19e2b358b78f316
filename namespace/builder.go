// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// Sanitize makes a PLC or tag name safe for use as a topic or key
// segment: delimiter and wildcard characters become underscores. S7
// address names like DB1.DBW0 pass through unchanged.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '+', '#', ' ':
			return '_'
		}
		return r
	}, name)
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag value: {ns}[/{sel}]/{plc}/tags/{tag}
func (b *Builder) MQTTTagTopic(plc, tag string) string {
	return b.mqttBase() + "/" + Sanitize(plc) + "/tags/" + Sanitize(tag)
}

// MQTTHealthTopic returns the topic for health status: {ns}[/{sel}]/{plc}/health
func (b *Builder) MQTTHealthTopic(plc string) string {
	return b.mqttBase() + "/" + Sanitize(plc) + "/health"
}

// MQTTWriteTopic returns the topic for write requests: {ns}[/{sel}]/{plc}/write
func (b *Builder) MQTTWriteTopic(plc string) string {
	return b.mqttBase() + "/" + Sanitize(plc) + "/write"
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}[/{sel}]/{plc}/write/response
func (b *Builder) MQTTWriteResponseTopic(plc string) string {
	return b.mqttBase() + "/" + Sanitize(plc) + "/write/response"
}

// MQTTBase returns the base topic for JSON messages: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyTagKey returns the key for a tag value: {ns}[:{sel}]:{plc}:tags:{tag}
func (b *Builder) ValkeyTagKey(plc, tag string) string {
	return b.valkeyBase() + ":" + Sanitize(plc) + ":tags:" + Sanitize(tag)
}

// ValkeyHealthKey returns the key for health status: {ns}[:{sel}]:{plc}:health
func (b *Builder) ValkeyHealthKey(plc string) string {
	return b.valkeyBase() + ":" + Sanitize(plc) + ":health"
}

// ValkeyChangesChannel returns the channel for PLC changes: {ns}[:{sel}]:{plc}:changes
func (b *Builder) ValkeyChangesChannel(plc string) string {
	return b.valkeyBase() + ":" + Sanitize(plc) + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyWriteQueue returns the queue key for write requests: {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.valkeyBase() + ":writes"
}

// ValkeyWriteResponseChannel returns the channel for write responses: {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.valkeyBase() + ":write:responses"
}

// ValkeyBase returns the base key prefix for JSON messages: {ns}[:{sel}]
func (b *Builder) ValkeyBase() string {
	return b.valkeyBase()
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaTagTopic returns the topic for tag values: {ns}[-{sel}]
// The {plc}/{tag} pair rides in the message key for partitioning.
func (b *Builder) KafkaTagTopic() string {
	return b.kafkaBase()
}

// KafkaHealthTopic returns the topic for health status: {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.kafkaBase() + ".health"
}

// KafkaWriteTopic returns the topic for write requests: {ns}[-{sel}]-writes
func (b *Builder) KafkaWriteTopic() string {
	return b.kafkaBase() + "-writes"
}

// KafkaWriteResponseTopic returns the topic for write responses: {ns}[-{sel}]-write-responses
func (b *Builder) KafkaWriteResponseTopic() string {
	return b.kafkaBase() + "-write-responses"
}

// KafkaMessageKey returns the message key for a tag value: {plc}/{tag}
func (b *Builder) KafkaMessageKey(plc, tag string) string {
	return Sanitize(plc) + "/" + Sanitize(tag)
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
