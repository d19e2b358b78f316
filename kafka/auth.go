package kafka

import (
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"warstep/config"
)

// SASL mechanism names accepted in cluster configuration.
const (
	SASLNone        = ""
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

const dialTimeout = 10 * time.Second

// saslMechanism builds the authenticator named in the cluster config,
// or nil when authentication is disabled.
func saslMechanism(cfg *config.KafkaConfig) (sasl.Mechanism, error) {
	switch cfg.SASLMechanism {
	case SASLNone:
		return nil, nil
	case SASLPlain:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
}

// newDialer builds the dialer used by readers and broker probes.
func newDialer(cfg *config.KafkaConfig) (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   dialTimeout,
		DualStack: true,
	}
	if tlsConfig := cfg.GetTLSConfig(); tlsConfig != nil {
		dialer.TLS = tlsConfig
	}
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	if mechanism != nil {
		dialer.SASLMechanism = mechanism
	}
	return dialer, nil
}

// newTransport builds the transport shared by a cluster's writers.
func newTransport(cfg *config.KafkaConfig) (*kafka.Transport, error) {
	transport := &kafka.Transport{
		DialTimeout: dialTimeout,
	}
	if tlsConfig := cfg.GetTLSConfig(); tlsConfig != nil {
		transport.TLS = tlsConfig
	}
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	if mechanism != nil {
		transport.SASL = mechanism
	}
	return transport, nil
}
