// Package config handles configuration persistence for the warstep gateway.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"warstep/s7"

	"gopkg.in/yaml.v3"
)

// DriverName selects the S7 transport implementation for a PLC.
type DriverName string

const (
	// DriverNative is the built-in S7comm client with PDU negotiation
	// and multi-part read packets.
	DriverNative DriverName = "native"

	// DriverGos7 carries reads over the robinson/gos7 session layer,
	// one block call per part.
	DriverGos7 DriverName = "gos7"
)

// Valid returns true for a known driver name.
func (d DriverName) Valid() bool {
	switch d {
	case DriverNative, DriverGos7, "":
		return true
	}
	return false
}

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Instance namespace for topic/key isolation
	PollRate  time.Duration  `yaml:"poll_rate"` // Default poll interval for PLCs without their own
	Debug     DebugConfig    `yaml:"debug,omitempty"`
	REST      RESTConfig     `yaml:"rest"`
	PLCs      []PLCConfig    `yaml:"plcs"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
}

// DebugConfig controls the file-based debug log.
type DebugConfig struct {
	Enabled   bool     `yaml:"enabled"`
	File      string   `yaml:"file,omitempty"`      // Log file path (default warstep-debug.log)
	Protocols []string `yaml:"protocols,omitempty"` // Subsystems to log; empty logs all
	Stderr    bool     `yaml:"stderr,omitempty"`    // Echo debug lines to stderr
}

// RESTConfig holds REST API server configuration.
type RESTConfig struct {
	Enabled bool     `yaml:"enabled"`
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	APIKeys []string `yaml:"api_keys,omitempty"` // bcrypt hashes; empty disables auth
}

// Addr returns the host:port the REST server listens on.
func (r *RESTConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PLCConfig describes one S7 controller and the tags polled from it.
type PLCConfig struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Host or host:port (default port 102)
	Rack    int    `yaml:"rack"`
	Slot    int    `yaml:"slot"`

	// Driver picks the transport: native (default) or gos7.
	Driver DriverName `yaml:"driver,omitempty"`

	// PollRate overrides the global rate for this PLC when set.
	PollRate time.Duration `yaml:"poll_rate,omitempty"`

	// Timeout bounds each wire exchange.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// PDUSize is the frame size requested during negotiation by the
	// native driver, and the assumed frame size for gos7, which does
	// not expose negotiation. Zero uses the driver's default.
	PDUSize int `yaml:"pdu_size,omitempty"`

	// OptimizationGap is the largest dead-byte run the read planner
	// bridges between neighboring tags. Nil uses the engine default;
	// zero merges only overlapping tags.
	OptimizationGap *int `yaml:"optimization_gap,omitempty"`

	// NoOptimize gives every tag its own read span.
	NoOptimize bool `yaml:"no_optimize,omitempty"`

	Tags []TagConfig `yaml:"tags"`
}

// GetDriver returns the configured driver, defaulting to native.
func (p *PLCConfig) GetDriver() DriverName {
	if p.Driver == "" {
		return DriverNative
	}
	return p.Driver
}

// EffectivePollRate returns this PLC's poll interval given the global
// default.
func (p *PLCConfig) EffectivePollRate(global time.Duration) time.Duration {
	if p.PollRate > 0 {
		return p.PollRate
	}
	return global
}

// TagConfig describes one polled tag.
type TagConfig struct {
	Name     string `yaml:"name"`               // Tag name; doubles as the address when Address is empty
	Address  string `yaml:"address,omitempty"`  // S7 address (DB1.DBW0, DB5.10, MW2, ...)
	Type     string `yaml:"type,omitempty"`     // Type hint for bare-offset addresses (int, real, string, ...)
	Alias    string `yaml:"alias,omitempty"`    // Published name; defaults to Name
	Enabled  bool   `yaml:"enabled"`
	Writable bool   `yaml:"writable,omitempty"` // Reserved; writes are not supported yet
}

// EffectiveAddress returns the address string this tag reads.
func (t *TagConfig) EffectiveAddress() string {
	if t.Address != "" {
		return t.Address
	}
	return t.Name
}

// PublishName returns the name the tag is published under.
func (t *TagConfig) PublishName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port format
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`           // Redis DB number (default 0)
	Selector        string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // TTL for keys (0 = no expiry)
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Publish to Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Enable the write-back queue listener
}

// KafkaConfig holds Kafka cluster configuration.
// AutoCreateTopics is a pointer so an absent key means "use the
// default" while an explicit false disables creation.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Selector         string `yaml:"selector,omitempty"` // Optional sub-namespace
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"`

	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Consume write requests from Kafka
	ConsumerGroup   string        `yaml:"consumer_group,omitempty"`   // Default warstep-{name}-writers
	WriteMaxAge     time.Duration `yaml:"write_max_age,omitempty"`    // Skip write requests older than this
}

// GetConsumerGroup returns the writeback consumer group name.
func (k *KafkaConfig) GetConsumerGroup() string {
	if k.ConsumerGroup != "" {
		return k.ConsumerGroup
	}
	return fmt.Sprintf("warstep-%s-writers", k.Name)
}

// GetWriteMaxAge returns the cutoff age for queued write requests.
// Requests older than this are acknowledged but not executed.
func (k *KafkaConfig) GetWriteMaxAge() time.Duration {
	if k.WriteMaxAge > 0 {
		return k.WriteMaxAge
	}
	return 30 * time.Second
}

// GetMaxRetries returns the produce retry count.
func (k *KafkaConfig) GetMaxRetries() int {
	if k.MaxRetries > 0 {
		return k.MaxRetries
	}
	return 3
}

// GetRetryBackoff returns the delay between produce retries.
func (k *KafkaConfig) GetRetryBackoff() time.Duration {
	if k.RetryBackoff > 0 {
		return k.RetryBackoff
	}
	return 100 * time.Millisecond
}

// AutoCreateEnabled reports whether missing topics may be created on
// first produce.
func (k *KafkaConfig) AutoCreateEnabled() bool {
	return k.AutoCreateTopics == nil || *k.AutoCreateTopics
}

// GetTLSConfig returns the TLS settings for broker connections, or nil
// when TLS is disabled.
func (k *KafkaConfig) GetTLSConfig() *tls.Config {
	if !k.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: k.TLSSkipVerify,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollRate: time.Second,
		REST: RESTConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		PLCs:   []PLCConfig{},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path
// (~/.warstep/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".warstep", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Defaults are also filled into loaded configs, so callers
// never see a zero poll rate or REST address.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values a YAML file may leave behind.
func (c *Config) applyDefaults() {
	if c.PollRate <= 0 {
		c.PollRate = time.Second
	}
	if c.REST.Host == "" {
		c.REST.Host = "0.0.0.0"
	}
	if c.REST.Port == 0 {
		c.REST.Port = 8080
	}
}

// Save writes the configuration to a YAML file, creating the directory
// when needed.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for errors: namespace format,
// duplicate names, driver names, rack/slot ranges, and every tag
// address and type hint. Broken tag configuration surfaces here rather
// than as per-poll read failures.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace %q: use only alphanumerics, hyphens, underscores and dots", c.Namespace)
	}
	if c.Namespace == "" && c.anyPublisherEnabled() {
		return fmt.Errorf("publishers are enabled but no namespace is set")
	}

	plcNames := map[string]bool{}
	for i := range c.PLCs {
		plc := &c.PLCs[i]
		if plc.Name == "" {
			return fmt.Errorf("plc %d: name is required", i)
		}
		if plcNames[plc.Name] {
			return fmt.Errorf("duplicate plc name %q", plc.Name)
		}
		plcNames[plc.Name] = true

		if err := plc.validate(); err != nil {
			return fmt.Errorf("plc %q: %w", plc.Name, err)
		}
	}

	if err := validateNames("mqtt", len(c.MQTT), func(i int) string { return c.MQTT[i].Name }); err != nil {
		return err
	}
	for i := range c.MQTT {
		if c.MQTT[i].Enabled && c.MQTT[i].Broker == "" {
			return fmt.Errorf("mqtt %q: broker is required", c.MQTT[i].Name)
		}
	}

	if err := validateNames("valkey", len(c.Valkey), func(i int) string { return c.Valkey[i].Name }); err != nil {
		return err
	}
	for i := range c.Valkey {
		if c.Valkey[i].Enabled && c.Valkey[i].Address == "" {
			return fmt.Errorf("valkey %q: address is required", c.Valkey[i].Name)
		}
	}

	if err := validateNames("kafka", len(c.Kafka), func(i int) string { return c.Kafka[i].Name }); err != nil {
		return err
	}
	for i := range c.Kafka {
		if c.Kafka[i].Enabled && len(c.Kafka[i].Brokers) == 0 {
			return fmt.Errorf("kafka %q: at least one broker is required", c.Kafka[i].Name)
		}
	}

	return nil
}

// validate checks one PLC block.
func (p *PLCConfig) validate() error {
	if p.Enabled && p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if p.Rack < 0 || p.Rack > 7 {
		return fmt.Errorf("rack %d out of range 0-7", p.Rack)
	}
	if p.Slot < 0 || p.Slot > 31 {
		return fmt.Errorf("slot %d out of range 0-31", p.Slot)
	}
	if !p.Driver.Valid() {
		return fmt.Errorf("unknown driver %q", p.Driver)
	}
	if p.OptimizationGap != nil && *p.OptimizationGap < 0 {
		return fmt.Errorf("optimization gap must not be negative")
	}

	tagNames := map[string]bool{}
	for i := range p.Tags {
		tag := &p.Tags[i]
		if tag.Name == "" {
			return fmt.Errorf("tag %d: name is required", i)
		}
		if tagNames[tag.Name] {
			return fmt.Errorf("duplicate tag name %q", tag.Name)
		}
		tagNames[tag.Name] = true

		addr, err := s7.ParseAddress(tag.EffectiveAddress())
		if err != nil {
			return fmt.Errorf("tag %q: %w", tag.Name, err)
		}
		if err := addr.ApplyTypeHint(tag.Type); err != nil {
			return fmt.Errorf("tag %q: %w", tag.Name, err)
		}
	}
	return nil
}

// validateNames rejects empty and duplicate names in a publisher list.
func validateNames(kind string, n int, name func(int) string) error {
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if name(i) == "" {
			return fmt.Errorf("%s %d: name is required", kind, i)
		}
		if seen[name(i)] {
			return fmt.Errorf("duplicate %s name %q", kind, name(i))
		}
		seen[name(i)] = true
	}
	return nil
}

// anyPublisherEnabled reports whether any egress block is enabled.
func (c *Config) anyPublisherEnabled() bool {
	for _, m := range c.MQTT {
		if m.Enabled {
			return true
		}
	}
	for _, v := range c.Valkey {
		if v.Enabled {
			return true
		}
	}
	for _, k := range c.Kafka {
		if k.Enabled {
			return true
		}
	}
	return false
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens,
// underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC by name.
func (c *Config) RemovePLC(name string) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePLC updates an existing PLC configuration.
func (c *Config) UpdatePLC(name string, updated PLCConfig) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}
