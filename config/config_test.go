package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestDriverName(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tests := []struct {
			driver   DriverName
			expected bool
		}{
			{DriverNative, true},
			{DriverGos7, true},
			{"", true}, // Empty defaults to native
			{"snap7", false},
		}

		for _, tc := range tests {
			if got := tc.driver.Valid(); got != tc.expected {
				t.Errorf("Valid(%q) = %v, want %v", tc.driver, got, tc.expected)
			}
		}
	})

	t.Run("GetDriver", func(t *testing.T) {
		plc := PLCConfig{}
		if plc.GetDriver() != DriverNative {
			t.Error("expected native as default driver")
		}
		plc.Driver = DriverGos7
		if plc.GetDriver() != DriverGos7 {
			t.Error("expected gos7")
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.PollRate != time.Second {
		t.Errorf("expected 1s poll rate, got %v", cfg.PollRate)
	}
	if !cfg.REST.Enabled {
		t.Error("expected REST.Enabled true by default")
	}
	if cfg.REST.Port != 8080 {
		t.Errorf("expected REST port 8080, got %d", cfg.REST.Port)
	}
	if cfg.REST.Host != "0.0.0.0" {
		t.Errorf("expected REST host 0.0.0.0, got %s", cfg.REST.Host)
	}
	if cfg.REST.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %s", cfg.REST.Addr())
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if cfg.PollRate != time.Second {
		t.Errorf("expected default poll rate, got %v", cfg.PollRate)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
namespace: factory-a
plcs:
  - name: press1
    enabled: true
    address: 192.168.0.10
    tags:
      - name: DB1.DBW0
        enabled: true
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "factory-a" {
		t.Errorf("namespace = %q", cfg.Namespace)
	}
	if cfg.PollRate != time.Second {
		t.Errorf("poll rate not defaulted: %v", cfg.PollRate)
	}
	if cfg.REST.Host != "0.0.0.0" || cfg.REST.Port != 8080 {
		t.Errorf("REST not defaulted: %s", cfg.REST.Addr())
	}
	if len(cfg.PLCs) != 1 || cfg.PLCs[0].Name != "press1" {
		t.Fatalf("PLCs = %+v", cfg.PLCs)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("plcs: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load of broken YAML succeeded")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "plant-7"
	cfg.PollRate = 2 * time.Second
	cfg.AddPLC(PLCConfig{
		Name:            "oven",
		Enabled:         true,
		Address:         "10.0.0.5:102",
		Rack:            0,
		Slot:            2,
		Driver:          DriverGos7,
		PollRate:        500 * time.Millisecond,
		OptimizationGap: intPtr(0),
		Tags: []TagConfig{
			{Name: "temp", Address: "DB1.0", Type: "real", Alias: "oven_temp", Enabled: true},
			{Name: "DB1.DBW4", Enabled: true},
		},
	})
	cfg.AddMQTT(MQTTConfig{Name: "plant", Enabled: true, Broker: "mqtt.local", Port: 1883, ClientID: "warstep"})
	cfg.AddValkey(ValkeyConfig{Name: "cache", Address: "valkey.local:6379", KeyTTL: time.Minute})
	cfg.AddKafka(KafkaConfig{Name: "datalake", Brokers: []string{"k1:9092", "k2:9092"}})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Namespace != "plant-7" || loaded.PollRate != 2*time.Second {
		t.Errorf("loaded %q %v", loaded.Namespace, loaded.PollRate)
	}

	plc := loaded.FindPLC("oven")
	if plc == nil {
		t.Fatal("oven PLC not found after round trip")
	}
	if plc.Driver != DriverGos7 || plc.Slot != 2 || plc.PollRate != 500*time.Millisecond {
		t.Errorf("PLC fields lost: %+v", plc)
	}
	if plc.OptimizationGap == nil || *plc.OptimizationGap != 0 {
		t.Error("explicit zero optimization gap not preserved")
	}
	if len(plc.Tags) != 2 || plc.Tags[0].Alias != "oven_temp" {
		t.Errorf("tags lost: %+v", plc.Tags)
	}

	if loaded.FindMQTT("plant") == nil || loaded.FindValkey("cache") == nil || loaded.FindKafka("datalake") == nil {
		t.Error("publisher configs lost in round trip")
	}
	if got := loaded.FindValkey("cache").KeyTTL; got != time.Minute {
		t.Errorf("valkey TTL = %v", got)
	}
}

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Namespace = "plant"
	cfg.AddPLC(PLCConfig{
		Name:    "press",
		Enabled: true,
		Address: "10.1.1.2",
		Tags: []TagConfig{
			{Name: "speed", Address: "DB2.DBW0", Enabled: true},
			{Name: "level", Address: "DB2.4", Type: "real", Enabled: true},
		},
	})
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad namespace", func(c *Config) { c.Namespace = "no spaces" }, "invalid namespace"},
		{"publishers need namespace", func(c *Config) {
			c.Namespace = ""
			c.AddMQTT(MQTTConfig{Name: "m", Enabled: true, Broker: "b"})
		}, "no namespace"},
		{"duplicate plc", func(c *Config) {
			c.AddPLC(PLCConfig{Name: "press", Address: "10.1.1.3"})
		}, "duplicate plc"},
		{"plc without name", func(c *Config) {
			c.AddPLC(PLCConfig{Address: "10.1.1.3"})
		}, "name is required"},
		{"enabled plc without address", func(c *Config) {
			c.PLCs[0].Address = ""
		}, "address is required"},
		{"rack out of range", func(c *Config) { c.PLCs[0].Rack = 8 }, "rack"},
		{"slot out of range", func(c *Config) { c.PLCs[0].Slot = 32 }, "slot"},
		{"unknown driver", func(c *Config) { c.PLCs[0].Driver = "snap7" }, "unknown driver"},
		{"negative gap", func(c *Config) { c.PLCs[0].OptimizationGap = intPtr(-1) }, "optimization gap"},
		{"duplicate tag", func(c *Config) {
			c.PLCs[0].Tags = append(c.PLCs[0].Tags, TagConfig{Name: "speed", Address: "MW0"})
		}, "duplicate tag"},
		{"tag without name", func(c *Config) {
			c.PLCs[0].Tags = append(c.PLCs[0].Tags, TagConfig{Address: "MW0"})
		}, "name is required"},
		{"bad tag address", func(c *Config) {
			c.PLCs[0].Tags[0].Address = "DB1.DBQ0"
		}, "invalid S7 address"},
		{"bad type hint", func(c *Config) {
			c.PLCs[0].Tags[1].Type = "float128"
		}, "unknown type"},
		{"mqtt without broker", func(c *Config) {
			c.AddMQTT(MQTTConfig{Name: "m", Enabled: true})
		}, "broker is required"},
		{"duplicate mqtt", func(c *Config) {
			c.AddMQTT(MQTTConfig{Name: "m", Broker: "b"})
			c.AddMQTT(MQTTConfig{Name: "m", Broker: "b2"})
		}, "duplicate mqtt"},
		{"valkey without address", func(c *Config) {
			c.AddValkey(ValkeyConfig{Name: "v", Enabled: true})
		}, "address is required"},
		{"kafka without brokers", func(c *Config) {
			c.AddKafka(KafkaConfig{Name: "k", Enabled: true})
		}, "broker is required"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate passed, expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestTagConfigNames(t *testing.T) {
	tag := TagConfig{Name: "DB1.DBW0"}
	if tag.EffectiveAddress() != "DB1.DBW0" {
		t.Errorf("EffectiveAddress = %q", tag.EffectiveAddress())
	}
	if tag.PublishName() != "DB1.DBW0" {
		t.Errorf("PublishName = %q", tag.PublishName())
	}

	tag = TagConfig{Name: "speed", Address: "DB1.DBW0", Alias: "line_speed"}
	if tag.EffectiveAddress() != "DB1.DBW0" {
		t.Errorf("EffectiveAddress = %q", tag.EffectiveAddress())
	}
	if tag.PublishName() != "line_speed" {
		t.Errorf("PublishName = %q", tag.PublishName())
	}
}

func TestEffectivePollRate(t *testing.T) {
	plc := PLCConfig{}
	if got := plc.EffectivePollRate(time.Second); got != time.Second {
		t.Errorf("EffectivePollRate = %v, want global", got)
	}
	plc.PollRate = 100 * time.Millisecond
	if got := plc.EffectivePollRate(time.Second); got != 100*time.Millisecond {
		t.Errorf("EffectivePollRate = %v, want override", got)
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		ns       string
		expected bool
	}{
		{"factory-1", true},
		{"plant_a.line2", true},
		{"UPPER", true},
		{"", false},
		{"has space", false},
		{"slash/ns", false},
		{"colon:ns", false},
	}

	for _, tc := range tests {
		if got := IsValidNamespace(tc.ns); got != tc.expected {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", tc.ns, got, tc.expected)
		}
	}
}

func TestPLCHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "a", Address: "10.0.0.1"})
	cfg.AddPLC(PLCConfig{Name: "b", Address: "10.0.0.2"})

	if cfg.FindPLC("a") == nil || cfg.FindPLC("b") == nil {
		t.Fatal("added PLCs not found")
	}
	if cfg.FindPLC("c") != nil {
		t.Error("found PLC that was never added")
	}

	if !cfg.UpdatePLC("a", PLCConfig{Name: "a", Address: "10.0.0.9"}) {
		t.Error("UpdatePLC returned false")
	}
	if cfg.FindPLC("a").Address != "10.0.0.9" {
		t.Error("UpdatePLC did not apply")
	}
	if cfg.UpdatePLC("missing", PLCConfig{Name: "missing"}) {
		t.Error("UpdatePLC of unknown PLC returned true")
	}

	if !cfg.RemovePLC("a") {
		t.Error("RemovePLC returned false")
	}
	if cfg.RemovePLC("a") {
		t.Error("second RemovePLC returned true")
	}
	if len(cfg.PLCs) != 1 || cfg.PLCs[0].Name != "b" {
		t.Errorf("PLCs after removal: %+v", cfg.PLCs)
	}
}

func TestPublisherHelpers(t *testing.T) {
	cfg := DefaultConfig()

	cfg.AddMQTT(MQTTConfig{Name: "m1", Broker: "b1"})
	if cfg.FindMQTT("m1") == nil {
		t.Error("mqtt m1 not found")
	}
	if !cfg.RemoveMQTT("m1") || cfg.FindMQTT("m1") != nil {
		t.Error("mqtt m1 not removed")
	}

	cfg.AddValkey(ValkeyConfig{Name: "v1", Address: "a:6379"})
	if cfg.FindValkey("v1") == nil {
		t.Error("valkey v1 not found")
	}
	if !cfg.RemoveValkey("v1") || cfg.FindValkey("v1") != nil {
		t.Error("valkey v1 not removed")
	}

	cfg.AddKafka(KafkaConfig{Name: "k1", Brokers: []string{"b:9092"}})
	if cfg.FindKafka("k1") == nil {
		t.Error("kafka k1 not found")
	}
	if !cfg.RemoveKafka("k1") || cfg.FindKafka("k1") != nil {
		t.Error("kafka k1 not removed")
	}
}

func TestKafkaConfigDefaults(t *testing.T) {
	k := KafkaConfig{Name: "events"}

	if got := k.GetConsumerGroup(); got != "warstep-events-writers" {
		t.Errorf("consumer group = %q", got)
	}
	k.ConsumerGroup = "custom-group"
	if got := k.GetConsumerGroup(); got != "custom-group" {
		t.Errorf("explicit consumer group = %q", got)
	}

	if got := k.GetWriteMaxAge(); got != 30*time.Second {
		t.Errorf("default write max age = %v", got)
	}
	k.WriteMaxAge = 5 * time.Second
	if got := k.GetWriteMaxAge(); got != 5*time.Second {
		t.Errorf("explicit write max age = %v", got)
	}

	if got := k.GetMaxRetries(); got != 3 {
		t.Errorf("default max retries = %d", got)
	}
	if got := k.GetRetryBackoff(); got != 100*time.Millisecond {
		t.Errorf("default retry backoff = %v", got)
	}

	if !k.AutoCreateEnabled() {
		t.Error("auto create should default to enabled")
	}
	off := false
	k.AutoCreateTopics = &off
	if k.AutoCreateEnabled() {
		t.Error("explicit false should disable auto create")
	}

	if k.GetTLSConfig() != nil {
		t.Error("TLS config should be nil when disabled")
	}
	k.UseTLS = true
	k.TLSSkipVerify = true
	tlsCfg := k.GetTLSConfig()
	if tlsCfg == nil || !tlsCfg.InsecureSkipVerify {
		t.Errorf("TLS config = %+v", tlsCfg)
	}
}
