package kafka

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"warstep/config"
	"warstep/namespace"
)

// newTestManager builds a manager without starting the batch loop, so
// queued jobs stay observable in batchChan.
func newTestManager() *Manager {
	return &Manager{
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		builders:   make(map[string]*namespace.Builder),
		lastValues: make(map[string]interface{}),
		batchChan:  make(chan publishJob, MaxBatchQueueSize),
		stopChan:   make(chan struct{}),
	}
}

func TestManager_ChangeDetection(t *testing.T) {
	t.Run("identical values should not republish", func(t *testing.T) {
		m := newTestManager()
		m.updateLastValue("events/press/speed", int32(100))
		if m.valueChanged("events/press/speed", int32(100)) {
			t.Error("identical value reported as changed")
		}
	})

	t.Run("different values should republish", func(t *testing.T) {
		m := newTestManager()
		m.updateLastValue("events/press/speed", int32(100))
		if !m.valueChanged("events/press/speed", int32(200)) {
			t.Error("changed value reported as unchanged")
		}
	})

	t.Run("unknown tag should publish", func(t *testing.T) {
		m := newTestManager()
		if !m.valueChanged("events/press/speed", int32(100)) {
			t.Error("first value for a tag reported as unchanged")
		}
	})

	t.Run("clusters track independently", func(t *testing.T) {
		m := newTestManager()
		m.updateLastValue("events/press/speed", int32(100))
		if !m.valueChanged("audit/press/speed", int32(100)) {
			t.Error("cache key should include the cluster name")
		}
	})
}

func TestManager_ChangeDetectionTypes(t *testing.T) {
	tests := []struct {
		name    string
		old     interface{}
		new     interface{}
		changed bool
	}{
		{"uint64 same", uint64(42), uint64(42), false},
		{"uint64 changed", uint64(42), uint64(43), true},
		{"int64 same", int64(-10), int64(-10), false},
		{"int64 changed", int64(-10), int64(10), true},
		{"float64 same", 3.14, 3.14, false},
		{"float64 changed", 3.14, 3.15, true},
		{"bool same", true, true, false},
		{"bool changed", true, false, true},
		{"string same", "run", "run", false},
		{"string changed", "run", "stop", true},
		{"slice same", []uint16{1, 2, 3}, []uint16{1, 2, 3}, false},
		{"slice changed", []uint16{1, 2, 3}, []uint16{1, 2, 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			m.updateLastValue("events/plc/tag", tt.old)
			if got := m.valueChanged("events/plc/tag", tt.new); got != tt.changed {
				t.Errorf("valueChanged = %v, want %v", got, tt.changed)
			}
		})
	}
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name    string
		cluster string
		plc     string
		tag     string
		alias   string
		want    string
	}{
		{"no alias", "events", "press", "speed", "", "events/press/speed"},
		{"alias replaces tag", "events", "press", "db1_dbd0", "line_speed", "events/press/line_speed"},
		{"cluster prefix", "audit", "press", "speed", "", "audit/press/speed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cacheKeyFor(tt.cluster, tt.plc, tt.tag, tt.alias); got != tt.want {
				t.Errorf("cacheKeyFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBatchConfig(t *testing.T) {
	if MaxBatchSize <= 0 || MaxBatchSize > 1000 {
		t.Errorf("MaxBatchSize %d outside sane range", MaxBatchSize)
	}
	if BatchFlushInterval <= 0 || BatchFlushInterval > time.Second {
		t.Errorf("BatchFlushInterval %v outside sane range", BatchFlushInterval)
	}
	if MaxBatchQueueSize < MaxBatchSize {
		t.Errorf("queue size %d smaller than one batch %d", MaxBatchQueueSize, MaxBatchSize)
	}
}

func TestManager_Publish(t *testing.T) {
	m := newTestManager()
	cfg := &config.KafkaConfig{
		Name:           "events",
		Brokers:        []string{"localhost:9092"},
		PublishChanges: true,
	}
	m.AddCluster("warstep", cfg)

	t.Run("disconnected cluster queues nothing", func(t *testing.T) {
		m.Publish("press", "speed", "", "DB1.DBD0", "real", 42.5, true, false)
		if len(m.batchChan) != 0 {
			t.Errorf("queued %d jobs for a disconnected cluster", len(m.batchChan))
		}
	})

	m.GetProducer("events").setStatus(StatusConnected)

	t.Run("connected cluster queues a job", func(t *testing.T) {
		m.Publish("press", "speed", "", "DB1.DBD0", "real", 42.5, true, false)
		if len(m.batchChan) != 1 {
			t.Fatalf("queued %d jobs, want 1", len(m.batchChan))
		}

		job := <-m.batchChan
		if job.cluster != "events" {
			t.Errorf("cluster = %q", job.cluster)
		}
		if job.topic != "warstep" {
			t.Errorf("topic = %q, want warstep", job.topic)
		}
		if string(job.key) != "press/speed" {
			t.Errorf("key = %q, want press/speed", job.key)
		}
		if job.cacheKey != "events/press/speed" {
			t.Errorf("cacheKey = %q", job.cacheKey)
		}

		var msg TagMessage
		if err := json.Unmarshal(job.payload, &msg); err != nil {
			t.Fatalf("payload did not parse: %v", err)
		}
		if msg.PLC != "press" || msg.Tag != "speed" || msg.Address != "DB1.DBD0" {
			t.Errorf("unexpected message fields: %+v", msg)
		}
		if msg.Value != 42.5 {
			t.Errorf("value = %v, want 42.5", msg.Value)
		}
		if !msg.Writable {
			t.Error("writable flag lost")
		}
	})

	t.Run("unchanged value is skipped", func(t *testing.T) {
		m.updateLastValue("events/press/speed", 42.5)
		m.Publish("press", "speed", "", "DB1.DBD0", "real", 42.5, true, false)
		if len(m.batchChan) != 0 {
			t.Errorf("unchanged value queued %d jobs", len(m.batchChan))
		}
	})

	t.Run("force overrides change detection", func(t *testing.T) {
		m.updateLastValue("events/press/speed", 42.5)
		m.Publish("press", "speed", "", "DB1.DBD0", "real", 42.5, true, true)
		if len(m.batchChan) != 1 {
			t.Errorf("forced publish queued %d jobs, want 1", len(m.batchChan))
		}
		<-m.batchChan
	})

	t.Run("alias becomes the published tag", func(t *testing.T) {
		m.Publish("press", "db1_dbd4", "motor_temp", "DB1.DBD4", "real", 71.2, false, false)
		job := <-m.batchChan

		var msg TagMessage
		if err := json.Unmarshal(job.payload, &msg); err != nil {
			t.Fatalf("payload did not parse: %v", err)
		}
		if msg.Tag != "motor_temp" {
			t.Errorf("tag = %q, want alias motor_temp", msg.Tag)
		}
		if string(job.key) != "press/motor_temp" {
			t.Errorf("key = %q, want press/motor_temp", job.key)
		}
		if job.cacheKey != "events/press/motor_temp" {
			t.Errorf("cacheKey = %q", job.cacheKey)
		}
	})

	t.Run("publishing disabled cluster is skipped", func(t *testing.T) {
		quiet := &config.KafkaConfig{Name: "quiet", Brokers: []string{"localhost:9092"}}
		m.AddCluster("warstep", quiet)
		m.GetProducer("quiet").setStatus(StatusConnected)

		m.Publish("press", "state", "", "", "bool", true, false, false)
		job := <-m.batchChan
		if job.cluster != "events" {
			t.Errorf("job went to %q, want events only", job.cluster)
		}
		if len(m.batchChan) != 0 {
			t.Error("cluster without publish_changes received a job")
		}
	})
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	t.Run("add and get", func(t *testing.T) {
		cfg := &config.KafkaConfig{Name: "events", Brokers: []string{"localhost:9092"}}
		p := m.AddCluster("warstep", cfg)
		if p == nil {
			t.Fatal("AddCluster returned nil")
		}
		if m.GetProducer("events") != p {
			t.Error("GetProducer returned a different producer")
		}
		if m.GetProducer("missing") != nil {
			t.Error("unknown cluster should return nil")
		}
		if p.Status() != StatusDisconnected {
			t.Errorf("new producer status = %v", p.Status())
		}
	})

	t.Run("writeback cluster gets a consumer", func(t *testing.T) {
		cfg := &config.KafkaConfig{
			Name:            "wb",
			Brokers:         []string{"localhost:9092"},
			EnableWriteback: true,
		}
		m.AddCluster("warstep", cfg)

		m.mu.RLock()
		_, hasConsumer := m.consumers["wb"]
		_, plainConsumer := m.consumers["events"]
		m.mu.RUnlock()

		if !hasConsumer {
			t.Error("writeback cluster has no consumer")
		}
		if plainConsumer {
			t.Error("plain cluster should not have a consumer")
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		names := m.ListClusters()
		if len(names) != 2 || names[0] != "events" || names[1] != "wb" {
			t.Errorf("ListClusters = %v", names)
		}
	})

	t.Run("cluster status", func(t *testing.T) {
		statuses := m.GetClusterStatus()
		if len(statuses) != 2 {
			t.Fatalf("got %d statuses", len(statuses))
		}
		if statuses[0].Name != "events" || statuses[1].Name != "wb" {
			t.Errorf("status order: %s, %s", statuses[0].Name, statuses[1].Name)
		}
		if !statuses[1].Writeback {
			t.Error("writeback flag lost")
		}
		if statuses[0].Status != "Disconnected" {
			t.Errorf("status = %q", statuses[0].Status)
		}
	})

	t.Run("remove", func(t *testing.T) {
		if !m.RemoveCluster("wb") {
			t.Error("RemoveCluster returned false for existing cluster")
		}
		if m.RemoveCluster("wb") {
			t.Error("second remove should return false")
		}
		if m.GetProducer("wb") != nil {
			t.Error("removed cluster still resolvable")
		}
	})
}

func TestManager_LoadFromConfig(t *testing.T) {
	m := newTestManager()
	cfgs := []config.KafkaConfig{
		{Name: "events", Brokers: []string{"k1:9092"}},
		{Name: "cell", Brokers: []string{"k2:9092"}, Selector: "cell1", EnableWriteback: true},
	}
	m.LoadFromConfig("warstep", cfgs)

	if names := m.ListClusters(); len(names) != 2 {
		t.Fatalf("ListClusters = %v", names)
	}
	if got := m.builders["events"].KafkaTagTopic(); got != "warstep" {
		t.Errorf("tag topic = %q, want warstep", got)
	}
	if got := m.builders["cell"].KafkaTagTopic(); got != "warstep-cell1" {
		t.Errorf("selector tag topic = %q, want warstep-cell1", got)
	}
	if got := m.builders["cell"].KafkaWriteTopic(); got != "warstep-cell1-writes" {
		t.Errorf("write topic = %q", got)
	}
}

func TestManager_ClearLastValues(t *testing.T) {
	m := newTestManager()
	m.updateLastValue("events/press/speed", 1)
	m.updateLastValue("events/press/state", true)
	m.ClearLastValues()
	if !m.valueChanged("events/press/speed", 1) {
		t.Error("cache survived ClearLastValues")
	}
}

func TestManager_ConcurrentCacheAccess(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := "events/plc/tag"
				m.valueChanged(key, j)
				m.updateLastValue(key, j)
				if n == 0 && j == 50 {
					m.ClearLastValues()
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestTagMessage_Structure(t *testing.T) {
	t.Run("required fields", func(t *testing.T) {
		msg := TagMessage{
			PLC:       "press",
			Tag:       "speed",
			Address:   "DB1.DBD0",
			Value:     42.5,
			Type:      "real",
			Writable:  true,
			Timestamp: time.Now().UTC(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var fields map[string]interface{}
		if err := json.Unmarshal(data, &fields); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		for _, key := range []string{"plc", "tag", "address", "value", "type", "writable", "timestamp"} {
			if _, ok := fields[key]; !ok {
				t.Errorf("missing field %q", key)
			}
		}
	})

	t.Run("address omitted when empty", func(t *testing.T) {
		msg := TagMessage{PLC: "press", Tag: "speed", Value: 1}
		data, _ := json.Marshal(msg)

		var fields map[string]interface{}
		json.Unmarshal(data, &fields)
		if _, ok := fields["address"]; ok {
			t.Error("empty address should be omitted")
		}
	})
}

func TestWriteMessages_Structure(t *testing.T) {
	t.Run("request parses", func(t *testing.T) {
		payload := []byte(`{"plc":"press","tag":"setpoint","value":42,"request_id":"req-7","timestamp":"2025-01-15T10:30:45Z"}`)

		var req WriteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if req.PLC != "press" || req.Tag != "setpoint" || req.RequestID != "req-7" {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Value != float64(42) {
			t.Errorf("value = %v (%T), want float64 42", req.Value, req.Value)
		}
		if req.Timestamp.IsZero() {
			t.Error("timestamp not parsed")
		}
	})

	t.Run("success response omits flags", func(t *testing.T) {
		resp := WriteResponse{
			PLC:       "press",
			Tag:       "setpoint",
			Value:     42,
			Success:   true,
			Timestamp: time.Now().UTC(),
		}
		data, _ := json.Marshal(resp)

		var fields map[string]interface{}
		json.Unmarshal(data, &fields)
		for _, key := range []string{"error", "skipped", "deduplicated"} {
			if _, ok := fields[key]; ok {
				t.Errorf("successful response should omit %q", key)
			}
		}
	})

	t.Run("deduplicated response carries flag", func(t *testing.T) {
		resp := WriteResponse{
			PLC:          "press",
			Tag:          "setpoint",
			Error:        "request superseded by newer write to same tag",
			Deduplicated: true,
			Timestamp:    time.Now().UTC(),
		}
		data, _ := json.Marshal(resp)

		var fields map[string]interface{}
		json.Unmarshal(data, &fields)
		if fields["deduplicated"] != true {
			t.Error("deduplicated flag lost")
		}
		if fields["success"] != false {
			t.Error("success should be present and false")
		}
	})
}

func TestWriteExpired(t *testing.T) {
	tests := []struct {
		name    string
		ts      time.Time
		maxAge  time.Duration
		expired bool
	}{
		{"zero timestamp never expires", time.Time{}, 30 * time.Second, false},
		{"fresh request", time.Now(), 30 * time.Second, false},
		{"old request", time.Now().Add(-time.Minute), 30 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := writeExpired(tt.ts, tt.maxAge); got != tt.expired {
				t.Errorf("writeExpired = %v, want %v", got, tt.expired)
			}
		})
	}
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("ConnectionStatus(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestSASLMechanism(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		mech, err := saslMechanism(&config.KafkaConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mech != nil {
			t.Error("empty mechanism should disable SASL")
		}
	})

	t.Run("plain", func(t *testing.T) {
		cfg := &config.KafkaConfig{SASLMechanism: SASLPlain, Username: "u", Password: "p"}
		mech, err := saslMechanism(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mech.Name() != "PLAIN" {
			t.Errorf("mechanism = %q", mech.Name())
		}
	})

	t.Run("scram sha-512", func(t *testing.T) {
		cfg := &config.KafkaConfig{SASLMechanism: SASLSCRAMSHA512, Username: "u", Password: "p"}
		mech, err := saslMechanism(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mech.Name() != "SCRAM-SHA-512" {
			t.Errorf("mechanism = %q", mech.Name())
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		cfg := &config.KafkaConfig{SASLMechanism: "GSSAPI"}
		if _, err := saslMechanism(cfg); err == nil {
			t.Error("expected error for unsupported mechanism")
		}
	})
}
