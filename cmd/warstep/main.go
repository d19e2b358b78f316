// Warstep is an S7 PLC data gateway: it polls tags over S7comm with
// batched, plan-optimized reads and republishes value changes to
// MQTT, Valkey, Kafka, and a REST API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"warstep/api"
	"warstep/config"
	"warstep/kafka"
	"warstep/logging"
	"warstep/monitor"
	"warstep/mqtt"
	"warstep/plcman"
	"warstep/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	withMonitor = flag.Bool("monitor", false, "Show the live terminal monitor")
	checkOnly   = flag.Bool("check", false, "Validate the configuration and exit")
	hashAPIKey  = flag.String("hash-api-key", "", "Print the bcrypt hash of an API key and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("warstep %s\n", Version)
		os.Exit(0)
	}

	if *hashAPIKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*hashAPIKey), bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error hashing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if *checkOnly {
		fmt.Printf("%s: OK (%d PLCs, %d MQTT, %d Valkey, %d Kafka)\n",
			*configPath, len(cfg.PLCs), len(cfg.MQTT), len(cfg.Valkey), len(cfg.Kafka))
		return
	}

	run(cfg, *withMonitor)
}

// run is the gateway startup flow for both headless and monitor modes.
func run(cfg *config.Config, withMonitor bool) {
	// Debug logging first so startup itself is visible in the log.
	var debugLogger *logging.DebugLogger
	if cfg.Debug.Enabled {
		file := cfg.Debug.File
		if file == "" {
			file = "warstep-debug.log"
		}
		var err error
		debugLogger, err = logging.SetDebugFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			debugLogger.SetFilter(strings.Join(cfg.Debug.Protocols, ","))
			// Stderr echo would corrupt the monitor's terminal.
			debugLogger.SetEcho(cfg.Debug.Stderr && !withMonitor)
		}
	}

	// Create the PLC manager and publishers.
	manager := plcman.NewManager(cfg.PollRate)
	manager.LoadFromConfig(cfg)

	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.Namespace, cfg.MQTT)

	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Namespace, cfg.Valkey)

	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfig(cfg.Namespace, cfg.Kafka)

	apiServer := api.NewServer(&gateway{
		plcMan:    manager,
		mqttMgr:   mqttMgr,
		valkeyMgr: valkeyMgr,
		kafkaMgr:  kafkaMgr,
	}, &cfg.REST)

	var mon *monitor.Monitor
	if withMonitor {
		mon = monitor.New(manager)
	}

	setupValueChangeFanout(manager, mqttMgr, valkeyMgr, kafkaMgr, apiServer, mon)
	setupWriteHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr)

	manager.SetOnChange(func() {
		apiServer.PublishStatus()
	})

	// MQTT write subscriptions are per PLC.
	plcNames := make([]string, len(cfg.PLCs))
	for i, plc := range cfg.PLCs {
		plcNames[i] = plc.Name
	}
	mqttMgr.SetPLCNames(plcNames)

	// Late-connecting Valkey servers get a full snapshot.
	valkeyMgr.SetOnConnectCallback(func() {
		forcePublishAllToValkey(manager, valkeyMgr)
	})

	// Start polling, then the API, then connect everything.
	manager.Start()

	if cfg.REST.Enabled {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST server: %v\n", err)
		} else if !withMonitor {
			fmt.Printf("REST API at %s\n", apiServer.Address())
		}
	}

	manager.ConnectEnabled()

	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			forcePublishAllToMQTT(manager, mqttMgr)
		}
	}()
	go func() {
		if started := valkeyMgr.StartAll(); started > 0 {
			forcePublishAllToValkey(manager, valkeyMgr)
		}
	}()
	go kafkaMgr.ConnectEnabled()

	healthStop := make(chan struct{})
	go publishHealthLoop(manager, mqttMgr, valkeyMgr, kafkaMgr, healthStop)

	shutdown := func() {
		close(healthStop)

		done := make(chan struct{})
		go func() {
			mqttMgr.StopAll()
			valkeyMgr.StopAll()
			kafkaMgr.StopAll()
			apiServer.Stop()
			manager.Stop()
			manager.DisconnectAll()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}

		logging.CloseDebugLog()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if mon != nil {
		mon.SetOnQuit(mon.Stop)
		go func() {
			<-sigChan
			mon.Stop()
		}()

		if err := mon.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		shutdown()
		return
	}

	fmt.Println("Running headless. Press Ctrl+C to stop.")
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)
	shutdown()
	fmt.Println("Stopped")
}

// setupValueChangeFanout routes tag value changes to every consumer.
// Each publisher runs on its own goroutine so a slow broker cannot
// stall the others or the poll loop.
func setupValueChangeFanout(manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, apiServer *api.Server, mon *monitor.Monitor) {
	manager.SetOnValueChange(func(changes []plcman.ValueChange) {
		if mon != nil {
			mon.ApplyChanges(changes)
		}
		apiServer.PublishChanges(changes)

		mqttRunning := mqttMgr.AnyRunning()
		valkeyRunning := valkeyMgr.AnyRunning()
		kafkaPublishing := kafkaMgr.AnyPublishing()
		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		changesCopy := make([]plcman.ValueChange, len(changes))
		copy(changesCopy, changes)

		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					// The change callback already filtered, so force past
					// the publisher's own dedup.
					mqttMgr.Publish(c.PLCName, c.PublishName(), c.TypeName, c.Value, true)
				}
			}()
		}
		if valkeyRunning {
			go func() {
				for _, c := range changesCopy {
					valkeyMgr.Publish(c.PLCName, c.TagName, c.Alias, c.Address, c.TypeName, c.Value, c.Writable)
				}
			}()
		}
		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					kafkaMgr.Publish(c.PLCName, c.TagName, c.Alias, c.Address, c.TypeName, c.Value, c.Writable, true)
				}
			}()
		}
	})
}

// setupWriteHandlers wires write requests arriving over MQTT, Valkey,
// and Kafka back to the PLC manager.
func setupWriteHandlers(manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	writeHandler := func(plcName, tagName string, value interface{}) error {
		return manager.WriteTag(plcName, tagName, value)
	}

	writeValidator := func(plcName, tagName string) bool {
		plc := manager.GetPLC(plcName)
		if plc == nil {
			return false
		}
		found, writable := plc.GetTagInfo(tagName)
		return found && writable
	}

	mqttMgr.SetWriteHandler(writeHandler)
	mqttMgr.SetWriteValidator(writeValidator)
	mqttMgr.SetTagTypeLookup(manager.TagType)

	valkeyMgr.SetWriteHandler(writeHandler)
	valkeyMgr.SetWriteValidator(writeValidator)
	valkeyMgr.SetTagTypeLookup(manager.TagType)

	kafkaMgr.SetWriteHandler(writeHandler)
	kafkaMgr.SetWriteValidator(writeValidator)
	kafkaMgr.SetTagTypeLookup(manager.TagType)
}

// forcePublishAllToMQTT pushes every cached value to MQTT brokers for
// an initial sync after a broker connects.
func forcePublishAllToMQTT(manager *plcman.Manager, mqttMgr *mqtt.Manager) {
	values := manager.GetAllCurrentValues()
	logging.DebugLog("mqtt", "initial sync: publishing %d values", len(values))
	for _, v := range values {
		mqttMgr.Publish(v.PLCName, v.PublishName(), v.TypeName, v.Value, true)
	}
}

// forcePublishAllToValkey pushes every cached value to Valkey servers
// for an initial sync after a server connects.
func forcePublishAllToValkey(manager *plcman.Manager, valkeyMgr *valkey.Manager) {
	values := manager.GetAllCurrentValues()
	logging.DebugLog("valkey", "initial sync: publishing %d values", len(values))
	for _, v := range values {
		valkeyMgr.Publish(v.PLCName, v.TagName, v.Alias, v.Address, v.TypeName, v.Value, v.Writable)
	}
}

// publishHealthLoop publishes PLC health to all services every 10
// seconds until stopped.
func publishHealthLoop(manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, stop chan struct{}) {
	// Give PLCs a moment to connect so the first report is meaningful.
	select {
	case <-time.After(2 * time.Second):
	case <-stop:
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	publishAllHealth(manager, mqttMgr, valkeyMgr, kafkaMgr)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			publishAllHealth(manager, mqttMgr, valkeyMgr, kafkaMgr)
		}
	}
}

// publishAllHealth publishes one health report per PLC to MQTT,
// Valkey, and Kafka.
func publishAllHealth(manager *plcman.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	for _, plc := range manager.ListPLCs() {
		name := plc.Config.Name
		driver := string(plc.Config.GetDriver())
		status := plc.GetStatus()
		online := status == plcman.StatusConnected

		errMsg := ""
		if err := plc.GetError(); err != nil {
			errMsg = err.Error()
		}

		mqttMgr.PublishHealth(name, status.String())
		valkeyMgr.PublishHealth(name, driver, online, status.String(), errMsg)
		kafkaMgr.PublishHealth(name, driver, online, status.String(), errMsg)
	}
}

// gateway bundles the managers for the REST API.
type gateway struct {
	plcMan    *plcman.Manager
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
}

func (g *gateway) GetPLCMan() *plcman.Manager    { return g.plcMan }
func (g *gateway) GetMQTTMgr() *mqtt.Manager     { return g.mqttMgr }
func (g *gateway) GetValkeyMgr() *valkey.Manager { return g.valkeyMgr }
func (g *gateway) GetKafkaMgr() *kafka.Manager   { return g.kafkaMgr }
