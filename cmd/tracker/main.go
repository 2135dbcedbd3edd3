// Command tracker is the GPS-tracker device client: it provisions an
// X.509 identity against the hub (or authenticates with a legacy
// connection string), maintains a persistent MQTT/TLS session, applies
// twin configuration, and simulates device motion and telemetry for
// load testing. This is a thin composition root; the domain logic
// lives entirely under internal/.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Afulu-M/mqtt-tracker-simulator/internal/clock"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/config"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/connmgr"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/engine"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/eventbus"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/geo"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/policy"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/provisioning"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/rng"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/runtime"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/simulator"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/telemetry"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/token"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/transport"
	"github.com/Afulu-M/mqtt-tracker-simulator/internal/twin"
)

const (
	exitOK               = 0
	exitConfigError      = 1
	exitConnectionError  = 2
	exitCertificateError = 3
	exitRuntimeError     = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)

	fs := flag.NewFlagSet("tracker", flag.ContinueOnError)
	configPath := fs.String("config", "simulator.toml", "path to simulator.toml")
	driveMinutes := fs.Int("drive", 0, "start an automated driving session for N minutes")
	spikeCount := fs.Int("spike", 0, "emit N events with 100ms spacing, then exit")
	headless := fs.Bool("headless", false, "disable interactive stdin commands")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("kind=ConfigError cause=%v", err)
		return exitConfigError
	}

	usingDPS := cfg.DPS.IDScope != ""
	if usingDPS {
		for _, p := range []string{cfg.CertPath, cfg.KeyPath} {
			if _, statErr := os.Stat(p); statErr != nil {
				logger.Printf("kind=CertificateError cause=%v", statErr)
				return exitCertificateError
			}
		}
	}

	a, err := bootstrap(cfg, usingDPS, logger)
	if err != nil {
		logger.Printf("kind=ConnectionError cause=%v", err)
		return exitConnectionError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runtime.SetupGracefulShutdown(cancel, logger)

	if *driveMinutes > 0 {
		a.sim.StartDriving(time.Duration(*driveMinutes) * time.Minute)
	}
	if *spikeCount > 0 {
		a.sim.GenerateSpike(*spikeCount)
		for a.sim.SpikeRemaining() > 0 {
			a.sim.EmitSpikeEvent()
			a.bus.ProcessEvents()
			time.Sleep(100 * time.Millisecond)
		}
		logger.Println("spike complete")
		return exitOK
	}

	if !*headless {
		go a.runInteractive(logger)
	}

	ticker := &runtime.Ticker{
		Period:  time.Second,
		Drivers: []func(){a.tick},
	}
	ticker.Run(ctx)

	logger.Println("tracker stopped")
	return exitOK
}

// app bundles every composed component the tick loop and interactive
// commands need to reach.
type app struct {
	hub    provisioning.Conn // set once connected, either path
	mgr    *connmgr.Manager  // only populated on the DPS path
	eng    *engine.Engine
	bus    *eventbus.Bus
	sim    *simulator.Simulator
	pipe   *telemetry.Pipeline
	twinAd *twin.Adapter

	lastHeartbeat time.Time
	clock         clock.Clock
	logger        *log.Logger
}

func bootstrap(cfg *config.Config, usingDPS bool, logger *log.Logger) (*app, error) {
	c := clock.Real{}
	bus := eventbus.New(logger)
	pol := policy.Default()

	deviceID := cfg.Connection.DeviceID
	if deviceID == "" {
		deviceID = cfg.DPS.IMEI
	}

	eng := engine.New(c, pol.Power, logger, nil)
	eng.HandleCommand([]byte(fmt.Sprintf(`{"cmd":"setHeartbeatSeconds","value":%d}`, cfg.Simulation.HeartbeatSeconds)))
	eng.HandleCommand([]byte(fmt.Sprintf(`{"cmd":"setSpeedLimit","value":%v}`, cfg.Simulation.SpeedLimitKph)))

	var route []geo.Point
	for _, p := range cfg.Route {
		route = append(route, geo.Point{Lat: p.Lat, Lon: p.Lon})
	}
	var fences []geo.Geofence
	for _, f := range cfg.Geofences {
		fences = append(fences, geo.Geofence{ID: f.ID, Center: geo.Point{Lat: f.Lat, Lon: f.Lon}, RadiusMeters: f.RadiusMeters})
	}

	var sequence uint64
	sim := simulator.New(simulator.Config{
		DeviceID:   deviceID,
		StartLoc:   geo.Point{Lat: cfg.Simulation.StartLat, Lon: cfg.Simulation.StartLon},
		StartAlt:   cfg.Simulation.StartAlt,
		SpeedLimit: cfg.Simulation.SpeedLimitKph,
		Route:      route,
		Geofences:  fences,
	}, c, eng, bus, rng.Real{}, logger, &sequence)
	eng.SetEmit(sim.DomainEvent)

	a := &app{eng: eng, bus: bus, sim: sim, clock: c, logger: logger}

	if usingDPS {
		if err := a.connectDPS(cfg, logger, c); err != nil {
			return nil, err
		}
	} else {
		if err := a.connectLegacy(cfg, logger); err != nil {
			return nil, err
		}
	}

	a.pipe = telemetry.New(a.hub, c, logger, pol, deviceID)
	a.pipe.Subscribe(bus)

	a.twinAd = twin.New(a.hub, c, logger, "config_applied.json", "config_error.json")
	if err := a.twinAd.Init(); err != nil {
		logger.Printf("kind=TwinError cause=%v", err)
	} else if err := a.twinAd.RequestFullTwin(twin.NewRequestID()); err != nil {
		logger.Printf("kind=TwinError cause=%v", err)
	}

	return a, nil
}

// connectDPS drives the provisioning state machine (C3) and then holds a
// live connmgr.Manager for the rest of the session, including reconnect.
func (a *app) connectDPS(cfg *config.Config, logger *log.Logger, c clock.Clock) error {
	identity := connmgr.Identity{
		IDScope:  cfg.DPS.IDScope,
		IMEI:     cfg.DPS.IMEI,
		Endpoint: "global.azure-devices-provisioning.net",
		TLS: transport.Identity{
			CertPath:     cfg.CertPath,
			KeyPath:      cfg.KeyPath,
			CAPath:       cfg.DPS.RootCAPath,
			VerifyServer: cfg.DPS.VerifyServerCert,
		},
	}

	mgr := connmgr.New(identity, func() provisioning.Conn { return transport.New(logger) }, c, logger)
	mgr.OnCommand(func(_ string, payload []byte) { a.eng.HandleCommand(payload) })
	// a.twinAd is constructed after the hub connects; this closure reads
	// it at call time, once messages are actually flowing.
	mgr.OnTwinMessage(func(topic string, payload []byte) {
		if a.twinAd != nil {
			a.twinAd.HandleMessage(topic, payload)
		}
	})

	connected := make(chan error, 1)
	mgr.OnStateChange(func(s connmgr.State) {
		switch s {
		case connmgr.Connected:
			select {
			case connected <- nil:
			default:
			}
		case connmgr.Failed:
			select {
			case connected <- fmt.Errorf("connmgr: provisioning/connect failed"):
			default:
			}
		}
	})

	if err := mgr.Connect(); err != nil {
		return err
	}

	// Provisioning runs asynchronously over the transport's own event
	// loop; pump it here until the manager reaches a terminal state.
	deadline := time.Now().Add(30 * time.Second)
	for {
		mgr.ProcessEvents()
		select {
		case err := <-connected:
			if err != nil {
				return err
			}
			a.mgr = mgr
			a.hub = mgr.HubTransport()
			return nil
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("connmgr: timed out waiting for provisioning/connect")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// connectLegacy authenticates directly against the hub with a
// connection-string-derived SAS token, bypassing DPS entirely.
func (a *app) connectLegacy(cfg *config.Config, logger *log.Logger) error {
	key, err := parseConnectionStringKey(cfg.Connection.ConnectionString)
	if err != nil {
		return err
	}
	secret := key
	if secret == "" {
		secret = cfg.Connection.DeviceKeyBase64
	}

	tr := transport.New(logger)
	// The legacy path has no connmgr to own the transport's single message
	// slot, so the composition root does the same topic-based fan out
	// directly: twin/-prefixed topics go to the twin adapter (once built,
	// later in bootstrap), everything else is a cloud-to-device command.
	tr.OnMessage(func(topic string, payload []byte) {
		if strings.HasPrefix(topic, "twin/") {
			if a.twinAd != nil {
				a.twinAd.HandleMessage(topic, payload)
			}
			return
		}
		a.eng.HandleCommand(payload)
	})

	tok, err := token.Generate(token.Config{
		Host:            cfg.Connection.IoTHubHost,
		DeviceID:        cfg.Connection.DeviceID,
		SharedSecretB64: secret,
	}, a.clock.Now().Add(time.Hour))
	if err != nil {
		return err
	}

	username := fmt.Sprintf("%s/%s/?api-version=2021-06-01", cfg.Connection.IoTHubHost, cfg.Connection.DeviceID)
	if err := tr.ConnectPassword(cfg.Connection.IoTHubHost, 8883, cfg.Connection.DeviceID, username, tok); err != nil {
		return err
	}
	if err := tr.Subscribe(fmt.Sprintf("devices/%s/messages/devicebound/#", cfg.Connection.DeviceID), 1); err != nil {
		return err
	}

	a.hub = tr
	return nil
}

// parseConnectionStringKey extracts SharedAccessKey from a
// "HostName=...;DeviceId=...;SharedAccessKey=..." connection string. An
// empty input is not an error: the caller falls back to DeviceKeyBase64.
func parseConnectionStringKey(connStr string) (string, error) {
	if connStr == "" {
		return "", nil
	}
	for _, part := range strings.Split(connStr, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && kv[0] == "SharedAccessKey" {
			return kv[1], nil
		}
	}
	return "", fmt.Errorf("connection string missing SharedAccessKey")
}

func (a *app) tick() {
	if a.mgr != nil {
		a.mgr.ProcessEvents()
		if a.mgr.ReconnectNeeded() {
			_ = a.mgr.AttemptReconnect()
		}
	} else if tr, ok := a.hub.(*transport.Transport); ok {
		tr.ProcessEvents()
	}

	a.bus.ProcessEvents()
	a.pipe.ProcessEvents()

	a.eng.ProcessParkingTimerTick()
	a.sim.Tick(1.0)

	now := a.clock.Now()
	interval := time.Duration(a.eng.HeartbeatSeconds()) * time.Second
	if now.Sub(a.lastHeartbeat) >= interval {
		a.lastHeartbeat = now
		a.sim.Heartbeat()
	}

	for a.sim.SpikeRemaining() > 0 {
		a.sim.EmitSpikeEvent()
		time.Sleep(100 * time.Millisecond)
	}
}

// runInteractive reads single-character stdin commands until stdin
// closes or the process exits.
func (a *app) runInteractive(logger *log.Logger) {
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		switch strings.TrimSpace(line) {
		case "i":
			a.sim.SetIgnition(!a.eng.IgnitionOn())
		case "s":
			fmt.Print("speed (kph): ")
			if kph, err := readFloat(reader); err == nil {
				a.sim.SetSpeed(kph)
			}
		case "b":
			fmt.Print("battery (%): ")
			if pct, err := readFloat(reader); err == nil {
				a.sim.SetBatteryPercentage(pct)
			}
		case "d":
			fmt.Print("drive minutes: ")
			if mins, err := readInt(reader); err == nil {
				a.sim.StartDriving(time.Duration(mins) * time.Minute)
			}
		case "p":
			fmt.Print("spike count: ")
			if n, err := readInt(reader); err == nil {
				a.sim.GenerateSpike(n)
			}
		case "q":
			logger.Println("quit requested")
			os.Exit(exitOK)
		default:
			logger.Printf("unrecognized command %q", strings.TrimSpace(line))
		}
	}
}

func readFloat(r *bufio.Reader) (float64, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(line), 64)
}

func readInt(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(line))
}
