package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/gimbal.aim/internal/api"
	"github.com/banshee-data/gimbal.aim/internal/config"
	"github.com/banshee-data/gimbal.aim/internal/db"
	"github.com/banshee-data/gimbal.aim/internal/gimbal"
	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/mqttpub"
	"github.com/banshee-data/gimbal.aim/internal/pipeline"
	"github.com/banshee-data/gimbal.aim/internal/protocol"
	"github.com/banshee-data/gimbal.aim/internal/replay"
	"github.com/banshee-data/gimbal.aim/internal/serialmux"
	"github.com/banshee-data/gimbal.aim/internal/timeutil"
	"github.com/banshee-data/gimbal.aim/internal/tracking"
	"github.com/banshee-data/gimbal.aim/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Simulate the gimbal control unit instead of opening the serial port")
	disableSerial = flag.Bool("disable-serial", false, "Run without a control unit; commands are counted and dropped")
	listen        = flag.String("listen", ":8080", "Listen address")
	port          = flag.String("port", "/dev/ttyACM0", "Serial port of the gimbal control unit (ignored in dev mode)")
	configPath    = flag.String("config", "", "Tuning config JSON (default "+config.DefaultConfigPath+" when present)")
	dbPath        = flag.String("db", "aim_sessions.db", "Session database; empty disables recording")
	replayPath    = flag.String("replay", "", "Feed detector output from a JSON-lines fixture")
	replayLoop    = flag.Bool("loop", false, "Restart the replay fixture after its last frame")
	mqttBroker    = flag.String("mqtt-broker", "", "MQTT broker to publish frame outcomes to, e.g. tcp://localhost:1883 (empty disables)")
	mqttTopic     = flag.String("mqtt-topic", mqttpub.DefaultTopicPrefix, "MQTT topic prefix")
	statsInterval = flag.Duration("stats-interval", 10*time.Second, "Interval between pipeline stats log lines (0 disables)")
	debugLog      = flag.Bool("debug", false, "Enable debug logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func loadTuning() *config.TuningConfig {
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			log.Printf("no tuning config found, using built-in defaults")
			return config.DefaultTuningConfig()
		}
		path = config.DefaultConfigPath
	}
	cfg, err := config.LoadTuningConfig(path)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	log.Printf("loaded tuning config from %s", path)
	return cfg
}

func openTransport(tuning *config.TuningConfig) (serialmux.SerialMuxInterface, string) {
	switch {
	case *disableSerial:
		return serialmux.NewDisabledSerialMux(), "disabled"
	case *devMode:
		return serialmux.NewMockSerialMux(protocol.GimbalTelemetry{}), "mock"
	}
	m, err := serialmux.NewRealSerialMux(*port, serialmux.PortOptionsFromTuning(tuning))
	if err != nil {
		log.Fatalf("failed to open gimbal port: %v", err)
	}
	return m, "serial:" + *port
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], *dbPath)
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetDebug(*debugLog)

	tuning := loadTuning()

	m, transport := openTransport(tuning)
	defer m.Close()

	stamps := timeutil.NewStampClock(timeutil.RealClock{})
	cache := gimbal.NewCache(stamps, tuning.GetGimbalDelay())
	tracker := tracking.NewTracker(tracking.ConfigFromTuning(tuning), cache)
	slot := pipeline.NewFrameSlot()

	var source *replay.Source
	if *replayPath != "" {
		fixtures, err := replay.LoadFile(*replayPath)
		if err != nil {
			log.Fatalf("failed to load replay fixture: %v", err)
		}
		source = replay.NewSource(fixtures, stamps)
		source.Loop = *replayLoop
		log.Printf("replaying %d frames from %s", len(fixtures), *replayPath)
	} else {
		log.Printf("no frame source configured, waiting for frames")
	}

	var database *db.DB
	var recorder *db.Recorder
	if *dbPath != "" {
		var err error
		database, err = db.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}

		cfgJSON, err := json.Marshal(tuning)
		if err != nil {
			log.Fatalf("failed to encode tuning config: %v", err)
		}
		sourceName := transport
		if *replayPath != "" {
			sourceName = "replay:" + *replayPath
		}
		sessionID, err := database.StartSession(string(cfgJSON), sourceName)
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		recorder = db.NewRecorder(database, sessionID, nil)
		recorder.SetFlushInterval(tuning.GetRecordFlushInterval())
		log.Printf("recording session %s to %s", sessionID, *dbPath)
	}

	var publisher *mqttpub.Publisher
	if *mqttBroker != "" {
		var err error
		publisher, err = mqttpub.Connect(mqttpub.Options{Broker: *mqttBroker, TopicPrefix: *mqttTopic})
		if err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		log.Printf("publishing frame outcomes to %s under %s", *mqttBroker, *mqttTopic)
	}

	var recorders pipeline.Tee
	deps := api.Deps{
		Tracker:   tracker,
		Gimbal:    cache,
		Transport: m,
		OnConfig:  func(c *config.TuningConfig) { cache.SetDelay(c.GetGimbalDelay()) },
	}
	if recorder != nil {
		recorders = append(recorders, recorder)
		deps.Recorder = recorder
	}
	if publisher != nil {
		recorders = append(recorders, publisher)
		deps.Publisher = publisher
	}
	var rec pipeline.Recorder
	if len(recorders) > 0 {
		rec = recorders
	}
	runner := pipeline.NewRunner(slot, tracker, m, rec, nil)
	deps.Pipeline = runner

	// Create a wait group for the HTTP server, serial monitor, frame loop and helpers
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// recorders outlive the frame loop so its last frame is still written
	recCtx, stopRecording := context.WithCancel(context.Background())
	defer stopRecording()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("serial monitor stopped: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// feed decoded telemetry into the gimbal cache
	wg.Add(1)
	go func() {
		defer wg.Done()
		serialmux.FeedTelemetry(ctx, m, cache)
		log.Print("telemetry routine terminated")
	}()

	// the frame loop; when it ends the service shuts down
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		defer stopRecording()
		err := runner.Run(ctx)
		switch {
		case err == nil:
			log.Print("frame source finished")
		case errors.Is(err, context.Canceled):
		default:
			log.Printf("frame loop stopped: %v", err)
		}
	}()

	if source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.Run(ctx, slot); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("replay stopped: %v", err)
			}
		}()
	}

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(recCtx); err != nil {
				log.Printf("recorder stopped: %v", err)
			}
			st := recorder.Stats()
			log.Printf("recorder flushed: %d written, %d dropped, %d failed", st.Written, st.Dropped, st.Failed)
		}()
	}

	if publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Run(recCtx); err != nil {
				log.Printf("mqtt publisher stopped: %v", err)
			}
			st := publisher.Stats()
			log.Printf("mqtt publisher done: %d published, %d dropped, %d failed", st.Published, st.Dropped, st.Failed)
		}()
	}

	if *statsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.LogStats(ctx, *statsInterval)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// admin debugging routes are reachable from loopback or over Tailscale only
		m.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}
		mux.Handle("/api/", api.LoggingMiddleware(api.NewServer(deps, tuning).ServeMux()))

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
