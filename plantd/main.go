package main

import (
	"context"
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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/itohio/goplant/pkg/api"
	"github.com/itohio/goplant/pkg/config"
	"github.com/itohio/goplant/pkg/controller"
	"github.com/itohio/goplant/pkg/rig"
	"github.com/itohio/goplant/pkg/store"
	"github.com/itohio/goplant/pkg/telemetry"
	"github.com/itohio/goplant/pkg/watering"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., /dev/ttyACM0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use simulated rig instead of serial port")
		listenFlag = flag.String("listen", "", "HTTP listen address override (e.g., :8080)")
		portsFlag  = flag.Bool("ports", false, "List serial ports and exit")
		writeFlag  = flag.Bool("write-config", false, "Write the effective configuration and exit")
	)
	flag.Parse()

	if *portsFlag {
		listPorts()
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *listenFlag != "" {
		cfg.HTTP.Listen = *listenFlag
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *writeFlag {
		if err := cfg.Save(*configFlag); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mockFlag); err != nil {
		log.Fatalf("plantd: %v", err)
	}
}

func listPorts() {
	ports, err := rig.Ports()
	if err != nil {
		log.Fatalf("Failed to list ports: %v", err)
	}
	for _, p := range ports {
		fmt.Println(p.Name)
	}
}

func run(ctx context.Context, cfg *config.Config, mock bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var device rig.Device
	if mock {
		device = rig.NewMock(&cfg.Mock, cfg.Scales)
	} else {
		device = rig.New(cfg.Serial)
	}
	if err := device.Connect(); err != nil {
		return err
	}
	defer device.Close()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	warnUnconfigured(db, cfg.Scales)

	sched := watering.NewScheduler(device.Stepper(), device.Servo(), device.Pump(), cfg.Scheduler.Options())
	ctrl := controller.New(cfg.Control, controller.SystemClock{}, sched, device.LoadCell(), db)

	for _, sc := range cfg.Scales {
		if err := sched.Register(sc.Scale()); err != nil {
			return fmt.Errorf("failed to register scale %d: %w", sc.ID, err)
		}

		cal, rec := sc.Calibration, sc.Protocol
		if stored, err := db.LoadCalibration(sc.ID); err == nil {
			cal = stored
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("scale %d: ignoring stored calibration: %v", sc.ID, err)
		}
		if stored, err := db.LoadProtocol(sc.ID); err == nil {
			rec = stored
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("scale %d: ignoring stored protocol: %v", sc.ID, err)
		}

		// Invalid protocols are fatal configuration errors.
		if err := ctrl.AddStation(sc.ID, device.Channel(sc.ID), cal, rec); err != nil {
			return err
		}
		if !cal.Populated() {
			log.Printf("scale %d is not calibrated and will not be watered automatically", sc.ID)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg, func() int { return len(sched.Pending()) })

	var pub telemetry.Publisher
	if cfg.MQTT.Broker != "" {
		m, err := telemetry.DialMQTT(cfg.MQTT)
		if err != nil {
			return err
		}
		defer m.Close()
		pub = m
	}
	reporter := telemetry.NewReporter(metrics, pub, cfg.MQTT.Prefix)
	ctrl.OnUpdate(reporter.OnUpdate)

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.New(ctrl, sched, reg, cfg.Control.Samples),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := ctrl.Run(ctx); err != nil {
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx, func(sc watering.Scale, d watering.Dose) {
			log.Printf("watered scale %d: %d%% for %s", sc.ID, d.Intensity, d.Duration)
			ctrl.MarkWatered(sc.ID, time.Now())
			reporter.OnServiced(sc, d)
		})
	}()
	go func() {
		defer wg.Done()
		log.Printf("listening on %s", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("failed to notify systemd: %v", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to stop http server: %v", err)
	}

	// A watering in progress is finished before the scheduler returns.
	cancel()
	wg.Wait()

	return runErr
}

// warnUnconfigured logs stored calibrations whose scale is no longer configured.
func warnUnconfigured(db *store.Store, scales []config.ScaleConfig) {
	stored, err := db.Calibrations()
	if err != nil {
		log.Printf("failed to list stored calibrations: %v", err)
		return
	}

	configured := make(map[uint8]bool, len(scales))
	for _, sc := range scales {
		configured[sc.ID] = true
	}
	for _, cal := range stored {
		if !configured[cal.Scale] {
			log.Printf("stored calibration of scale %d has no configured scale", cal.Scale)
		}
	}
}
