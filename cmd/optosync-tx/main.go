package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/optosync/internal/config"
	"github.com/shaunagostinho/optosync/internal/ledconfig"
	"github.com/shaunagostinho/optosync/internal/link"
	"github.com/shaunagostinho/optosync/internal/timing"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	ledPath := flag.String("led", "", "LED configuration JSON to send (overrides paths.led_config)")
	cameraPath := flag.String("camera", "", "Camera settings JSON (overrides paths.camera_config)")
	outDir := flag.String("out", "", "Experiment output directory for timings.json (overrides paths.timings_dir)")
	name := flag.String("name", "", "Experiment name (defaults to the output directory name)")
	port := flag.String("port", "", "Override serial port (e.g. /dev/ttyUSB0)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] optosync-tx starting")

	cfg := config.LoadConfig(*configPath)
	if *ledPath != "" {
		cfg.Paths.LEDConfig = *ledPath
	}
	if *cameraPath != "" {
		cfg.Paths.CameraConfig = *cameraPath
	}
	if *outDir != "" {
		cfg.Paths.TimingsDir = *outDir
	}
	if *port != "" {
		cfg.Link.PortPath = *port
	}
	tm := cfg.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, aborting", sig)
		cancel()
	}()

	led, err := ledconfig.NewStore(cfg.Paths.LEDConfig).Load()
	if err != nil {
		log.Printf("[tx] warning: %v; sending defaults", err)
	}
	camera, err := ledconfig.LoadCamera(cfg.Paths.CameraConfig)
	if err != nil {
		log.Printf("[tx] warning: %v; using default camera settings", err)
	}

	tx, err := link.OpenTransmitter(cfg.LinkSettings(), tm.Settle)
	if err != nil {
		log.Fatalf("[tx] %v", err)
	}
	defer tx.Close()

	if err := run(ctx, tx, led, camera, tm, cfg.Paths.TimingsDir, *name); err != nil {
		log.Printf("[tx] %v", err)
		tx.Close()
		os.Exit(1)
	}
}

// run performs the host sequence: send the configuration, give the
// receiver time to reassemble it, trigger, then time the capture window.
func run(ctx context.Context, tx *link.Transmitter, led ledconfig.Config, camera ledconfig.CameraSettings,
	tm config.Timings, dir, name string) error {

	// the peripheral resets its UART when the port opens
	if err := sleep(ctx, tm.OpenDelay); err != nil {
		return err
	}
	if err := tx.SendConfiguration(ctx, led); err != nil {
		return err
	}

	log.Printf("[tx] waiting %v before trigger", tm.TriggerDelay)
	if err := sleep(ctx, tm.TriggerDelay); err != nil {
		return err
	}
	if err := tx.SendTrigger(tm.TriggerByte); err != nil {
		return err
	}
	start := time.Now()

	window := camera.CaptureWindow()
	log.Printf("[tx] capture window %v (mode %s, %d fps)", window, camera.Mode, camera.Framerate)
	if err := sleep(ctx, window); err != nil {
		return err
	}
	elapsed := time.Since(start)

	path, err := timing.Write(dir, elapsed, name)
	if err != nil {
		// hardware has already run; the record is best effort
		log.Printf("[tx] warning: %v", err)
		return nil
	}
	log.Printf("[tx] done in %v, timings at %s", elapsed.Round(time.Millisecond), path)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
