package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/kettler-bridge/internal/bike"
	"github.com/lowaak/kettler-bridge/internal/ble"
	"github.com/lowaak/kettler-bridge/internal/config"
	"github.com/lowaak/kettler-bridge/internal/kettler"
	"github.com/lowaak/kettler-bridge/internal/safego"
	"github.com/lowaak/kettler-bridge/internal/web"
)

// bikeController implements ble.Controller over the state machine and the
// serial link.
type bikeController struct {
	logger *log.Logger
	bike   *bike.State
	link   *kettler.Link
}

func (c *bikeController) RequestControl() bool {
	// Any central may take control, matching how the head unit behaves.
	return true
}

func (c *bikeController) Reset() {
	c.link.Restart()
	c.bike.Restart()
}

func (c *bikeController) SetTargetPower(watts int) bool {
	c.bike.SetTargetPower(watts)
	return true
}

func (c *bikeController) SetSimulation(windspeed, grade, crr, cw float64) bool {
	c.bike.SetConditions(windspeed, grade, crr, cw)
	return true
}

func (c *bikeController) Start() {
	c.logger.Printf("Controller: workout started")
}

func (c *bikeController) Stop() {
	c.logger.Printf("Controller: workout stopped")
}

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	must("load config", err)

	logger := log.New(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
	}), "", log.LstdFlags)

	logger.Printf("=== Kettler USB to BLE bridge ===")
	logger.Printf("Serial port %s @ %d baud, advertising as %q", cfg.SerialPort, cfg.BaudRate, cfg.DeviceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bikeState := bike.NewState(logger)
	bikeState.SetGear(cfg.InitGear)

	link := kettler.NewLink(kettler.PortOpener(cfg.SerialPort, cfg.BaudRate), logger)

	hub := web.NewHub(bikeState, logger)

	stack := ble.NewTinygoStack(bluetooth.DefaultAdapter, logger)
	controller := &bikeController{logger: logger, bike: bikeState, link: link}
	bridge := ble.NewBridge(stack, controller, logger)

	// Serial telemetry feeds the state machine, which fans it out to the
	// BLE bridge and the dashboard. Resistance commands flow back down.
	link.ListenTelemetry(bikeState.OnTelemetry)
	link.ListenKey(func(key int) {
		logger.Printf("Main: head unit key %d", key)
	})
	link.ListenStatus(func(status kettler.Status) {
		hub.SetUSBStatus(status.String())
	})
	bikeState.ListenTelemetry(bridge.OnTelemetry)
	bikeState.ListenResistance(link.SetResistance)

	link.Open()

	// BLE failures leave the serial side and dashboard running; the status
	// just reads disabled.
	safego.Go(logger, func() {
		if err := bridge.Start(cfg.DeviceName); err != nil {
			logger.Printf("Main: BLE setup failed: %v", err)
			hub.SetBLEStatus("disabled")
			return
		}
		if err := stack.Advertise(); err != nil {
			logger.Printf("Main: BLE advertising failed: %v", err)
			hub.SetBLEStatus("disabled")
			return
		}
		hub.SetBLEStatus("advertising")
	})

	var wg sync.WaitGroup
	wg.Add(1)
	safego.Go(logger, func() {
		defer wg.Done()
		if err := hub.Run(ctx, cfg.WebListen); err != nil {
			logger.Printf("Main: dashboard failed: %v", err)
			cancel()
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Printf("Main: received %v, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	link.Close()
	wg.Wait()
	logger.Printf("Main: shutdown complete")
}

func must(action string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to %s: %v\n", action, err)
		os.Exit(1)
	}
}
