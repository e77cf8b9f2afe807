package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/owenhdiba/tindeq-sonification/internal/bt"
	"github.com/owenhdiba/tindeq-sonification/internal/config"
	"github.com/owenhdiba/tindeq-sonification/internal/controller"
	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
	"github.com/owenhdiba/tindeq-sonification/internal/progressor"
	"github.com/owenhdiba/tindeq-sonification/internal/sonify"
	"github.com/owenhdiba/tindeq-sonification/internal/tui"
)

// chanWriter forwards log lines to the UI log pane. Writes never block; a
// slow UI drops lines rather than stalling the logger.
type chanWriter struct {
	ch chan<- string
}

func (w *chanWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- strings.TrimRight(string(p), "\n"):
	default:
	}
	return len(p), nil
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logFile := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
	}
	defer logFile.Close()

	uiLogChan := make(chan string, 64)
	logger := log.New(io.MultiWriter(logFile, &chanWriter{ch: uiLogChan}), "", log.LstdFlags)
	logger.Printf("main: starting (device prefix %q, tone %.0f Hz)", cfg.DeviceNamePrefix, cfg.ToneFrequency)

	manager := bt.NewManager(bluetooth.DefaultAdapter, logger)
	must("enable BLE stack", manager.Enable())

	// Hand-off points between the notification callback, the audio engine
	// and the poll loop.
	plot := handoff.NewPlotQueue()
	load := handoff.NewLatestValue[float64]()
	activation := handoff.NewLatestValue[bool]()

	session := progressor.NewSession(manager, progressor.Config{
		NamePrefix:       cfg.DeviceNamePrefix,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
		TareWindow:       cfg.TareWindow,
	}, func(s handoff.Sample) {
		plot.Push(s)
		load.Put(s.Weight)
	}, logger)

	sampleRate := beep.SampleRate(cfg.SampleRate)
	engine, err := sonify.NewEngine(sampleRate, activation, load, sonify.Params{
		TargetLoad: 1, // replaced with the form's target at run start
		Tolerance:  cfg.Tolerance,
		Frequency:  cfg.ToneFrequency,
		Amplitude:  sonify.DefaultAmplitude,
	})
	must("build sonifier", err)

	must("open audio output", speaker.Init(sampleRate, sampleRate.N(100*time.Millisecond)))
	defer speaker.Close()
	// The engine emits silence until a run activates it, so it can play
	// from startup.
	speaker.Play(engine)

	ctrl := controller.New(session, engine, plot, activation, logger)
	view := tui.New(ctrl, cfg.Countdown, uiLogChan, logger)

	unlistenInfo := session.ListenToInfo(func(info progressor.Info) {
		logger.Printf("device: %s", info.Text)
	})
	defer unlistenInfo()
	unlistenErrors := session.ListenToErrors(func(err error) {
		logger.Printf("device: %v", err)
		ctrl.Abort()
	})
	defer unlistenErrors()

	runErr := view.Run()

	view.Shutdown()
	ctrl.Shutdown()
	if err := session.Disconnect(); err != nil {
		logger.Printf("main: disconnect failed: %v", err)
	}
	manager.Shutdown()
	logger.Printf("main: bye")

	must("run terminal UI", runErr)
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
