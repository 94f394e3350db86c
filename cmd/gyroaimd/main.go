package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("gyroaimd v%s\n", version)
	fmt.Println("Gyro aiming daemon: controller motion to virtual gamepad and mouse")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  gyroaimd [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads a game controller and its motion sensors via evdev, applies")
	fmt.Println("  gyro aiming (joystick or mouse mode, flick stick) and re-emits the")
	fmt.Println("  result through a uinput virtual gamepad and a virtual mouse.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (optional; flags override file values)")
	fmt.Println()
	fmt.Println("  -controller string")
	fmt.Println("        Controller event node (default: auto-detect)")
	fmt.Println()
	fmt.Println("  -motion string")
	fmt.Println("        Motion sensor event node (default: \"<controller name> Motion Sensors\")")
	fmt.Println()
	fmt.Println("  -name-match string")
	fmt.Println("        Only auto-detect controllers whose name contains this")
	fmt.Println()
	fmt.Println("  -grab")
	fmt.Println("        Grab the controller exclusively (default true)")
	fmt.Println()
	fmt.Println("  -tick-hz int")
	fmt.Printf("        Engine tick rate in Hz (default %d)\n", defaultTickHz)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/gyroaim.sock\")")
	fmt.Println()
	fmt.Println("  -ws-listen string")
	fmt.Println("        Status websocket listen address (default \"127.0.0.1:3002\")")
	fmt.Println()
	fmt.Println("  -ws")
	fmt.Println("        Enable the status websocket (default true)")
	fmt.Println()
	fmt.Println("  -mqtt")
	fmt.Println("        Publish status to MQTT (default false)")
	fmt.Println()
	fmt.Println("  -mqtt-broker string")
	fmt.Println("        MQTT broker URL (default \"tcp://127.0.0.1:1883\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Auto-detect a DualSense and start in joystick mode")
	fmt.Println("  gyroaimd -name-match dualsense")
	fmt.Println()
	fmt.Println("  # Calibrate the gyro while the daemon runs")
	fmt.Println("  gyroaim-ctl calibrate-gyro")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to /dev/input and write access to /dev/uinput")
	fmt.Println("  - Games should use the virtual gamepad; -grab hides the physical one")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath  = flag.String("config", "", "YAML config file")
		controller  = flag.String("controller", "", "Controller event node (default: auto-detect)")
		motion      = flag.String("motion", "", "Motion sensor event node")
		nameMatch   = flag.String("name-match", "", "Only auto-detect controllers whose name contains this")
		grab        = flag.Bool("grab", true, "Grab the controller exclusively")
		tickHz      = flag.Int("tick-hz", defaultTickHz, "Engine tick rate in Hz")
		ipcSocket   = flag.String("ipc-socket", "/tmp/gyroaim.sock", "Unix domain socket path for IPC")
		wsListen    = flag.String("ws-listen", "127.0.0.1:3002", "Status websocket listen address")
		wsEnabled   = flag.Bool("ws", true, "Enable the status websocket")
		mqttEnabled = flag.Bool("mqtt", false, "Publish status to MQTT")
		mqttBroker  = flag.String("mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
	)

	flag.Usage = printUsage
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "controller":
			o.Controller = controller
		case "motion":
			o.Motion = motion
		case "name-match":
			o.NameMatch = nameMatch
		case "grab":
			o.Grab = grab
		case "tick-hz":
			o.TickHz = tickHz
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "ws-listen":
			o.WSListen = wsListen
		case "ws":
			o.WSEnabled = wsEnabled
		case "mqtt":
			o.MQTTEnabled = mqttEnabled
		case "mqtt-broker":
			o.MQTTBroker = mqttBroker
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run wires the components and blocks until a signal or a fatal error.
func run(cfg Config) error {
	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := setupLogger(logLevel)

	settings, err := cfg.InitialSettings()
	if err != nil {
		return err
	}

	pad, err := newGamepadSink(cfg.Output.UinputPath, cfg.Output.GamepadName)
	if err != nil {
		logger.Error("failed to create virtual gamepad", "error", err, "tip", "load the uinput module and check permissions on "+cfg.Output.UinputPath)
		return err
	}
	defer pad.Close()

	mouse, err := newMouseSink(cfg.Output.UinputPath, cfg.Output.MouseName)
	if err != nil {
		logger.Error("failed to create virtual mouse", "error", err)
		return err
	}
	defer mouse.Close()

	store := NewStore(settings)
	motionState := NewMotionState()
	engine := NewEngine(store, motionState, NewCalibrator(cfg.CalibrationConfig()), logger)
	integrator := NewMotionIntegrator(motionState, store, mouse, cfg.IntegratorConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Central event bus: controller input and action requests.
	events := make(chan Event, 256)

	var broadcasts []chan<- StatusBroadcast

	if cfg.Websocket.Enabled {
		wsBroadcasts := make(chan StatusBroadcast, 64)
		broadcasts = append(broadcasts, wsBroadcasts)

		ws := NewServer(logger, events, ServerConfig{})
		mux := newStatusMux(ws, cfg.Websocket.Path)

		g.Go(func() error {
			ws.Hub().Run(ctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(ctx, ws.Hub(), wsBroadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(ctx, cfg.Websocket.Listen, mux, logger)
		})
	}

	if cfg.MQTT.Enabled {
		pub, err := connectMQTT(cfg.MQTT, logger)
		if err != nil {
			// Telemetry is optional; the controller keeps working without it.
			logger.Warn("MQTT disabled", "error", err)
		} else {
			mqttBroadcasts := make(chan StatusBroadcast, 64)
			broadcasts = append(broadcasts, mqttBroadcasts)
			g.Go(func() error {
				RunMQTTPublisher(ctx, pub, cfg.MQTT.TopicPrefix, mqttBroadcasts, logger)
				return nil
			})
		}
	}

	g.Go(func() error {
		runDaemon(ctx, events, engine, pad, sysfsLED{}, broadcasts, cfg.Engine.TickHz, logger)
		return nil
	})
	g.Go(func() error {
		return NewControllerSource(cfg.Input, events, logger).Run(ctx)
	})
	g.Go(func() error {
		timeout := time.Duration(cfg.IPC.ReplyTimeoutMS) * time.Millisecond
		return runIPCServer(ctx, cfg.IPC.SocketPath, events, timeout, logger)
	})

	logger.Debug("starting gyroaimd", "version", version)
	logger.Info("running",
		"controller", cfg.Input.Controller,
		"ipc", cfg.IPC.SocketPath,
		"tick_hz", cfg.Engine.TickHz,
		"websocket", cfg.Websocket.Enabled,
		"mqtt", cfg.MQTT.Enabled,
		"mouse_mode", settings.Mode.MouseMode,
		"flick_stick", settings.Mode.FlickStick)

	integrator.Start(ctx)

	err = g.Wait()
	logger.Info("shutting down")
	integrator.Stop()
	return err
}
