package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/form-proctor/backend/internal/bridge"
	"github.com/form-proctor/backend/internal/config"
	"github.com/form-proctor/backend/internal/frontend"
	"github.com/form-proctor/backend/internal/mock"
	"github.com/form-proctor/backend/internal/monitor"
	"github.com/form-proctor/backend/internal/proctor"
	"github.com/form-proctor/backend/internal/quiz"
	"github.com/form-proctor/backend/internal/session"
	"github.com/form-proctor/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use simulated devices and an in-process proctor service")
	devMode := flag.Bool("dev", false, "Development mode (serve frontend from filesystem)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	autostart := flag.Bool("autostart", false, "Start a monitoring session immediately (mock mode)")
	flag.Parse()

	// .env is optional; real deployments set PROCTOR_URL etc. directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if os.IsNotExist(err) {
		log.Printf("No config file at %s, using defaults", *configPath)
		cfg = config.Default()
	} else if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	store := session.NewStore()
	broadcaster := ws.NewBroadcaster(store, cfg.Monitor.BroadcastThrottle, cfg.Monitor.SnapshotInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mon *monitor.Monitor
	var inbound ws.Inbound

	if *mockMode {
		log.Println("Starting in mock mode")
		proctorSrv := &mock.ProctorServer{}
		proctorURL, err := proctorSrv.Start()
		if err != nil {
			log.Fatalf("Failed to start mock proctor: %v", err)
		}
		devices := mock.NewDevices()
		runtime := mock.NewRuntime()
		mon = monitor.NewMonitor(cfg, store, broadcaster, devices, runtime,
			proctor.NewClient(proctorURL, cfg.Proctor.Timeout))

		scenario := &mock.Scenario{
			Runtime:             runtime,
			Devices:             devices,
			TabSwitchEvery:      20 * time.Second,
			FullscreenExitEvery: 45 * time.Second,
			NoiseBurstEvery:     30 * time.Second,
		}
		go scenario.Run(ctx)

		if *autostart {
			go func() {
				if err := mon.Start(ctx); err != nil {
					log.Printf("Autostart failed: %v", err)
				}
			}()
		}
	} else {
		log.Println("Starting in real mode (browser runtime bridge)")
		// The bridge counts a frame older than two capture intervals as
		// stale, so a wedged client camera stops the frame probe instead
		// of replaying the last image.
		b := bridge.New(broadcaster, 2*cfg.Monitor.FrameInterval+time.Second)
		inbound = b
		mon = monitor.NewMonitor(cfg, store, broadcaster, b, b,
			proctor.NewClient(cfg.Proctor.BaseURL, cfg.Proctor.Timeout))
	}

	quizClient := quiz.NewClient(cfg.Quiz.BaseURL, cfg.Quiz.Timeout)
	mon.SetFormProvider(quizClient)

	frontendDir := ""
	if *devMode {
		exe, _ := os.Executable()
		frontendDir = filepath.Join(filepath.Dir(exe), "..", "..", "frontend")
		// If running with go run, the exe path is in a temp dir, use CWD instead
		if _, err := os.Stat(frontendDir); os.IsNotExist(err) {
			cwd, _ := os.Getwd()
			frontendDir = filepath.Join(cwd, "..", "frontend")
		}
	}

	// Embedded frontend handler: when built with -tags embed, serves from binary.
	// Otherwise falls back to serving from the filesystem.
	var embeddedHandler http.Handler
	if !*devMode {
		embeddedHandler = frontend.Handler()
		if embeddedHandler == nil {
			cwd, _ := os.Getwd()
			fallback := filepath.Join(cwd, "..", "frontend")
			if _, err := os.Stat(fallback); err == nil {
				log.Printf("No embedded frontend, falling back to: %s", fallback)
				embeddedHandler = http.FileServer(http.Dir(fallback))
			}
		}
	}

	server := ws.NewServer(cfg, store, broadcaster, mon, frontendDir, *devMode, embeddedHandler,
		cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	server.SetQuizClient(quizClient)
	if inbound != nil {
		server.SetInbound(inbound)
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		mon.Stop("shutdown")
		cancel()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
