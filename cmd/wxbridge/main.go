package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/leitianhua/wxbridge/internal/bridge"
	"github.com/leitianhua/wxbridge/internal/config"
	"github.com/leitianhua/wxbridge/internal/engine"
	"github.com/leitianhua/wxbridge/internal/store"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to JWCC config file")
	wsURL := flag.String("ws-url", "", "control plane WebSocket address (overrides config/WS_URL)")
	engineURL := flag.String("engine-url", "", "automation engine endpoint (overrides config/ENGINE_URL)")
	listen := flag.String("listen", "", "comma separated conversations to observe at startup")
	deviceID := flag.String("device-id", "", "device identifier stamped into every envelope")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *engineURL != "" {
		cfg.EngineURL = *engineURL
	}
	if *listen != "" {
		cfg.Listens = config.ParseListens(*listen)
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "wxrpa-unknown"
	}
	if cfg.WSURL == "" {
		log.Fatalf("missing WebSocket address: pass --ws-url or set WS_URL")
	}
	if cfg.EngineURL == "" {
		log.Fatalf("missing engine address: pass --engine-url or set ENGINE_URL")
	}

	var st store.Store
	if cfg.RedisAddr != "" {
		st = store.NewRedisStore(cfg.RedisAddr)
		log.Printf("use redis store: %s", cfg.RedisAddr)
	} else {
		st = store.NewMemoryStore()
		log.Printf("use memory store")
	}

	eng := engine.NewIPC(cfg.EngineURL)
	if err := eng.Ping(); err != nil {
		log.Fatalf("automation engine unreachable: url=%s err=%v", cfg.EngineURL, err)
	}

	b := bridge.New(cfg, eng, st)
	b.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	b.Close()
	eng.StopListening()
	eng.Close()
}
