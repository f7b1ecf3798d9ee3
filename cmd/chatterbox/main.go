package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joshuadlima/ChatterBox/internal/matching"
	"github.com/joshuadlima/ChatterBox/internal/messaging"
	"github.com/joshuadlima/ChatterBox/internal/protocol"
	"github.com/joshuadlima/ChatterBox/internal/ratelimit"
	"github.com/joshuadlima/ChatterBox/internal/room"
	"github.com/joshuadlima/ChatterBox/internal/session"
	"github.com/joshuadlima/ChatterBox/internal/store"
	"github.com/joshuadlima/ChatterBox/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	storeClient, err := store.NewClient(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	scripts := store.NewRegistry(storeClient)
	engine := matching.NewEngine(storeClient, scripts)
	limiter := ratelimit.NewLimiter(storeClient.Redis())

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	bus, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	relay := room.NewRelay(bus)

	handler := session.NewHandler(engine, relay, bus, limiter)

	log.Printf("ChatterBox server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  nats_url:        %s", natsConfig.URL)

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.TypeSubmitInterests, func(conn *ws.Connection, env *protocol.Envelope) {
		handler.SubmitInterests(conn.ID, env)
	})
	dispatcher.Register(protocol.TypeStartMatching, func(conn *ws.Connection, env *protocol.Envelope) {
		handler.StartMatching(conn.ID, env)
	})
	dispatcher.Register(protocol.TypeEndMatching, func(conn *ws.Connection, env *protocol.Envelope) {
		handler.EndMatching(conn.ID, env)
	})
	dispatcher.Register(protocol.TypeChatMessage, func(conn *ws.Connection, env *protocol.Envelope) {
		handler.ChatMessage(conn.ID, env)
	})
	dispatcher.Register(protocol.TypeWebRTCSignal, func(conn *ws.Connection, env *protocol.Envelope) {
		handler.WebRTCSignal(conn.ID, env)
	})
	dispatcher.Register(protocol.TypeEndChat, func(conn *ws.Connection, env *protocol.Envelope) {
		handler.EndChat(conn.ID, env)
	})

	server := ws.NewServer(config, dispatcher.Dispatch)

	server.SetOnConnect(func(conn *ws.Connection) {
		if _, err := handler.Connect(conn.ID, conn); err != nil {
			log.Printf("session setup failed user=%s: %v", conn.ID, err)
			server.RemoveConnection(conn)
		}
	})
	server.SetOnDisconnect(handler.Disconnect)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bus.Close()
		if err := storeClient.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
