// Command eventviewer tails the service's Kafka topics and relays every event
// to websocket clients on /ws, logging each one as it arrives.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/config"
	"clinical-scribe-service/internal/events"
	"clinical-scribe-service/internal/observability/logging"
)

// hub fans events out to websocket clients.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan events.Envelope
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan events.Envelope, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("clients", n).Msg("Client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("clients", n).Msg("Client disconnected")

		case env := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(env); err != nil {
					log.Debug().Err(err).Msg("Write error")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}
		h.register <- conn

		go func() {
			defer func() {
				h.unregister <- conn
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func main() {
	cfg := config.Load()
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", strings.Join(cfg.Kafka.Brokers, ","), "Kafka brokers (comma-separated)")
	topics := flag.String("topics", strings.Join([]string{
		cfg.Kafka.TopicStatus, cfg.Kafka.TopicJobs, cfg.Kafka.TopicTranscript,
	}, ","), "Topics to tail (comma-separated)")
	lookback := flag.Duration("lookback", time.Hour, "Replay events newer than this")
	flag.Parse()

	lc := logging.DefaultConfig()
	lc.Format = "console"
	logging.Init(lc)

	if *brokers == "" {
		log.Error().Msg("No Kafka brokers configured; set -brokers or KAFKA_BROKERS")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	go h.run(ctx)

	for _, topic := range strings.Split(*topics, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		go func() {
			err := events.Tail(ctx, strings.Split(*brokers, ","), topic, *lookback, func(env events.Envelope) {
				log.Info().
					Str("topic", env.Topic).
					Str("key", env.Key).
					Str("eventType", env.EventType).
					RawJSON("payload", env.Payload).
					Msg("Event")
				select {
				case h.broadcast <- env:
				case <-ctx.Done():
				}
			})
			if err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("Tail stopped")
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	srv := &http.Server{Addr: ":" + *port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", *port).Str("topics", *topics).Msg("Event viewer started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Server error")
		os.Exit(1)
	}
}
