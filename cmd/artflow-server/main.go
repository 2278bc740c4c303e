package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"artflow-server/batcher"
	"artflow-server/collab"
	"artflow-server/core"
	"artflow-server/handlers/api/debug"
	ws "artflow-server/handlers/websocket"
	"artflow-server/queue"
	"artflow-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func setupRouter(registry *collab.Registry, store core.HistoryStore, wsh *ws.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	allowed := map[string]bool{}
	for _, origin := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}

	corsOptions := cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}
			if allowed[origin] {
				return true
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			}

			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Get("/ws/document/{projectID}/{fileID}/{userID}", wsh.ServeDocument)
	r.Get("/ws/{projectID}/{fileID}/{userID}", wsh.ServeCanvas)

	r.Route("/debug", func(r chi.Router) {
		r.Get("/rooms", debug.HandleListRooms(registry))
		r.Get("/rooms/{projectID}/{fileID}/sessions", debug.HandleSessions(registry))
		r.Get("/rooms/{projectID}/{fileID}/state", debug.HandleState(registry))
		r.Get("/history/{projectID}/{fileID}", debug.HandleHistory(store))
	})

	return r
}

func main() {
	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":8000", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file loaded")
	}

	store := stores.Get()
	q := queue.Get()

	registry := collab.NewRegistry()
	b := batcher.New(q)
	historySync := strings.EqualFold(os.Getenv("HISTORY_SYNC"), "true")
	wsh := ws.NewHandler(registry, b, store, historySync)

	r := setupRouter(registry, store, wsh)

	ctx, cancel := context.WithCancel(context.Background())
	batcherDone := make(chan struct{})
	go func() {
		defer close(batcherDone)
		b.Run(ctx)
	}()

	srv := &http.Server{Addr: *listenAddr, Handler: r}
	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	waitForShutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithField("error", err).Warn("Server shutdown failed")
	}

	// Stop the batcher last; Run drains pending buffers before it
	// returns, so buffered events still reach the queue.
	cancel()
	<-batcherDone
	logrus.Info("Shutting down...")
}

func waitForShutdown() {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-signalC
}
