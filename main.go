package main

import (
	"codemonk-server/core"
	"codemonk-server/handlers/api/files"
	"codemonk-server/handlers/api/presence"
	"codemonk-server/handlers/api/rooms"
	"codemonk-server/handlers/api/sync"
	"codemonk-server/handlers/sse"
	"codemonk-server/handlers/websocket"
	"codemonk-server/hub"
	"codemonk-server/stores"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func setupRouter(store core.Store, presenceStore core.PresenceStore, h *hub.Hub) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", rooms.HandleCreate(store))
		r.Get("/", rooms.HandleList(store, h))

		r.Route("/{roomID}", func(r chi.Router) {
			r.Get("/", rooms.HandleGet(store))
			r.Delete("/", rooms.HandleDelete(store))
			r.Post("/join", rooms.HandleJoin(store, presenceStore, h))

			r.Route("/files", func(r chi.Router) {
				r.Get("/", files.HandleList(store))
				r.Put("/{filename}", files.HandleUpsert(store, h))
				r.Delete("/{filename}", files.HandleDelete(store, h))
				r.Post("/{filename}/rename", files.HandleRename(store, h))
			})

			r.Route("/presence", func(r chi.Router) {
				r.Put("/{userName}", presence.HandleUpsert(presenceStore, h))
				r.Delete("/{userName}", presence.HandleRemove(presenceStore, h))
			})

			r.Get("/sync", sync.HandlePoll(store, presenceStore))
			r.Get("/events", sse.HandleStream(store, presenceStore, h))
			r.Get("/ws", websocket.HandleCollab(store, presenceStore, h))
		})
	})

	return r
}

func waitForShutdown() {
	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	fmt.Println("Shutting down...")
	os.Exit(0)
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on environment")
	}

	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":3002", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	store := stores.GetStore()
	presenceStore := stores.GetPresenceStore(store)
	h := hub.New()

	r := setupRouter(store, presenceStore, h)

	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := http.ListenAndServe(*listenAddr, r); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown()
}
