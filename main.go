package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"slidesync-server/collab"
	"slidesync-server/core"
	"slidesync-server/handlers/api/elements"
	"slidesync-server/handlers/api/presentations"
	"slidesync-server/handlers/api/sessions"
	"slidesync-server/handlers/api/slides"
	"slidesync-server/handlers/api/uploads"
	"slidesync-server/handlers/websocket"
	"slidesync-server/stores"
	uploaders "slidesync-server/uploads"
	"slidesync-server/uploads/filesystem"
)

// allowOrigin accepts localhost, tauri and the extra origins from
// ALLOWED_ORIGINS.
func allowOrigin(extra []string) func(r *http.Request, origin string) bool {
	return func(r *http.Request, origin string) bool {
		if origin == "" {
			return false
		}
		for _, allowed := range extra {
			if origin == allowed {
				return true
			}
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		case "tauri":
			return parsed.Hostname() == "localhost"
		}

		return false
	}
}

func splitOrigins(value string) []string {
	var origins []string
	for _, origin := range strings.Split(value, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func setupRouter(store core.Store, uploader core.Uploader, dispatcher *collab.Dispatcher, origins []string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	originAllowed := allowOrigin(origins)
	corsOptions := cors.Options{
		AllowOriginFunc:  originAllowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	// Non-browser clients send no Origin header.
	r.Get("/ws", websocket.HandleWebSocket(dispatcher, func(req *http.Request) bool {
		origin := req.Header.Get("Origin")
		return origin == "" || originAllowed(req, origin)
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/presentations", func(r chi.Router) {
			r.Post("/", presentations.HandleCreate(store))
			r.Get("/", presentations.HandleList(store))
			r.Get("/{id}", presentations.HandleGet(store))
		})

		r.Route("/slides", func(r chi.Router) {
			r.Post("/", slides.HandleCreate(store, dispatcher.Registry(), dispatcher))
			r.Get("/{presentationId}", slides.HandleList(store))
			r.Put("/{id}/{presentationId}", slides.HandleUpdate(store, dispatcher.Registry(), dispatcher))
			r.Delete("/{id}/{presentationId}", slides.HandleDelete(store, dispatcher.Registry(), dispatcher))
		})

		r.Route("/slide-elements", func(r chi.Router) {
			r.Post("/", elements.HandleCreate(store, dispatcher))
			r.Get("/{slideId}", elements.HandleList(store))
			r.Put("/{id}", elements.HandleUpdate(store, dispatcher))
			r.Delete("/{id}", elements.HandleDelete(store, dispatcher))
		})

		r.Post("/upload-image", uploads.HandleUploadImage(uploader))
		r.Get("/sessions", sessions.HandleList(dispatcher.Registry()))
	})

	if served, ok := uploader.(interface{ Handler() http.Handler }); ok {
		r.Handle(filesystem.URLPrefix+"*", served.Handler())
	}

	r.Get("/health", sessions.HandleHealth())

	return r
}

func newDispatcher(store core.Store) (*collab.Dispatcher, error) {
	policy, err := collab.ParseSlideIndexPolicy(os.Getenv("SLIDE_INDEX_POLICY"))
	if err != nil {
		return nil, err
	}

	notify := false
	if value := os.Getenv("NOTIFY_REJECTIONS"); value != "" {
		if notify, err = strconv.ParseBool(value); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_REJECTIONS: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"slideIndexPolicy": policy.String(),
		"notifyRejections": notify,
	}).Info("Use collaboration settings")

	registry := collab.NewRegistry()
	return collab.NewDispatcher(
		registry,
		collab.NewSessionStore(collab.WithSlideIndexPolicy(policy)),
		collab.NewRouter(registry),
		collab.WithPersistence(store),
		collab.WithRejectionNotices(notify),
	), nil
}

func waitForShutdown(srv *http.Server, ioo *socketio.Server, dispatcher *collab.Dispatcher) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown")
	}
	ioo.Close(nil)
	dispatcher.Close()
}

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}

	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":5000", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	store := stores.GetStore()
	uploader := uploaders.GetUploader()
	dispatcher, err := newDispatcher(store)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	origins := splitOrigins(os.Getenv("ALLOWED_ORIGINS"))
	r := setupRouter(store, uploader, dispatcher, origins)
	ioo := websocket.SetupSocketIO(dispatcher, origins)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: *listenAddr, Handler: r}
	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, ioo, dispatcher)
}
