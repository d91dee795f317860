package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/middleware"
	"github.com/pliu/chatsync/internal/store"
)

// NewRouter wires the chattyd endpoints over st, with accounts kept by dir.
func NewRouter(st store.Store, dir *auth.Directory, log zerolog.Logger) *mux.Router {
	authHandler := &AuthHandler{Auth: dir, Log: log}
	docsHandler := &DocsHandler{Store: st, Log: log}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))

	r.HandleFunc("/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/login/federated", authHandler.LoginFederated).Methods("POST")
	r.HandleFunc("/session", authHandler.Session).Methods("GET")
	r.Handle("/ws", middleware.AuthMiddleware(dir)(http.HandlerFunc(docsHandler.ServeWs)))
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}
