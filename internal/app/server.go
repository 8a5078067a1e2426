package app

import (
	"net/http"

	"github.com/gorilla/mux"
	"stepflow/internal/handlers"
	"stepflow/internal/server"
)

// RunServer starts the HTTP server with all handlers configured
func (app *App) RunServer() (*server.Server, http.Handler) {
	h := handlers.New(app.Executor, app.Store, app.Logger)

	router := mux.NewRouter()
	SetupRoutes(router, h)

	srv := server.New(router, app.Config.Port, app.Config.TLSCertFile, app.Config.TLSKeyFile, app.Logger)

	return srv, router
}
