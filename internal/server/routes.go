package server

import (
	"net/http"
)

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Client transports
	r.Path("/ws").Handler(s.native)
	r.Methods(http.MethodGet).Path("/stream").HandlerFunc(s.stream.Connect)
	r.Methods(http.MethodPost).Path("/stream/{clientId}").HandlerFunc(s.stream.Command)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)

	api := r.PathPrefix("/api/v1/operations").Subrouter()

	// Export feed
	api.Methods(http.MethodGet).Path("").HandlerFunc(s.listOperations)
	api.Methods(http.MethodPost).Path("").HandlerFunc(s.createOperation)
	api.Methods(http.MethodDelete).Path("").HandlerFunc(s.clearOperations)

	// Project log
	p := api.PathPrefix("/project/{projectId}").Subrouter()
	p.Methods(http.MethodGet).Path("").HandlerFunc(s.listProject)
	p.Methods(http.MethodDelete).Path("").HandlerFunc(s.clearProject)
	p.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.syncProject)
	p.Methods(http.MethodGet).Path("/file/{file:.+}").HandlerFunc(s.listFile)
	p.Methods(http.MethodGet).Path("/snapshot/{file:.+}").HandlerFunc(s.getSnapshot)
	p.Methods(http.MethodPost).Path("/snapshot/{file:.+}").HandlerFunc(s.saveSnapshot)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "route not found: "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeInvalidRequest, "method not allowed")
	})
}
