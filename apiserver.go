package raft

import "net/http"

// apiServer is the handle an APIExtension gets to register extra routes
// on the embedded inspection HTTP server (§6.5). It exists as its own
// type, rather than passing *http.ServeMux directly, so an extension can
// also reach back into the owning Server (e.g. to gate a route on role).
type apiServer struct {
	server *Server
	mux    *http.ServeMux
}

// Handle registers a handler for pattern on the API server's mux.
func (a *apiServer) Handle(pattern string, handler http.Handler) {
	a.mux.Handle(pattern, handler)
}

// HandleFunc registers a handler function for pattern on the API server's mux.
func (a *apiServer) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	a.mux.HandleFunc(pattern, handler)
}

// Server returns the owning Server, for extensions that need to read
// States()/Metrics() or the node's id/endpoint.
func (a *apiServer) Server() *Server {
	return a.server
}
