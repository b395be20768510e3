package uibridge

import "net/http"

// Register adds the websocket and control routes to mux.
func Register(mux *http.ServeMux, hub *Hub, controls Controls) {
	registerWSRoute(mux, hub)
	registerAPIRoutes(mux, controls)
}

// Handler returns a standalone mux serving only the bridge routes.
func Handler(hub *Hub, controls Controls) http.Handler {
	mux := http.NewServeMux()
	Register(mux, hub, controls)
	return mux
}
