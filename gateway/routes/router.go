package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"fundvault/gateway/auth"
	"fundvault/gateway/middleware"
)

// Options wires the gateway surface together: the REST bridge, the raw
// JSON-RPC passthrough, and the event stream proxy all share one node
// target.
type Options struct {
	Node          *NodeClient
	NodeURL       *url.URL
	NodeToken     string
	Authenticator *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Observability *middleware.Observability
	Verifier      *auth.Verifier
	CORS          middleware.CORSConfig
}

type Router struct {
	mux *chi.Mux
}

func New(opts Options) (*Router, error) {
	if opts.Node == nil {
		return nil, fmt.Errorf("node client is required")
	}
	if opts.NodeURL == nil {
		return nil, fmt.Errorf("node URL is required")
	}
	fund, err := newFundRoutes(opts.Node, opts.Verifier)
	if err != nil {
		return nil, err
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID())
	mux.Use(middleware.CORS(opts.CORS))

	mux.Get("/healthz", handleHealth)
	if opts.Observability != nil {
		mux.Method(http.MethodGet, "/metrics", opts.Observability.MetricsHandler())
	}

	mux.Route("/v1/fund", func(sr chi.Router) {
		if opts.Observability != nil {
			sr.Use(opts.Observability.Middleware("fund"))
		}
		if opts.Limiter != nil {
			sr.Use(opts.Limiter.Middleware("fund"))
		}
		fund.mount(sr, opts.Authenticator)
	})

	// Raw passthrough for clients that speak JSON-RPC directly. The proxy
	// injects the node bearer token, so only admin-scoped callers may use
	// it.
	rpcProxy := http.Handler(NewNodeProxy(opts.NodeURL, "/", opts.NodeToken))
	if opts.Authenticator != nil {
		rpcProxy = opts.Authenticator.Middleware(middleware.ScopeAdmin)(rpcProxy)
	}
	if opts.Limiter != nil {
		rpcProxy = opts.Limiter.Middleware("rpc")(rpcProxy)
	}
	if opts.Observability != nil {
		rpcProxy = opts.Observability.Middleware("rpc")(rpcProxy)
	}
	mux.Handle("/rpc", rpcProxy)

	// The event stream stays outside the recording middleware so the
	// websocket upgrade can hijack the connection.
	mux.Handle("/ws/events", NewNodeProxy(opts.NodeURL, "/ws/events", ""))

	return &Router{mux: mux}, nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
