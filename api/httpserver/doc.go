// Package httpserver provides the reusable HTTP server chassis for abnet
// services.
//
// The package implements a base HTTP server with standard health endpoints,
// graceful shutdown, metrics, and flexible routing, so the experiment
// ledger service (and any auxiliary binaries) share the same operational
// surface.
//
// # Key Components
//
//   - BaseServer: core HTTP server with health checks, metrics, and
//     lifecycle management
//   - RouteRegistrar: interface for components to register their routes
//     with the server
//
// # Health and Diagnostics
//
// All servers built with BaseServer automatically include:
//
//   - Liveness check (/livez)
//   - Readiness check (/readyz)
//   - Drain control for load balancers (/drain, /undrain)
//   - Optional Prometheus metrics endpoint on a separate listener
//   - Optional pprof debugging endpoints
//
// # Usage
//
//	handler := server.NewHandler(ledger, coordinator, log)
//	srv, err := httpserver.New(cfg, handler)
//	if err != nil { ... }
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
