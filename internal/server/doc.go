// Package server hosts the Fiber HTTP service and the request middleware chain
// that runs in front of the offline proxy handler. Every request receives a
// request ID and a client context ID; the client ID decides which cache
// controller serves the request. Diagnostics live under the reserved /-/
// prefix and never reach the proxy. Keep exports narrow and accept explicit
// dependencies so tests can inject fake handlers.
package server
