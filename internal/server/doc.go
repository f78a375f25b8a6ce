// Package server hosts the Fiber HTTP gateway, the request middleware chain
// and the origin registry that maps an incoming Host onto a configured
// upstream site. Proxying and caching decisions live in internal/proxy and
// internal/worker; this package only resolves where a request should go.
package server
