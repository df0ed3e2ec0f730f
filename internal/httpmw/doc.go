// Package httpmw holds the middleware shared by the repository and admin
// routers.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request id, client ip, site rate limit, tracing, trace
// and manifest response headers, metrics, request logger, then the chi
// router with route annotation and access logging inside it.
//
// Query strings, user agents and other request headers are kept out of
// logs.
package httpmw
