// Package ratelimit provides in-memory, per-client token bucket limiting.
//
// Two limiters run in the server: a site-wide one in front of every public
// and admin route, and a tighter one on the admin login form. State lives in
// one process only and is not shared between replicas.
package ratelimit
