// Package health provides liveness and readiness probes for the ops server.
//
// Probes compose with [All]. [ShutdownGate] fails readiness as soon as drain
// starts so load balancers stop routing before the servers close, and
// [Manifest] holds readiness until a manifest has been built or read back
// from disk.
package health
