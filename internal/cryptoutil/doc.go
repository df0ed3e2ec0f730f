// Package cryptoutil holds the hashing and signing primitives behind the
// package manifest.
//
// SHA256Reader and SHA256File compute the streaming content digest recorded
// for every package. KMSSigner produces a detached signature over the
// manifest document and KMSVerifier checks one locally against the cached
// KMS public key.
package cryptoutil
