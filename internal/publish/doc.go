// Package publish mirrors the tracked directory and its manifest to object
// storage after each regeneration, so clients can pull from a bucket or CDN
// instead of the server.
//
// Objects are laid out under an optional prefix:
//
//	<prefix>manifest.json
//	<prefix>manifest.json.sig   (when signing is enabled)
//	<prefix>mods/<filename>
//
// Packages go up first, then the manifest, then the signature, so a client
// that reads a new manifest always finds the packages it names. Packages the
// manifest no longer lists are removed last. Each package object carries its
// sha256 as user metadata so unchanged files are skipped.
//
// With the S3 backend the manifest digest can also be written to an SSM
// parameter for consumers that poll a single pointer.
package publish
