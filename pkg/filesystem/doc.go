// Package filesystem provides the small set of filesystem primitives shared
// by the content store (C1) and encoding layers: atomic renames, atomic file
// writes, and hidden-file marking for the local cache root.
package filesystem
