// Package registry is the canonical store of provider groups, upstream API
// keys, client-facing proxy keys, and per-target validation state.
//
// Raw API keys live only here; every other component sees keys as a
// (masked, hash) pair. The store is SQLite-backed and all reads hand out
// copies, so a snapshot taken for one request never observes a concurrent
// write to the same group.
package registry
