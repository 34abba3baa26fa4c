// Package storage holds what the storage adapters share: the sentinel
// errors returned by every implementation of the catalog and audit store
// contracts.
//
// The contracts themselves live with their consumers (pkg/catalog,
// pkg/audit); the adapters live in the memory and postgres subpackages.
package storage
