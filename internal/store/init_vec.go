//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Auto-load sqlite-vec into every connection the mattn/go-sqlite3 driver
// opens, and tell the store so Search can rank in SQL instead of scanning
// the collection in Go. NewVectorStore still verifies the extension with
// vec_version() before switching paths.
func init() {
	vec.Auto()
	vecRegistered = true
}
