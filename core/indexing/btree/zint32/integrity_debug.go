//go:build pagestore_debug

package zint32

// integrityChecks runs CheckIntegrity after every mutation.
const integrityChecks = true
