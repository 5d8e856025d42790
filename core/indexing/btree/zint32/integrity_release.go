//go:build !pagestore_debug

package zint32

const integrityChecks = false
