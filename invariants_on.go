//go:build invariants

package histstore

// invariantsEnabled turns on the extra key-order and positioning checks.
const invariantsEnabled = true
