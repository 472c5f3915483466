//go:build !invariants

package histstore

const invariantsEnabled = false
