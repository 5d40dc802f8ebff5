// Package domain defines the data models, errors and contracts shared across
// cipherroom.
//
// It contains plain types (wire and persisted state) in types/, contracts in
// interfaces/, and re-exports both through aliases so callers import a single
// package. The error taxonomy lives in errors.go.
package domain
