// Package domain defines core data models, contracts and errors shared across
// the encryption core. It contains plain types (wire/state), interfaces and
// the error taxonomy only.
package domain
