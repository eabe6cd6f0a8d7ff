// Package config loads and saves the YAML configuration shared by the omemo
// CLI and the relay.
//
// A missing file yields the defaults. Values present in the file override
// them field by field. Save writes through a temporary file and a rename so
// a crash never leaves a half-written config behind.
package config
