// Package log provides the zerolog logger shared by all components.
//
// Call Init once from main. Components take a child logger through
// WithComponent so every line carries the component that produced it.
package log
