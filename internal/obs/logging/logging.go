// Package logging provides a single logrus entry point shared by every
// component, matching the teacher's "log \"github.com/sirupsen/logrus\""
// convention of a package-level entry with structured fields rather than
// fmt.Printf call sites scattered through the code.
package logging

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	once sync.Once
	base *log.Logger
)

func root() *log.Logger {
	once.Do(func() {
		base = log.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetLevel adjusts the verbosity of every logger returned by For.
func SetLevel(level log.Level) {
	root().SetLevel(level)
}

// For returns a component-scoped logger carrying a "component" field,
// mirroring the teacher's practice of one logrus entry per subsystem.
func For(component string) *log.Entry {
	return root().WithField("component", component)
}
