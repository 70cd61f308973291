// Package corelog centralizes structured logging for horizon-core, the way
// the mender agent's app/, client/ and installer/ packages all log through a
// shared logrus instance rather than the standard library's log package.
package corelog

import (
	log "github.com/sirupsen/logrus"
)

// For returns a logger pre-tagged with the owning component, e.g.
// For("radio") or For("fslog"), so every line emitted by a subsystem can be
// filtered without the caller repeating the field at every call site.
func For(component string) *log.Entry {
	return log.WithField("component", component)
}

// SetLevel adjusts the global log verbosity, mirroring the CLI --debug
// flag wired in cmd/horizon-sim.
func SetLevel(level log.Level) {
	log.SetLevel(level)
}

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
}
