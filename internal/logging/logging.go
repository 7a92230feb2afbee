// Package logging holds the package-level logger shared by every core
// package, following the same logrus-based reporting the CLI configures
// in cmd/tssx.
package logging

import "github.com/sirupsen/logrus"

// Log is the shared logger. cmd/tssx rebinds its level from the
// -log-level flag; library code only ever logs through this value and
// never calls logrus.Fatal. The one os.Exit in library code is the
// bridge's signal handler terminating the process when no prior handler
// was registered for the signal.
var Log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger overrides the shared logger. Loggers already returned by With
// (including each package's package-level logger) keep the logger they
// were built from.
func SetLogger(l logrus.FieldLogger) {
	Log = l
}

// With returns a logger pre-populated with the component field, the
// convention every package here uses to tag its log lines.
func With(component string) logrus.FieldLogger {
	return Log.WithField("component", component)
}
