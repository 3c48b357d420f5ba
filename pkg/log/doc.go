// Package log provides the logging port used by every devlink component.
//
// Components accept a [Logger] and never import a concrete logging library.
// A zerolog-backed adapter is provided for applications, and a no-op logger
// is the default when nothing is configured:
//
//	logger := log.NewZerologAdapter()
//	p := pool.New(dev, ch, set, pool.WithLogger(logger))
//
// [Logger.With] returns a child logger that carries fixed fields, which is
// how pools and samplers attach the device name to every line they emit.
package log
