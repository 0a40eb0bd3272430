// Package common provides the configuration, logging and error definitions shared
// by every package of the multiplexer.
//
// Key Components:
//
//   - MuxConfig: cluster layout (node index, number of slaves, master and slave
//     addresses), liveness timeouts, flow control parameters, socket options and the
//     log level. DefaultMuxConfig returns working defaults, Validate rejects
//     inconsistent settings and String pretty prints the configuration.
//
//   - Logger: custom implementation of dragonboat's logger.ILogger so every package
//     logs with the same "LEVEL | name | message" format onto one shared writer
//     (SetLogOutput). InitLoggers installs the factory once and applies the
//     configured level to all loggers of the multiplexer, constructors never
//     change it.
//
//   - Errors: sentinel errors returned by the public API. Callers compare with
//     errors.Is; any error other than a misuse error ends the cluster session.
package common
