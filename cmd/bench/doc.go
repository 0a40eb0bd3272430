// Package bench implements the bench command. It starts a whole cluster in one
// process on an in-memory network and measures pipes, barriers and gathers.
package bench
