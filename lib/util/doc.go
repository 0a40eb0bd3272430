// Package util provides small concurrency and statistics helpers shared by the
// multiplexer and the command line tools.
//
// The package contains:
//   - mpsc: an unbounded lock-free multi-producer single-consumer queue. The
//     multiplexer uses it to hand work from application goroutines to the single
//     dispatch goroutine that owns the socket.
//   - stats: summary statistics (mean, standard deviation, spread) over samples
//   - functions: seed generation
package util
