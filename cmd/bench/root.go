package bench

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"testing"
	"time"

	cmdUtil "github.com/ValentinKolb/dMux/cmd/util"
	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/lib/util"
	"github.com/ValentinKolb/dMux/mux"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/transport/memnet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	BenchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Benchmark a dMux cluster on an in-memory network",
		Long: `Start a master and a number of slaves inside this process, connected by an in-memory datagram network that can drop packets, and measure streaming, barrier and gather performance.

The tuning flags are the same as for the node command, so the effect of a configuration can be measured before it is deployed.`,
		PreRunE: processConfig,
		RunE:    run,
	}
	benchConfig  = common.MuxConfig{}
	benchSlaves  = 3
	benchSize    = 1024
	benchLoss    = 0.0
	benchSeed    = uint64(0)
	benchTimeout = time.Minute
	benchSkip    = make([]string, 0)
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "slaves"
	BenchCmd.Flags().Int(key, 3, cmdUtil.WrapString("Number of slaves to start"))
	key = "size"
	BenchCmd.Flags().Int(key, 1024, cmdUtil.WrapString("Payload size of the streamed packets in bytes (8 - 1440)"))
	key = "loss"
	BenchCmd.Flags().Float64(key, 0, cmdUtil.WrapString("Fraction of datagrams the network drops (0 - 0.9)"))
	key = "seed"
	BenchCmd.Flags().Uint64(key, 0, cmdUtil.WrapString("Seed of the network's drop decisions (0 = random)"))
	key = "timeout"
	BenchCmd.Flags().Duration(key, time.Minute, cmdUtil.WrapString("Upper bound for a single benchmark round"))
	key = "skip"
	BenchCmd.Flags().StringSlice(key, nil, cmdUtil.WrapString("Benchmarks to skip (comma separated - e.g. barrier,gather)"))
	key = "csv"
	BenchCmd.Flags().String(key, "", cmdUtil.WrapString("Optional path to save benchmark results as CSV"))

	cmdUtil.SetupMuxFlags(BenchCmd)
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchSlaves = viper.GetInt("slaves")
	benchSize = viper.GetInt("size")
	benchLoss = viper.GetFloat64("loss")
	benchSeed = viper.GetUint64("seed")
	benchTimeout = viper.GetDuration("timeout")
	benchSkip = viper.GetStringSlice("skip")
	if benchSeed == 0 {
		benchSeed = util.GenerateSeed()
	}

	if benchSlaves < 1 {
		return fmt.Errorf("at least one slave is required, got %d", benchSlaves)
	}
	if benchSize < 8 || benchSize > pool.MaxPayload {
		return fmt.Errorf("size must be between 8 and %d bytes, got %d", pool.MaxPayload, benchSize)
	}
	if benchLoss < 0 || benchLoss > 0.9 {
		return fmt.Errorf("loss must be between 0 and 0.9, got %f", benchLoss)
	}

	benchConfig = cmdUtil.GetMuxConfig()
	benchConfig.NumSlaves = benchSlaves
	return benchConfig.Validate()
}

func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(benchConfig); err != nil {
		return err
	}

	fmt.Println("Benchmark for dMux clusters")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(benchConfig.String())
	fmt.Printf("Slaves: %d, Size: %d bytes, Loss: %.2f, Seed: %d\n", benchSlaves, benchSize, benchLoss, benchSeed)
	fmt.Println()

	network := memnet.NewNetwork(benchSeed)
	network.SetDropRate(benchLoss)

	nodes, err := startCluster(network)
	defer func() {
		for _, m := range nodes {
			_ = m.Close()
		}
	}()
	if err != nil {
		return err
	}

	fmt.Println("starting benchmarks...")

	results := make(map[string]testing.BenchmarkResult)
	var benchErr error

	// fail records the first error of a round and stops the benchmark
	fail := func(b *testing.B, name string, err error) {
		if benchErr == nil {
			benchErr = fmt.Errorf("(%s) - %w", name, err)
		}
		b.SkipNow()
	}

	results["stream"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("stream") || benchErr != nil {
			return
		}
		b.SetBytes(int64(benchSize))
		if err := roundOnPipe(nodes, func(m *mux.Multiplexer, id uint32) error {
			return streamRound(m, id, b.N)
		}); err != nil {
			fail(b, "stream", err)
		}
	})
	printResult("stream", results["stream"])

	results["barrier"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("barrier") || benchErr != nil {
			return
		}
		if err := roundOnPipe(nodes, func(m *mux.Multiplexer, id uint32) error {
			for i := 0; i < b.N; i++ {
				if err := m.Barrier(id); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			fail(b, "barrier", err)
		}
	})
	printResult("barrier", results["barrier"])

	results["gather"] = testing.Benchmark(func(b *testing.B) {
		if shouldSkip("gather") || benchErr != nil {
			return
		}
		if err := roundOnPipe(nodes, func(m *mux.Multiplexer, id uint32) error {
			for i := 0; i < b.N; i++ {
				want := int64(benchSlaves)
				got, err := m.Gather(id, int64(m.NodeIndex()), mux.OpMax)
				if err != nil {
					return err
				}
				if got != want {
					return fmt.Errorf("gather returned %d, expected %d", got, want)
				}
			}
			return nil
		}); err != nil {
			fail(b, "gather", err)
		}
	})
	printResult("gather", results["gather"])

	if benchErr != nil {
		return benchErr
	}

	printSpread()
	printNetwork(nodes, network)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, benchConfig); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Cluster
// --------------------------------------------------------------------------

// startCluster starts the master and all slaves on the network and waits until they are connected
func startCluster(network *memnet.Network) ([]*mux.Multiplexer, error) {
	nodes := make([]*mux.Multiplexer, 0, benchSlaves+1)
	for i := 0; i <= benchSlaves; i++ {
		config := benchConfig
		config.NodeIndex = i
		m, err := mux.NewMultiplexerWithConnector(config, network.Connector())
		if err != nil {
			return nodes, fmt.Errorf("failed to start node %d: %w", i, err)
		}
		nodes = append(nodes, m)
	}

	start := time.Now()
	if err := runAll(nodes, func(m *mux.Multiplexer) error {
		return m.WaitForConnection()
	}); err != nil {
		return nodes, err
	}
	fmt.Printf("%-20s%s\n", "connected", time.Since(start).Round(time.Microsecond))
	return nodes, nil
}

// runAll executes fn on every node concurrently and returns the first error
func runAll(nodes []*mux.Multiplexer, fn func(m *mux.Multiplexer) error) error {
	var g errgroup.Group
	for _, m := range nodes {
		g.Go(func() error {
			if err := fn(m); err != nil {
				return fmt.Errorf("node %d: %w", m.NodeIndex(), err)
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(benchTimeout):
		return fmt.Errorf("benchmark round did not finish within %s", benchTimeout)
	}
}

// roundOnPipe opens a pipe on every node, runs fn and closes the pipe again
func roundOnPipe(nodes []*mux.Multiplexer, fn func(m *mux.Multiplexer, id uint32) error) error {
	return runAll(nodes, func(m *mux.Multiplexer) error {
		id, err := m.OpenPipe()
		if err != nil {
			return err
		}
		if err := fn(m, id); err != nil {
			return err
		}
		return m.ClosePipe(id)
	})
}

// streamRound sends n numbered packets from the master, slaves verify the order and
// record their receive time per packet
func streamRound(m *mux.Multiplexer, id uint32, n int) error {
	start := time.Now()
	for i := 0; i < n; i++ {
		if m.IsMaster() {
			pkt := m.AcquirePacket()
			payload, err := pkt.Resize(benchSize)
			if err != nil {
				m.ReleasePacket(pkt)
				return err
			}
			binary.BigEndian.PutUint64(payload, uint64(i))
			if err := m.SendPacket(id, pkt); err != nil {
				m.ReleasePacket(pkt)
				return err
			}
			continue
		}

		pkt, err := m.ReceivePacket(id)
		if err != nil {
			return err
		}
		seq := binary.BigEndian.Uint64(pkt.Payload())
		m.ReleasePacket(pkt)
		if seq != uint64(i) {
			return fmt.Errorf("received packet %d, expected %d", seq, i)
		}
	}

	if !m.IsMaster() {
		recordSlave(m.NodeIndex(), float64(time.Since(start).Nanoseconds())/float64(max(n, 1)))
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

var (
	slaveSamples = make(chan [2]float64, 1024)
)

// recordSlave stores the receive time per packet of the latest round of a slave
func recordSlave(index int, nsPerPacket float64) {
	select {
	case slaveSamples <- [2]float64{float64(index), nsPerPacket}:
	default:
	}
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
	if rate := mbPerSec(result); rate > 0 {
		fmt.Printf("\t%.2f MB/s", rate)
	}
	fmt.Println()
}

// mbPerSec is the payload throughput of a result, 0 if the benchmark set no bytes
func mbPerSec(result testing.BenchmarkResult) float64 {
	if result.T <= 0 || result.Bytes <= 0 {
		return 0
	}
	return float64(result.Bytes) * float64(result.N) / 1e6 / result.T.Seconds()
}

// printSpread prints how evenly the slaves kept up with the stream in the last round
func printSpread() {
	latest := make(map[int]float64)
	for len(slaveSamples) > 0 {
		sample := <-slaveSamples
		latest[int(sample[0])] = sample[1]
	}
	if len(latest) == 0 {
		return
	}

	indexes := make([]int, 0, len(latest))
	for index := range latest {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	slaveReceiveNs := make([]float64, 0, len(indexes))
	for _, index := range indexes {
		slaveReceiveNs = append(slaveReceiveNs, latest[index])
	}

	summary := util.Summarize(slaveReceiveNs)
	fmt.Println()
	fmt.Printf("%-20smean %s, median %s, min %s, max %s (ratio %.2f)\n", "per slave",
		time.Duration(summary.Mean), time.Duration(summary.Median),
		time.Duration(summary.Min), time.Duration(summary.Max), summary.MinMaxRatio)
}

// printNetwork prints the traffic counters of the master and the network
func printNetwork(nodes []*mux.Multiplexer, network *memnet.Network) {
	if len(nodes) == 0 {
		return
	}
	stats := nodes[0].Stats()
	netStats := network.Stats()
	fmt.Printf("%-20s%d delivered, %d dropped\n", "network", netStats.Delivered, netStats.Dropped)
	fmt.Printf("%-20s%d resent (%d after timeouts)\n", "master", stats.PacketsResent, stats.Timeouts)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config common.MuxConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "MBPerSec", "Skipped",
		"Slaves", "PacketSize", "Loss", "Seed",
		"SendWindow", "AckEvery", "AckDelay", "ResendTimeout", "TickInterval",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	tests := make([]string, 0, len(results))
	for test := range results {
		tests = append(tests, test)
	}
	sort.Strings(tests)

	// Write test results
	for _, test := range tests {
		result := results[test]
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			fmt.Sprintf("%.2f", mbPerSec(result)),
			skipped,
			strconv.Itoa(config.NumSlaves),
			strconv.Itoa(benchSize),
			strconv.FormatFloat(benchLoss, 'f', 2, 64),
			strconv.FormatUint(benchSeed, 10),
			strconv.Itoa(config.SendWindow),
			strconv.Itoa(config.AckEvery),
			config.AckDelay.String(),
			config.ResendTimeout.String(),
			config.TickInterval.String(),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
