package node

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dMux/cmd/util"
	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	nodeCmdConfig = common.MuxConfig{}
	NodeCmd       = &cobra.Command{
		Use:   "node",
		Short: "Run one node of a dMux cluster",
		Long: `Run one node of a dMux cluster over UDP and execute a demo workload: the master streams numbered packets over a pipe, the slaves verify the order, then all nodes meet at a barrier and gather the number of received packets.

Start the master (node 0) and every slave (nodes 1..N) with the same cluster layout. The configuration can be set via command line flags or environment variables. The format of the environment variables is DMUX_<flag> (e.g. DMUX_NUM_SLAVES=3)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// cluster layout
	key := "node-index"
	NodeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Index of this node, 0 is the master"))

	key = "num-slaves"
	NodeCmd.PersistentFlags().Int(key, 1, cmdUtil.WrapString("Number of slaves in the cluster"))

	key = "master-host"
	NodeCmd.PersistentFlags().String(key, "localhost", cmdUtil.WrapString("Host of the master node"))

	key = "master-port"
	NodeCmd.PersistentFlags().Int(key, 4500, cmdUtil.WrapString("UDP port of the master node"))

	key = "slave-group"
	NodeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional multicast group the slaves join (e.g. 239.0.0.1). Without a group the master sends one datagram per slave"))

	key = "slave-port"
	NodeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("UDP port of the slaves (required with a slave group, 0 = any)"))

	// workload
	key = "packets"
	NodeCmd.PersistentFlags().Int(key, 10000, cmdUtil.WrapString("Number of packets the master streams"))

	key = "packet-size"
	NodeCmd.PersistentFlags().Int(key, 1024, cmdUtil.WrapString("Payload size of every packet in bytes (8 - 1440)"))

	key = "metrics-endpoint"
	NodeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address to expose Prometheus metrics on (e.g. :9100), empty to disable"))

	cmdUtil.SetupMuxFlags(NodeCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	nodeCmdConfig = cmdUtil.GetMuxConfig()
	nodeCmdConfig.NodeIndex = viper.GetInt("node-index")
	nodeCmdConfig.NumSlaves = viper.GetInt("num-slaves")
	nodeCmdConfig.MasterHost = viper.GetString("master-host")
	nodeCmdConfig.MasterPort = viper.GetInt("master-port")
	nodeCmdConfig.SlaveGroupAddress = viper.GetString("slave-group")
	nodeCmdConfig.SlavePort = viper.GetInt("slave-port")

	if size := viper.GetInt("packet-size"); size < 8 || size > pool.MaxPayload {
		return fmt.Errorf("packet size must be between 8 and %d bytes, got %d", pool.MaxPayload, size)
	}
	return nodeCmdConfig.Validate()
}

// run starts the node and executes the demo workload
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(nodeCmdConfig); err != nil {
		return err
	}

	fmt.Println("Configuration:")
	fmt.Println(nodeCmdConfig.String())

	metricsServer, err := cmdUtil.ServeMetrics(viper.GetString("metrics-endpoint"))
	if err != nil {
		return err
	}
	if metricsServer != nil {
		defer metricsServer.Close()
	}

	m, err := mux.NewMultiplexer(nodeCmdConfig)
	if err != nil {
		return err
	}
	defer m.Close()

	// close the node on interrupt, blocked calls return ErrClosed
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("interrupted, closing node")
		_ = m.Close()
	}()

	fmt.Printf("waiting for %d nodes to connect...\n", nodeCmdConfig.NumNodes())
	if err := m.WaitForConnection(); err != nil {
		return err
	}

	id, err := m.OpenPipe()
	if err != nil {
		return err
	}

	packets, size := viper.GetInt("packets"), viper.GetInt("packet-size")
	start := time.Now()
	received, err := stream(m, id, packets, size)
	if err != nil {
		return err
	}
	if err := m.Barrier(id); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total, err := m.Gather(id, received, mux.OpSum)
	if err != nil {
		return err
	}
	if err := m.ClosePipe(id); err != nil {
		return err
	}

	printSummary(m, packets, size, total, elapsed)
	return nil
}

// stream sends (master) or receives and verifies (slaves) numbered packets
func stream(m *mux.Multiplexer, id uint32, packets, size int) (int64, error) {
	for i := 0; i < packets; i++ {
		if m.IsMaster() {
			pkt := m.AcquirePacket()
			payload, err := pkt.Resize(size)
			if err != nil {
				m.ReleasePacket(pkt)
				return 0, err
			}
			binary.BigEndian.PutUint64(payload, uint64(i))
			if err := m.SendPacket(id, pkt); err != nil {
				m.ReleasePacket(pkt)
				return 0, err
			}
			continue
		}

		pkt, err := m.ReceivePacket(id)
		if err != nil {
			return int64(i), err
		}
		seq := binary.BigEndian.Uint64(pkt.Payload())
		m.ReleasePacket(pkt)
		if seq != uint64(i) {
			return int64(i), fmt.Errorf("received packet %d, expected %d", seq, i)
		}
	}
	if m.IsMaster() {
		return 0, nil
	}
	return int64(packets), nil
}

// printSummary prints the result of the workload in a formatted way
func printSummary(m *mux.Multiplexer, packets, size int, total int64, elapsed time.Duration) {
	stats := m.Stats()
	bytes := float64(packets * size)
	seconds := max(elapsed.Seconds(), 1e-9)

	fmt.Println()
	fmt.Printf("%-20s%d\n", "node", stats.NodeIndex)
	fmt.Printf("%-20s%d packets x %d bytes in %s\n", "stream", packets, size, elapsed.Round(time.Millisecond))
	fmt.Printf("%-20s%.0f packets/sec\t%.2f MB/s\n", "throughput", float64(packets)/seconds, bytes/seconds/1e6)
	fmt.Printf("%-20s%d of %d expected\n", "gathered", total, int64(packets)*int64(nodeCmdConfig.NumSlaves))
	fmt.Printf("%-20s%d\n", "resent", stats.PacketsResent)
	fmt.Printf("%-20s%d sent, %d received\n", "bytes", stats.BytesSent, stats.BytesReceived)
	if stats.PingCount > 0 {
		fmt.Printf("%-20smean %s, p99 %s\n", "ping rtt", stats.PingMean, stats.PingP99)
	}
}
