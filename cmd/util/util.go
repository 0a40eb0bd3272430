package util

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupMuxFlags adds the multiplexer tuning flags to a command
func SetupMuxFlags(cmd *cobra.Command) {
	d := common.DefaultMuxConfig()

	key := "connect-timeout"
	cmd.PersistentFlags().Duration(key, d.ConnectTimeout, WrapString("How long to wait for all nodes of the cluster to connect (0 = forever)"))

	key = "ping-timeout"
	cmd.PersistentFlags().Duration(key, d.PingTimeout, WrapString("Silence after which a peer is pinged"))

	key = "max-ping-retries"
	cmd.PersistentFlags().Int(key, d.MaxPingRetries, WrapString("Unanswered pings after which a peer is declared unreachable"))

	key = "receive-wait-timeout"
	cmd.PersistentFlags().Duration(key, d.ReceiveWaitTimeout, WrapString("How long a waiting receiver waits for data before it asks the master to resend"))

	key = "barrier-wait-timeout"
	cmd.PersistentFlags().Duration(key, d.BarrierWaitTimeout, WrapString("Interval in which slaves re-announce barriers, gathers and pipe requests"))

	key = "resend-timeout"
	cmd.PersistentFlags().Duration(key, d.ResendTimeout, WrapString("How long the master waits for acknowledgments before it resends on its own"))

	key = "send-window"
	cmd.PersistentFlags().Int(key, d.SendWindow, WrapString("Maximum unacknowledged packets per pipe"))

	key = "max-resend-burst"
	cmd.PersistentFlags().Int(key, d.MaxResendBurst, WrapString("Maximum packets resent to one slave per tick"))

	key = "ack-every"
	cmd.PersistentFlags().Int(key, d.AckEvery, WrapString("Slaves acknowledge after this many packets"))

	key = "ack-delay"
	cmd.PersistentFlags().Duration(key, d.AckDelay, WrapString("Slaves acknowledge pending packets after this delay"))

	key = "tick-interval"
	cmd.PersistentFlags().Duration(key, d.TickInterval, WrapString("Resolution of the protocol timers"))

	key = "socket-write-buffer"
	cmd.PersistentFlags().Int(key, d.Socket.WriteBufferSize/1024, WrapString("The size of the socket write buffer (in KB, 0 = system default)"))

	key = "socket-read-buffer"
	cmd.PersistentFlags().Int(key, d.Socket.ReadBufferSize/1024, WrapString("The size of the socket read buffer (in KB, 0 = system default)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, d.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig initializes configuration from .env files and environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dmux")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetMuxConfig reads the multiplexer tuning flags from viper. The cluster layout is
// filled in by the calling command.
func GetMuxConfig() common.MuxConfig {
	conf := common.DefaultMuxConfig()
	conf.ConnectTimeout = viper.GetDuration("connect-timeout")
	conf.PingTimeout = viper.GetDuration("ping-timeout")
	conf.MaxPingRetries = viper.GetInt("max-ping-retries")
	conf.ReceiveWaitTimeout = viper.GetDuration("receive-wait-timeout")
	conf.BarrierWaitTimeout = viper.GetDuration("barrier-wait-timeout")
	conf.ResendTimeout = viper.GetDuration("resend-timeout")
	conf.SendWindow = viper.GetInt("send-window")
	conf.MaxResendBurst = viper.GetInt("max-resend-burst")
	conf.AckEvery = viper.GetInt("ack-every")
	conf.AckDelay = viper.GetDuration("ack-delay")
	conf.TickInterval = viper.GetDuration("tick-interval")
	conf.Socket = common.SocketConf{
		WriteBufferSize: viper.GetInt("socket-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("socket-read-buffer") * 1024,
	}
	conf.LogLevel = viper.GetString("log-level")
	return conf
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// ServeMetrics exposes the Prometheus metrics of the process on endpoint/metrics.
// It returns immediately, an empty endpoint disables the server.
func ServeMetrics(endpoint string) (*http.Server, error) {
	if endpoint == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	server := &http.Server{
		Addr:              endpoint,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	// surface bind errors right away
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("failed to serve metrics on %s: %w", endpoint, err)
	case <-time.After(100 * time.Millisecond):
		return server, nil
	}
}
