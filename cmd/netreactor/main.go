package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"netreactor"
)

type serveFlags struct {
	ConfigFile string
	Address    string
	Threads    int
	Poller     string
	Dispatch   string
	ReusePort  bool
}

type pingFlags struct {
	Address string
	Count   int
	Size    int
	Timeout time.Duration
}

var logLevel string

func main() {
	command := &cobra.Command{
		Use:   "netreactor",
		Short: "reactor based tcp echo server and client",
	}
	command.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error).")
	command.AddCommand(newServeCommand(), newPingCommand())

	err := command.Execute()
	if err != nil {
		log.Fatal().Msgf("%+v", err)
	}
}

func initLog(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func newServeCommand() *cobra.Command {
	f := new(serveFlags)
	command := &cobra.Command{
		Use:   "serve",
		Short: "run an echo server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe(cmd, f)
		},
	}
	command.Flags().StringVarP(&f.ConfigFile, "config", "c", "", "Use a configuration file (.yaml or .toml).")
	command.Flags().StringVarP(&f.Address, "address", "a", "", "Listen address, host:port.")
	command.Flags().IntVarP(&f.Threads, "threads", "t", 0, "Number of worker loops.")
	command.Flags().StringVar(&f.Poller, "poller", "", "Poller backend: epoll, poll or select.")
	command.Flags().StringVar(&f.Dispatch, "dispatch", "", "Connection dispatch: round_robin or peer_hash.")
	command.Flags().BoolVar(&f.ReusePort, "reuse-port", false, "Set SO_REUSEPORT on the listener.")
	return command
}

func loadServeConfig(cmd *cobra.Command, f *serveFlags) *netreactor.Config {
	config := netreactor.DefaultConfig()
	if f.ConfigFile != "" {
		loaded, err := netreactor.LoadConfig(f.ConfigFile)
		if err != nil {
			log.Fatal().Msgf("can't load config %s: %+v", f.ConfigFile, err)
		}
		config = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("address") {
		config.Server.Address = f.Address
	}
	if flags.Changed("threads") {
		config.Server.Threads = f.Threads
	}
	if flags.Changed("poller") {
		config.Server.Poller = f.Poller
	}
	if flags.Changed("dispatch") {
		config.Server.Dispatch = f.Dispatch
	}
	if flags.Changed("reuse-port") {
		config.Server.ReusePort = f.ReusePort
	}
	return config
}

func runServe(cmd *cobra.Command, f *serveFlags) {
	config := loadServeConfig(cmd, f)
	initLog(config.Global.LogLevel)
	log.Info().Msgf("starting echo server with config: %+v", config.Server)
	netreactor.RaiseFileLimit(0)

	pollerKind, err := netreactor.ParsePollerKind(config.Server.Poller)
	if err != nil {
		log.Fatal().Msgf("%+v: %s", err, config.Server.Poller)
	}
	dispatch, err := netreactor.ParseDispatchStrategy(config.Server.Dispatch)
	if err != nil {
		log.Fatal().Msgf("%+v", err)
	}
	listenAddr, err := netreactor.ResolveInetAddress(config.Server.Address)
	if err != nil {
		log.Fatal().Msgf("can't resolve %s: %+v", config.Server.Address, err)
	}
	loopConfig := netreactor.EventLoopConfig{
		Name:            config.Server.Name,
		Poller:          pollerKind,
		EventBufferSize: 256,
	}
	loop, err := netreactor.NewEventLoop(loopConfig)
	if err != nil {
		log.Fatal().Msgf("can't init event loop: %+v", err)
	}
	server, err := netreactor.NewTcpServer(loop, listenAddr, config.Server.Name,
		netreactor.WithReusePort(config.Server.ReusePort),
		netreactor.WithThreadNum(config.Server.Threads),
		netreactor.WithDispatch(dispatch),
		netreactor.WithHighWaterMark(config.Server.HighWaterMark),
		netreactor.WithLoopConfig(loopConfig),
	)
	if err != nil {
		log.Fatal().Msgf("can't create server: %+v", err)
	}
	server.SetConnectionCallback(func(conn *netreactor.TcpConnection) {
		if conn.Connected() {
			conn.SetTcpNoDelay(true)
		}
		log.Info().Msgf("%s -> %s connected: %t", conn.PeerAddress(), conn.LocalAddress(), conn.Connected())
	})
	server.SetMessageCallback(func(conn *netreactor.TcpConnection, buf *netreactor.Buffer, _ time.Time) {
		conn.SendBuffer(buf)
	})
	server.SetHighWaterMarkCallback(func(conn *netreactor.TcpConnection, queued int) {
		log.Warn().Msgf("[%s] %d bytes queued, pause reading", conn.Name(), queued)
		conn.StopRead()
	})
	server.SetWriteCompleteCallback(func(conn *netreactor.TcpConnection) {
		if !conn.IsReading() {
			conn.StartRead()
		}
	})
	if err = server.Start(); err != nil {
		log.Fatal().Msgf("can't start server: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go logStats(ctx, server, time.Duration(config.Server.StatsPeriodSec)*time.Second)
	go func() {
		osSignals := make(chan os.Signal, 1)
		signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
		sig := <-osSignals
		log.Info().Msgf("got signal %s, shutting down", sig)
		cancel()
		loop.Quit()
	}()

	loop.Loop()
	server.Stop()
	loop.Close()
}

func logStats(ctx context.Context, server *netreactor.TcpServer, period time.Duration) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := server.Stats()
			log.Info().Msgf("server %s active: %d accepted: %d sent: %d received: %d",
				stats.Name, stats.ActiveConnections, stats.TotalAccepted, stats.TotalSentBytes, stats.TotalReceivedBytes)
		}
	}
}

func newPingCommand() *cobra.Command {
	f := new(pingFlags)
	command := &cobra.Command{
		Use:   "ping",
		Short: "send pings to an echo server and measure round trips",
		Run: func(cmd *cobra.Command, args []string) {
			runPing(f)
		},
	}
	command.Flags().StringVarP(&f.Address, "address", "a", "127.0.0.1:2007", "Server address, host:port.")
	command.Flags().IntVarP(&f.Count, "count", "n", 5, "Number of pings.")
	command.Flags().IntVarP(&f.Size, "size", "s", 64, "Payload size in bytes.")
	command.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Second, "Give up after this long.")
	return command
}

func runPing(f *pingFlags) {
	initLog("")
	if f.Count <= 0 || f.Size <= 0 {
		log.Fatal().Msgf("count and size must be positive")
	}
	serverAddr, err := netreactor.ResolveInetAddress(f.Address)
	if err != nil {
		log.Fatal().Msgf("can't resolve %s: %+v", f.Address, err)
	}
	loop, err := netreactor.NewEventLoop(netreactor.EventLoopConfig{Name: "ping"})
	if err != nil {
		log.Fatal().Msgf("can't init event loop: %+v", err)
	}
	payload := make([]byte, f.Size)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	client := netreactor.NewTcpClient(loop, serverAddr, "ping")
	sent := 0
	var sentAt time.Time
	var total time.Duration
	client.SetConnectionCallback(func(conn *netreactor.TcpConnection) {
		if !conn.Connected() {
			loop.Quit()
			return
		}
		conn.SetTcpNoDelay(true)
		sentAt = time.Now()
		sent++
		conn.Send(payload)
	})
	client.SetMessageCallback(func(conn *netreactor.TcpConnection, buf *netreactor.Buffer, receiveTime time.Time) {
		if buf.ReadableBytes() < len(payload) {
			return
		}
		buf.Retrieve(len(payload))
		rtt := receiveTime.Sub(sentAt)
		total += rtt
		log.Info().Msgf("%d bytes from %s: seq=%d time=%v", len(payload), conn.PeerAddress(), sent, rtt)
		if sent >= f.Count {
			log.Info().Msgf("%d pings, avg %v", sent, total/time.Duration(sent))
			client.Disconnect()
			return
		}
		sentAt = time.Now()
		sent++
		conn.Send(payload)
	})
	timer := time.AfterFunc(f.Timeout, func() {
		log.Error().Msgf("no answer from %s within %v", f.Address, f.Timeout)
		loop.Quit()
	})
	client.Connect()
	loop.Loop()
	timer.Stop()
	client.Close()
	loop.Close()
}
