/*
server is a demo game server on top of the transport. It answers server
list pings with an advertisement built from config.yaml and echoes every
application packet back to its sender on the same reliability class.

Usage:

	./server [options]
	Options:
	  -config string  configuration file (default "config.yaml")
	  -addr string    overrides the bind address from the configuration
*/
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/pseudo-raknet/config"
	"github.com/Clouded-Sabre/pseudo-raknet/lib"
	"go.uber.org/zap"
)

var (
	configPath string
	addrFlag   string
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&addrFlag, "addr", "", "bind address, overrides the configuration")
	flag.Parse()
}

// echoListener sends every application payload back to where it came from.
type echoListener struct {
	lib.BaseListener
	cfg    *config.Config
	log    *zap.Logger
	socket *lib.ServerSocket
}

func (l *echoListener) OnRequestServerData() []byte {
	return lib.Advertisement{
		Motd:           l.cfg.Motd,
		Protocol:       l.cfg.GameProtocol,
		Version:        l.cfg.GameVersion,
		Online:         l.socket.ConnectionCount(),
		MaxConnections: l.cfg.MaxConnections,
		ServerID:       l.socket.ServerID(),
		SubMotd:        l.cfg.SubMotd,
		GameMode:       l.cfg.GameMode,
	}.Bytes()
}

func (l *echoListener) OnConnectionEstablished(c *lib.Connection) {
	l.log.Info("Client connected", zap.Stringer("remote", c.Addr()), zap.Int("mtu", c.MTU()))
}

func (l *echoListener) OnEncapsulated(c *lib.Connection, payload []byte) {
	if err := c.Send(payload, lib.PriorityMedium, lib.ReliableOrdered, 0); err != nil {
		l.log.Warn("Echo failed", zap.Stringer("remote", c.Addr()), zap.Error(err))
	}
}

func (l *echoListener) OnDisconnect(c *lib.Connection, reason lib.DisconnectReason) {
	l.log.Info("Client disconnected", zap.Stringer("remote", c.Addr()), zap.Stringer("reason", reason))
}

func main() {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	if addrFlag != "" {
		cfg.Address = addrFlag
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Println("Error creating logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	listener := &echoListener{cfg: cfg, log: logger}
	socket := lib.NewServerSocket(listener, lib.NewServerSocketConfig(cfg, logger))
	listener.socket = socket

	for _, ip := range cfg.BlockedAddresses {
		if parsed := net.ParseIP(ip); parsed != nil {
			socket.BlockAddress(parsed, 0)
		} else {
			logger.Warn("Ignoring invalid blocked address", zap.String("ip", ip))
		}
	}

	if err := socket.Listen(cfg.Address); err != nil {
		logger.Fatal("Failed to start server socket", zap.Error(err))
	}

	// Listen for interrupt signal (Ctrl+C)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan
	logger.Info("Shutting down")
	if err := socket.Close(); err != nil {
		logger.Warn("Error closing server socket", zap.Error(err))
	}
}
