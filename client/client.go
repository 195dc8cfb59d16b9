/*
client pings a server the way the Bedrock server list does and prints its
advertisement. With -probe it also runs the open connection handshake and
reports the negotiated MTU.

Usage:

	./client [options]
	Options:
	  -server string   server address (default "127.0.0.1:19132")
	  -count int       number of pings (default 4)
	  -interval dur    time between pings (default 1s)
	  -timeout dur     time to wait for each answer (default 2s)
	  -probe           negotiate an MTU after pinging
	  -mtu int         MTU to start the probe from (default 1400)
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/Clouded-Sabre/pseudo-raknet/lib"
)

var (
	serverAddr string
	count      int
	interval   time.Duration
	timeout    time.Duration
	probe      bool
	mtu        int
)

func init() {
	flag.StringVar(&serverAddr, "server", "127.0.0.1:19132", "server address(IP:Port)")
	flag.IntVar(&count, "count", 4, "number of pings")
	flag.DurationVar(&interval, "interval", time.Second, "time between pings")
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "time to wait for each answer")
	flag.BoolVar(&probe, "probe", false, "negotiate an MTU after pinging")
	flag.IntVar(&mtu, "mtu", lib.MaxMTU, "MTU to start the probe from")
	flag.Parse()
}

func main() {
	answered := 0
	for i := 0; i < count; i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		pong, rtt, err := lib.Ping(ctx, serverAddr)
		cancel()
		if err != nil {
			fmt.Printf("Ping %d to %s failed: %s\n", i+1, serverAddr, err)
			continue
		}
		answered++
		ad, err := lib.ParseAdvertisement(pong.Data)
		if err != nil {
			fmt.Printf("Pong from %s in %s, server %d, raw data %q\n", serverAddr, rtt, pong.ServerID, pong.Data)
			continue
		}
		fmt.Printf("Pong from %s in %s: %q %d/%d online, %s %s (protocol %d)\n",
			serverAddr, rtt, ad.Motd, ad.Online, ad.MaxConnections, ad.GameMode, ad.Version, ad.Protocol)
	}
	if answered == 0 {
		os.Exit(1)
	}

	if probe {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		negotiated, err := lib.ProbeMTU(ctx, serverAddr, mtu, rand.Int63())
		if err != nil {
			fmt.Println("MTU probe failed:", err)
			os.Exit(1)
		}
		fmt.Printf("Negotiated MTU with %s: %d\n", serverAddr, negotiated)
	}
}
