/*
droptestgw sits between game clients and a server and randomly drops a
share of the datagrams in both directions. Clients connect to the gateway
address; every client address gets its own upstream socket so the server
sees one peer per client.

Usage:

	./droptestgw -ip 127.0.0.2 -port 19133 -target 127.0.0.1:19132 -droprate 0.1
*/
package main

import (
	"errors"
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	gatewayIP   string
	gatewayPort int
	targetAddr  string
	dropRate    float64
	idleTimeout time.Duration
)

func init() {
	flag.StringVar(&gatewayIP, "ip", "127.0.0.2", "Gateway IP address")
	flag.IntVar(&gatewayPort, "port", 19133, "Gateway port number")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:19132", "Target server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
	flag.DurationVar(&idleTimeout, "idle", 30*time.Second, "Forget a client after this long without traffic")
}

// dropper decides packet by packet whether to forward. It is shared by all
// relay goroutines.
type dropper struct {
	mu   sync.Mutex
	rng  *rand.Rand
	rate float64
}

func newDropper(rate float64, seed int64) *dropper {
	return &dropper{rng: rand.New(rand.NewSource(seed)), rate: rate}
}

func (d *dropper) drop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < d.rate
}

// gateway relays datagrams between the clients of front and target.
type gateway struct {
	front    *net.UDPConn
	target   *net.UDPAddr
	drop     *dropper
	idle     time.Duration
	mu       sync.Mutex
	sessions map[string]*net.UDPConn
	wg       sync.WaitGroup
}

func newGateway(front *net.UDPConn, target *net.UDPAddr, d *dropper, idle time.Duration) *gateway {
	return &gateway{
		front:    front,
		target:   target,
		drop:     d,
		idle:     idle,
		sessions: make(map[string]*net.UDPConn),
	}
}

// serve forwards client datagrams until front is closed.
func (g *gateway) serve() error {
	buf := make([]byte, 2048)
	for {
		n, client, err := g.front.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if g.drop.drop() {
			log.Printf("Dropped datagram in client-to-server direction (size: %d)", n)
			continue
		}
		upstream, err := g.session(client)
		if err != nil {
			log.Printf("Error opening upstream for %s: %v", client, err)
			continue
		}
		if _, err := upstream.Write(buf[:n]); err != nil {
			log.Printf("Error forwarding from %s: %v", client, err)
		}
	}
}

func (g *gateway) session(client *net.UDPAddr) (*net.UDPConn, error) {
	key := client.String()
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.sessions[key]; ok {
		return c, nil
	}
	c, err := net.DialUDP("udp", nil, g.target)
	if err != nil {
		return nil, err
	}
	g.sessions[key] = c
	g.wg.Add(1)
	go g.relayBack(key, client, c)
	log.Printf("New client %s relayed through %s", client, c.LocalAddr())
	return c, nil
}

// relayBack copies server datagrams to client until the session idles out.
func (g *gateway) relayBack(key string, client *net.UDPAddr, upstream *net.UDPConn) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		if g.sessions[key] == upstream {
			delete(g.sessions, key)
		}
		g.mu.Unlock()
		upstream.Close()
	}()

	buf := make([]byte, 2048)
	for {
		upstream.SetReadDeadline(time.Now().Add(g.idle))
		n, err := upstream.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Printf("Client %s idle, closing its session", client)
			}
			return
		}
		if g.drop.drop() {
			log.Printf("Dropped datagram in server-to-client direction (size: %d)", n)
			continue
		}
		if _, err := g.front.WriteToUDP(buf[:n], client); err != nil {
			return
		}
	}
}

// close stops serve and every session.
func (g *gateway) close() {
	g.front.Close()
	g.mu.Lock()
	for _, c := range g.sessions {
		c.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func main() {
	flag.Parse()

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Fatalf("Invalid target address %s: %v", targetAddr, err)
	}
	front, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(gatewayIP), Port: gatewayPort})
	if err != nil {
		log.Fatalf("Gateway error listening at %s:%d: %v", gatewayIP, gatewayPort, err)
	}
	log.Printf("Drop gateway started at %s:%d (drop rate: %.1f%%)", gatewayIP, gatewayPort, dropRate*100)

	gw := newGateway(front, target, newDropper(dropRate, time.Now().UnixNano()), idleTimeout)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Println("Received SIGINT (Ctrl+C). Shutting down...")
		gw.close()
	}()

	if err := gw.serve(); err != nil {
		log.Printf("Gateway stopped: %v", err)
	}
	gw.close()
	log.Println("All sessions closed. Gateway exiting...")
}
