// Package bridge exposes each simulated node's serial port as a TCP
// endpoint, so external tools can attach to a node the same way they would
// to real hardware.
package bridge

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// writeQueueDepth bounds buffered outbound serial data per node. When a
// client cannot keep up, data is dropped rather than stalling the run.
const writeQueueDepth = 256

// writeDeadline bounds a single TCP write to a slow client.
const writeDeadline = 2 * time.Second

// Injector accepts externally received serial bytes for a node. Implemented
// by the coordinator; safe for concurrent use.
type Injector interface {
	InjectSerialRx(node string, data []byte) error
}

// Bridge manages the per-node TCP serial endpoints and implements the
// coordinator's serial sink.
type Bridge struct {
	inj   Injector
	mu    sync.Mutex
	nodes map[string]*nodeBridge
}

// New creates an empty bridge feeding inj.
func New(inj Injector) *Bridge {
	return &Bridge{inj: inj, nodes: make(map[string]*nodeBridge)}
}

// Listen opens a TCP endpoint for one node. Port 0 picks a free port; use
// Port to discover it.
func (b *Bridge) Listen(node string, port int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.nodes[node]; dup {
		return fmt.Errorf("serial bridge for node %q already listening", node)
	}
	nb, err := listenNode(node, port, b.inj)
	if err != nil {
		return err
	}
	b.nodes[node] = nb
	logrus.Infof("serial bridge for %s listening on %s", node, nb.ln.Addr())
	return nil
}

// Port returns the bound TCP port for a node, or 0 if none.
func (b *Bridge) Port(node string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	nb, ok := b.nodes[node]
	if !ok {
		return 0
	}
	return nb.ln.Addr().(*net.TCPAddr).Port
}

// WriteSerial forwards node serial output to attached clients. Called from
// the coordinator's control goroutine; never blocks on a slow client.
func (b *Bridge) WriteSerial(node string, data []byte) {
	b.mu.Lock()
	nb := b.nodes[node]
	b.mu.Unlock()
	if nb == nil {
		return
	}
	nb.write(data)
}

// Close shuts down all endpoints and waits for their goroutines.
func (b *Bridge) Close() {
	b.mu.Lock()
	nodes := b.nodes
	b.nodes = make(map[string]*nodeBridge)
	b.mu.Unlock()
	for _, nb := range nodes {
		nb.close()
	}
}

// nodeBridge is one node's TCP endpoint: an accept loop, a read loop per
// connection injecting into the simulation, and a single writer goroutine
// fanning node output out to every attached client.
type nodeBridge struct {
	node string
	inj  Injector
	ln   net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	out  chan []byte
	done chan struct{}
	wg   sync.WaitGroup
}

func listenNode(node string, port int, inj Injector) (*nodeBridge, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("serial bridge for node %q: %w", node, err)
	}
	nb := &nodeBridge{
		node:  node,
		inj:   inj,
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
		out:   make(chan []byte, writeQueueDepth),
		done:  make(chan struct{}),
	}
	nb.wg.Add(2)
	go nb.acceptLoop()
	go nb.writeLoop()
	return nb, nil
}

func (nb *nodeBridge) write(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case nb.out <- buf:
	default:
		logrus.Warnf("serial bridge for %s: output queue full, dropping %d bytes", nb.node, len(data))
	}
}

func (nb *nodeBridge) close() {
	select {
	case <-nb.done:
		return
	default:
	}
	close(nb.done)
	nb.ln.Close()
	nb.mu.Lock()
	for conn := range nb.conns {
		conn.Close()
	}
	nb.mu.Unlock()
	nb.wg.Wait()
}

func (nb *nodeBridge) acceptLoop() {
	defer nb.wg.Done()
	for {
		conn, err := nb.ln.Accept()
		if err != nil {
			select {
			case <-nb.done:
			default:
				logrus.Warnf("serial bridge for %s: accept: %v", nb.node, err)
			}
			return
		}
		nb.mu.Lock()
		nb.conns[conn] = struct{}{}
		nb.mu.Unlock()
		logrus.Debugf("serial bridge for %s: client %s attached", nb.node, conn.RemoteAddr())

		nb.wg.Add(1)
		go nb.readLoop(conn)
	}
}

// readLoop injects everything a client sends as serial input for the node.
func (nb *nodeBridge) readLoop(conn net.Conn) {
	defer nb.wg.Done()
	defer nb.drop(conn)

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if ierr := nb.inj.InjectSerialRx(nb.node, data); ierr != nil {
				logrus.Warnf("serial bridge for %s: %v", nb.node, ierr)
			}
		}
		if err != nil {
			select {
			case <-nb.done:
			default:
				logrus.Debugf("serial bridge for %s: client %s detached: %v", nb.node, conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (nb *nodeBridge) drop(conn net.Conn) {
	nb.mu.Lock()
	delete(nb.conns, conn)
	nb.mu.Unlock()
	conn.Close()
}

func (nb *nodeBridge) writeLoop() {
	defer nb.wg.Done()
	for {
		select {
		case <-nb.done:
			return
		case data := <-nb.out:
			nb.mu.Lock()
			targets := make([]net.Conn, 0, len(nb.conns))
			for conn := range nb.conns {
				targets = append(targets, conn)
			}
			nb.mu.Unlock()
			for _, conn := range targets {
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if _, err := conn.Write(data); err != nil {
					logrus.Debugf("serial bridge for %s: dropping client %s: %v", nb.node, conn.RemoteAddr(), err)
					nb.drop(conn)
				}
			}
		}
	}
}
