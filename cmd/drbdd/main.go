// cmd/drbdd is the replicated-volume daemon: it opens one Device,
// dials or accepts connections to its configured peers, and serves a
// read-only status endpoint over HTTP. Configuration is entirely via
// flags, the same single-binary-any-role shape as godkv's
// cmd/server/main.go.
//
// Example — two-node pair:
//
//	./drbdd --id node1 --data-dir /var/drbdgo/node1 --listen :7788 \
//	         --status-addr :8080 --peers node2=localhost:7790
//	./drbdd --id node2 --data-dir /var/drbdgo/node2 --listen :7790 \
//	         --status-addr :8081 --peers node1=localhost:7788
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"drbdgo/internal/config"
	"drbdgo/internal/device"
	"drbdgo/internal/request"
	"drbdgo/internal/statusapi"
	"drbdgo/internal/superblock"
	"drbdgo/internal/transport"
	"drbdgo/internal/wire"
)

func main() {
	nodeID := flag.String("id", "node1", "unique device identifier")
	dataDir := flag.String("data-dir", "/tmp/drbdgo", "directory for the backing store, bitmap, and superblock")
	listenAddr := flag.String("listen", ":7788", "data-socket listen address; the meta socket listens one port higher")
	statusAddr := flag.String("status-addr", ":8080", "address for the read-only /status and /healthz endpoints")
	peersFlag := flag.String("peers", "", "comma-separated list of peers: id=host:port (data port; meta is port+1)")
	protocolFlag := flag.String("protocol", "C", "replication protocol: A (send-through), B (remote-memory), or C (remote-durable)")
	blockSize := flag.Uint("block-size", 4096, "block size in bytes")
	netTimeout := flag.Duration("net-timeout", 6*time.Second, "data-socket round-trip timeout")
	metaTimeout := flag.Duration("meta-timeout", 2*time.Second, "ping round-trip timeout")
	koCount := flag.Int("ko-count", 4, "consecutive meta timeouts tolerated before declaring a peer dead")
	maxEpochSize := flag.Uint("max-epoch-size", 2048, "writes per epoch before a barrier is forced; 0 disables it")
	diskTimeout := flag.Duration("disk-timeout", 10*time.Second, "local I/O timeout")
	alExtents := flag.Int("al-extents", 1024, "activity log size, in pinned extents")
	onIOErrorFlag := flag.String("on-io-error", "pass-on", "local disk error policy: pass-on, detach, or panic")
	flag.Parse()

	proto, err := parseProtocol(*protocolFlag)
	if err != nil {
		log.Fatal(err)
	}
	onIOError, err := parseOnIOError(*onIOErrorFlag)
	if err != nil {
		log.Fatal(err)
	}

	netConf := config.NetConf{
		Protocol:     proto,
		Timeout:      *netTimeout,
		MetaTimeout:  *metaTimeout,
		KoCount:      *koCount,
		MaxEpochSize: uint32(*maxEpochSize),
	}
	diskConf := config.DiskConf{
		BlockSizeBytes:  uint32(*blockSize),
		DiskTimeout:     *diskTimeout,
		OnIOError:       onIOError,
		ActivityLogSize: *alExtents,
	}

	dev, err := device.Open(*nodeID, *dataDir, netConf, diskConf)
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer dev.Close()

	peers, err := parsePeers(*peersFlag)
	if err != nil {
		log.Fatal(err)
	}

	dataPort, err := portOf(*listenAddr)
	if err != nil {
		log.Fatalf("listen addr: %v", err)
	}
	metaAddr := withPort(*listenAddr, dataPort+1)

	rendez := newRendezvous()
	go acceptLoop(*listenAddr, rendez.submitData)
	go acceptLoop(metaAddr, rendez.submitMeta)

	for id, addr := range peers {
		go dialPeer(dev, netConf, diskConf, id, addr)
	}
	go acceptPeers(dev, netConf, diskConf, rendez)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(statusapi.Logger(), statusapi.Recovery())
	statusapi.NewHandler(dev).Register(r)

	srv := &http.Server{
		Addr:         *statusAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"device": *nodeID, "status_addr": *statusAddr}).Info("status endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("status server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.WithField("device", *nodeID).Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("status server shutdown")
	}
}

func parseProtocol(s string) (request.Protocol, error) {
	switch strings.ToUpper(s) {
	case "A":
		return request.ProtocolA, nil
	case "B":
		return request.ProtocolB, nil
	case "C":
		return request.ProtocolC, nil
	default:
		return 0, fmt.Errorf("drbdd: unknown protocol %q, want A, B, or C", s)
	}
}

func parseOnIOError(s string) (config.OnIOError, error) {
	switch strings.ToLower(s) {
	case "pass-on":
		return config.PassOn, nil
	case "detach":
		return config.Detach, nil
	case "panic":
		return config.PanicOnError, nil
	default:
		return 0, fmt.Errorf("drbdd: unknown on-io-error policy %q, want pass-on, detach, or panic", s)
	}
}

func parsePeers(flagVal string) (map[string]string, error) {
	peers := make(map[string]string)
	if flagVal == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(flagVal, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("drbdd: invalid peer %q, want id=host:port", entry)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

func withPort(addr string, port int) string {
	host, _, _ := net.SplitHostPort(addr)
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// dialPeer opens the data and meta sockets to one configured peer,
// handshakes, and attaches it to dev. It retries with backoff since the
// peer may not be listening yet — the two nodes in a pair are usually
// started independently.
func dialPeer(dev *device.Device, netConf config.NetConf, diskConf config.DiskConf, id, addr string) {
	dataPort, err := portOf(addr)
	if err != nil {
		log.WithError(err).WithField("peer", id).Error("invalid peer address")
		return
	}
	metaAddr := withPort(addr, dataPort+1)

	backoff := time.Second
	for {
		dataConn, err := net.DialTimeout("tcp", addr, netConf.Timeout)
		if err != nil {
			log.WithError(err).WithField("peer", id).Debug("dial data socket failed, retrying")
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, 30*time.Second)
			continue
		}
		metaConn, err := net.DialTimeout("tcp", metaAddr, netConf.Timeout)
		if err != nil {
			dataConn.Close()
			log.WithError(err).WithField("peer", id).Debug("dial meta socket failed, retrying")
			time.Sleep(backoff)
			backoff = minDuration(backoff*2, 30*time.Second)
			continue
		}

		if attachConnected(dev, netConf, diskConf, id, addr, dataConn, metaConn) {
			return
		}
		time.Sleep(backoff)
	}
}

// acceptPeers drains the rendezvous point for inbound connection pairs
// and attaches each as a peer, keyed by the remote host plus an
// ":inbound" suffix. Since ReportParams carries no identity field, the
// accepting side learns the peer's ID from the remote address alone — adequate for the
// configured-peers model this daemon supports, where every peer's
// address is already known from --peers.
func acceptPeers(dev *device.Device, netConf config.NetConf, diskConf config.DiskConf, rendez *rendezvous) {
	for pair := range rendez.pairs {
		addr := pair.data.RemoteAddr().String()
		host, _, _ := net.SplitHostPort(addr)
		id := host + ":inbound"
		attachConnected(dev, netConf, diskConf, id, addr, pair.data, pair.meta)
	}
}

func attachConnected(dev *device.Device, netConf config.NetConf, diskConf config.DiskConf, id, addr string, dataConn, metaConn net.Conn) bool {
	conn := transport.NewConnection(dataConn, metaConn, netConf, dev.NewPeerDispatcher(id))

	local := wire.ReportParams{
		BlockSize: diskConf.BlockSizeBytes,
		Protocol:  wire.Protocol(netConf.Protocol),
	}
	peerParams, err := conn.Handshake(local)
	if err != nil {
		log.WithError(err).WithField("peer", id).Warn("handshake failed")
		conn.Close()
		return false
	}

	if err := dev.AttachPeer(id, addr, conn, superblock.GenCnt(peerParams.GenCnt)); err != nil {
		log.WithError(err).WithField("peer", id).Error("attach peer refused")
		conn.Close()
		return false
	}
	log.WithField("peer", id).Info("peer attached")
	return true
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

type pendingPair struct {
	data net.Conn
	meta net.Conn
}

// rendezvous pairs an inbound data connection with its inbound meta
// connection from the same remote host, since they arrive on separate
// listeners and in no guaranteed order.
type rendezvous struct {
	pairs chan pendingPair

	mu      sync.Mutex
	waiting map[string]net.Conn // host|data or host|meta -> whichever arrived first
}

func newRendezvous() *rendezvous {
	return &rendezvous{
		pairs:   make(chan pendingPair, 8),
		waiting: make(map[string]net.Conn),
	}
}

func waitKey(host string, isData bool) string {
	if isData {
		return host + "|data"
	}
	return host + "|meta"
}

func (r *rendezvous) submitData(conn net.Conn) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	r.mu.Lock()
	if partner, ok := r.waiting[waitKey(host, false)]; ok {
		delete(r.waiting, waitKey(host, false))
		r.mu.Unlock()
		r.pairs <- pendingPair{data: conn, meta: partner}
		return
	}
	r.waiting[waitKey(host, true)] = conn
	r.mu.Unlock()
}

func (r *rendezvous) submitMeta(conn net.Conn) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	r.mu.Lock()
	if partner, ok := r.waiting[waitKey(host, true)]; ok {
		delete(r.waiting, waitKey(host, true))
		r.mu.Unlock()
		r.pairs <- pendingPair{data: partner, meta: conn}
		return
	}
	r.waiting[waitKey(host, false)] = conn
	r.mu.Unlock()
}

func acceptLoop(addr string, submit func(net.Conn)) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Fatal("listen failed")
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).WithField("addr", addr).Warn("accept failed")
			continue
		}
		submit(conn)
	}
}
