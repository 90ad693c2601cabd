// Command spaced is one space-server process: it loads its configuration,
// wires every core component (OSeg, Loc, Prox, the forwarder and its fair
// queue, SST, the connection manager, stats, housekeeping), and runs until
// an interrupt or terminate signal asks it to shut down. Stdlib flag
// parsing, a version flag, cos.ExitLogf on any startup failure, a signal
// handler, nlog.Flush on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sirikata/spaced/cmn/cos"
	"github.com/sirikata/spaced/cmn/nlog"
	"github.com/sirikata/spaced/conn"
	"github.com/sirikata/spaced/config"
	"github.com/sirikata/spaced/forwarder"
	"github.com/sirikata/spaced/hk"
	"github.com/sirikata/spaced/loc"
	"github.com/sirikata/spaced/odp"
	"github.com/sirikata/spaced/oseg"
	"github.com/sirikata/spaced/prox"
	"github.com/sirikata/spaced/sched"
	"github.com/sirikata/spaced/sst"
	"github.com/sirikata/spaced/stats"
)

var (
	build     string
	buildtime string
)

func printVer() {
	fmt.Printf("spaced version %s (build %s)\n", build, buildtime)
}

func main() {
	if len(os.Args) == 2 && os.Args[1] == "version" {
		printVer()
		os.Exit(0)
	}

	var fl config.Flags
	fl.Register(flag.CommandLine)
	flag.Parse()

	cfg, err := loadConfig(&fl)
	if err != nil {
		cos.ExitLogf(1, "spaced: %v", err)
	}

	nlog.Infof("spaced starting: self=%d version=%s (build %s)", cfg.Self, build, buildtime)

	srv, err := newServer(cfg)
	if err != nil {
		cos.ExitLogf(1, "spaced: failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.Run(ctx)

	nlog.Infof("spaced: shut down cleanly")
	nlog.Flush(true)
}

func loadConfig(fl *config.Flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if fl.ConfigPath != "" {
		cfg, err = config.Load(fl.ConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := fl.Apply(flag.CommandLine, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// server bundles every wired component so main can keep Run tiny and
// Close ordering explicit.
type server struct {
	cfg *config.Config

	pool   *sched.Pool
	net    *sched.Strand
	proxS  *sched.Strand

	host odp.HostService
	dir  *oseg.Directory
	loc  *loc.Service
	cache *loc.Cache
	fwd  *forwarder.Forwarder
	recv *forwarder.Receiver
	mgr  *conn.Manager
	wire *conn.Wire
	sst  *sst.Transport
	prox *prox.Engine
	reg  *stats.Registry
	fq   *weightFeedback
}

func newServer(cfg *config.Config) (*server, error) {
	store, err := openOSegStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open oseg store: %w", err)
	}

	pool := sched.NewPool(0)
	netStrand := pool.NewStrand("net-io")
	proxStrand := pool.NewStrand("prox")

	dir := oseg.NewDirectory(cfg.Self, cfg.OSeg.Prefix, store, cfg.OSeg.CacheCapacity)
	locSvc := loc.NewService(4096)
	cache := loc.NewCache(locSvc, proxStrand, true)
	engine := prox.NewEngine(cache)

	host := odp.NewMemHostService(cfg.Self)

	fwd := forwarder.New(cfg.Self, host, dir, netStrand)

	reg := stats.New(fmt.Sprintf("%d", cfg.Self))
	fwd.OnDrop(func(reason forwarder.DropReason, dest cos.OID) {
		reg.ForwarderDrops.WithLabelValues(reason.String()).Inc()
	})

	fq := newWeightFeedback(cfg.Self, host, fwd, reg)
	recv := forwarder.NewReceiver(cfg.Capacity, fq.rebroadcast)

	mgr := conn.NewManager(cfg.Self, dir, locSvc, fwd, []byte(cfg.JWTSecret))
	wire := conn.NewWire(cfg.Self, host, mgr, func(oid cos.OID) func(odp.Datagram) bool {
		// The far side of a migrated-in object's local-session handler is
		// whatever terminates its client-facing connection, out of this
		// module's space-server-core scope (spec.md's title and Non-goals);
		// logging here marks the boundary rather than silently dropping.
		return func(dg odp.Datagram) bool {
			nlog.Infof("conn: %s: datagram delivered post-migration (no client transport wired)", oid)
			return true
		}
	})
	mgr.SetRecordSender(wire.SendRecord)
	mgr.SetAckSender(wire.SendAck)

	sstTransport := sst.NewTransport(cfg.Self, host, sst.DefaultPort)

	hk.Reg("conn-migration-timeout", func() time.Duration {
		n := mgr.SweepMigrationTimeouts(cfg.MigrationTimeout.D())
		if n > 0 {
			reg.MigrationsAborted.Add(float64(n))
		}
		return cfg.MigrationTimeout.D()
	}, cfg.MigrationTimeout.D())

	return &server{
		cfg: cfg, pool: pool, net: netStrand, proxS: proxStrand,
		host: host, dir: dir, loc: locSvc, cache: cache, fwd: fwd, recv: recv,
		mgr: mgr, wire: wire, sst: sstTransport, prox: engine, reg: reg, fq: fq,
	}, nil
}

func openOSegStore(cfg *config.Config) (oseg.Store, error) {
	if cfg.OSeg.Host != "" {
		addr := fmt.Sprintf("%s:%d", cfg.OSeg.Host, cfg.OSeg.Port)
		return oseg.NewRedisStore(addr)
	}
	return oseg.NewBuntStore(cfg.OSeg.Path)
}

// Run starts the housekeeper, the metrics server and periodic prox
// ticking, then blocks until ctx is cancelled (by a caught signal),
// tearing every component down in roughly reverse-dependency order.
func (s *server) Run(ctx context.Context) {
	go hk.DefaultHK.Run()

	go func() {
		if err := s.reg.Serve(s.cfg.MetricsAddr); err != nil {
			nlog.Warningf("spaced: metrics server stopped: %v", err)
		}
	}()

	stopRecv := make(chan struct{})
	s.recv.Run(s.net, s.cfg.ReceiverSamplePeriod.D(), stopRecv)

	proxTicker := time.NewTicker(100 * time.Millisecond)
	defer proxTicker.Stop()
	go func() {
		for {
			select {
			case <-proxTicker.C:
				s.proxS.Post(s.prox.Tick)
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	nlog.Infof("spaced: shutting down")

	close(stopRecv)
	hk.DefaultHK.Stop()
	s.wire.Close()
	if err := s.sst.Close(); err != nil {
		nlog.Warningf("spaced: sst close: %v", err)
	}
	s.fwd.Close()
	if err := s.host.Close(); err != nil {
		nlog.Warningf("spaced: host close: %v", err)
	}
	s.pool.Close()
}

// weightFeedback closes the fair-queueing loop across the wire: a
// server's Receiver measures inbound rate per peer and calls rebroadcast,
// which here ships the peer's used weight back to it so its forwarder can
// rebalance (spec.md §4.6); on the remote end onDatagram applies it via
// Forwarder.UpdatePeerWeight. Kept local to cmd/spaced rather than a new
// package since it is pure glue between two already-built components.
type weightFeedback struct {
	self cos.ServerID
	host odp.HostService
	fwd  *forwarder.Forwarder
	reg  *stats.Registry
}

const weightFeedbackPort odp.Port = 18

type weightMsg struct {
	UsedWeight float64 `json:"used_weight"`
}

func newWeightFeedback(self cos.ServerID, host odp.HostService, fwd *forwarder.Forwarder, reg *stats.Registry) *weightFeedback {
	f := &weightFeedback{self: self, host: host, fwd: fwd, reg: reg}
	host.Listen(weightFeedbackPort, f.onDatagram)
	return f
}

func (f *weightFeedback) rebroadcast(peer cos.ServerID, usedWeight float64) {
	f.reg.FairQueueShare.WithLabelValues(fmt.Sprintf("%d", peer)).Set(usedWeight)
	b, err := jsoniter.Marshal(weightMsg{UsedWeight: usedWeight})
	if err != nil {
		nlog.Warningf("fq: encode weight feedback for %d: %v", peer, err)
		return
	}
	err = f.host.Send(odp.OHDPDatagram{
		Header: odp.OHDPHeader{
			SourceHost: f.self, DestHost: peer,
			SrcPort: weightFeedbackPort, DstPort: weightFeedbackPort,
		},
		Payload: b,
	})
	if err != nil {
		nlog.Warningf("fq: send weight feedback to %d: %v", peer, err)
	}
}

func (f *weightFeedback) onDatagram(dg odp.OHDPDatagram) {
	var m weightMsg
	if err := jsoniter.Unmarshal(dg.Payload, &m); err != nil {
		nlog.Warningf("fq: malformed weight feedback from %d: %v", dg.Header.SourceHost, err)
		return
	}
	f.fwd.UpdatePeerWeight(dg.Header.SourceHost, m.UsedWeight)
}
