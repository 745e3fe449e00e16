// Command meshnode boots one p2p host: it loads configuration, builds the
// transport/security/muxer stack, wires up the Identify and Kademlia
// protocols on top of host.Host, listens on the configured addresses, and
// blocks until signalled — the glue the rest of this module is a library
// for. It registers no application-level protocol handler (echo, chat,
// gossip, ...); wiring one in is left to a caller of the library packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"go.meshnet.dev/p2p/config"
	"go.meshnet.dev/p2p/connmgr"
	"go.meshnet.dev/p2p/host"
	"go.meshnet.dev/p2p/identify"
	"go.meshnet.dev/p2p/internal/xlog"
	"go.meshnet.dev/p2p/kademlia"
	"go.meshnet.dev/p2p/kademlia/query"
	"go.meshnet.dev/p2p/muxer"
	"go.meshnet.dev/p2p/muxer/mplex"
	"go.meshnet.dev/p2p/muxer/yamux"
	"go.meshnet.dev/p2p/obsaddr"
	"go.meshnet.dev/p2p/peer"
	"go.meshnet.dev/p2p/peerstore"
	"go.meshnet.dev/p2p/secureconn"
	"go.meshnet.dev/p2p/secureconn/noise"
	"go.meshnet.dev/p2p/secureconn/plaintext"
	"go.meshnet.dev/p2p/secureconn/tls"
	"go.meshnet.dev/p2p/transport"
)

const protocolVersion = "/meshnode/1.0.0"
const agentVersion = "meshnode/0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "meshnode"
	app.Usage = "run a meshnode p2p host"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to a meshnode.toml configuration file",
		},
		cli.StringSliceFlag{
			Name:  "listen, l",
			Usage: "listen multiaddr (repeatable); overrides the config file's listen_addrs",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "INFO",
			Usage: "CRITICAL, ERROR, WARNING, NOTICE, INFO, or DEBUG",
		},
		cli.BoolFlag{
			Name:  "syslog",
			Usage: "log to syslog instead of stderr",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "meshnode:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if addrs := c.StringSlice("listen"); len(addrs) > 0 {
		cfg.ListenAddrs = addrs
	}

	level, err := logging.LogLevel(c.String("log-level"))
	if err != nil {
		level = logging.INFO
	}
	xlog.Setup(level, c.Bool("syslog"))
	log := xlog.Get("meshnode")

	priv, pub, err := peer.GenerateEd25519()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	self, err := peer.FromPublicKey(pub)
	if err != nil {
		return fmt.Errorf("derive peer id: %w", err)
	}
	log.Noticef("local peer id: %s", self)

	ps := peerstore.New()
	obs := obsaddr.New()
	cm := connmgr.New(func(p peer.ID, _ *connmgr.Conn) {
		log.Infof("connection to %s closed", p)
	})

	strict := cfg.StrictMultistream
	var identifySvc *identify.Service
	hostCfg := host.Config{
		Self:              self,
		PrivateKey:        priv,
		Transports:        []transport.Transport{transport.NewTCP()},
		Security:          buildSecurity(self, priv, cfg.Security),
		Muxers:            buildMuxers(cfg.Muxers),
		Peerstore:         ps,
		ConnManager:       cm,
		ConnectTimeout:    cfg.ConnectTimeout.Duration(),
		StrictMultistream: &strict,
		OnConn: func(conn *connmgr.Conn) {
			if identifySvc == nil {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout.Duration())
				defer cancel()
				if err := identifySvc.Push(ctx, conn.Remote, conn.RemoteAddr); err != nil {
					log.Debugf("identify push to %s: %v", conn.Remote, err)
				}
			}()
		},
	}
	h := host.New(hostCfg)

	identifySvc = identify.New(self, identify.LocalInfo{
		ProtocolVersion: protocolVersion,
		AgentVersion:    agentVersion,
		PrivateKey:      priv,
		ListenAddrs:     h.Addrs,
		Protocols:       func() []string { return []string{identify.ProtocolID, query.ProtocolID} },
	}, ps, obs, h)

	h.SetStreamHandler(identify.ProtocolID, func(stream muxer.Stream, info host.StreamInfo) {
		if err := identifySvc.Handle(stream, info.Remote, info.LocalAddr, info.RemoteAddr, info.IsInitiator, true); err != nil {
			log.Debugf("identify handle from %s: %v", info.Remote, err)
		}
	})

	kad := kademlia.New(self, livenessChecker{h}, h, kademlia.Options{BucketSize: cfg.Kademlia.BucketSize})
	kad.Engine.Alpha = cfg.Kademlia.Alpha
	if t := cfg.Kademlia.QueryTimeout.Duration(); t > 0 {
		kad.Engine.QueryTimeout = t
	}
	h.SetStreamHandler(query.ProtocolID, func(stream muxer.Stream, info host.StreamInfo) {
		if err := kad.Server.HandleStream(stream); err != nil {
			log.Debugf("kademlia handle from %s: %v", info.Remote, err)
		}
	})

	for _, raw := range cfg.ListenAddrs {
		addr, err := peer.ParseMultiaddr(raw)
		if err != nil {
			return fmt.Errorf("parse listen_addrs %q: %w", raw, err)
		}
		if err := h.Listen(addr); err != nil {
			return fmt.Errorf("listen on %s: %w", raw, err)
		}
		log.Noticef("listening on %s", addr)
	}

	bootstrap(context.Background(), log, ps, kad, cfg.Kademlia.BootstrapPeers)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-stop
	log.Notice("shutting down")
	return h.Close()
}

// bootstrap seeds the routing table from the configured bootstrap peers and
// runs one FIND_NODE(self) to pull in their neighbors, the standard
// Kademlia join procedure.
func bootstrap(ctx context.Context, log *logging.Logger, ps *peerstore.Peerstore, kad *kademlia.Kademlia, peers []string) {
	if len(peers) == 0 {
		return
	}
	for _, raw := range peers {
		addr, err := peer.ParseMultiaddr(raw)
		if err != nil {
			log.Warningf("bootstrap: parse %q: %v", raw, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warningf("bootstrap: parse %q: %v", raw, err)
			continue
		}
		for _, a := range info.Addrs {
			ps.AddrBook.AddAddr(info.ID, a, peerstore.TTLPermanent)
		}
		kad.Table.Add(ctx, info.ID)
	}

	bctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, _, err := kad.Engine.FindNode(bctx, kad.Engine.Self); err != nil {
		log.Infof("bootstrap lookup: %v", err)
	}
}

// livenessChecker adapts host.Host into table.PeerLivenessChecker: a
// candidate is alive if a Kademlia stream can still be opened to it.
type livenessChecker struct {
	h *host.Host
}

func (l livenessChecker) IsAlive(ctx context.Context, p peer.ID) bool {
	stream, err := l.h.OpenStream(ctx, p, query.ProtocolID)
	if err != nil {
		return false
	}
	stream.Close()
	return true
}

func buildSecurity(self peer.ID, priv peer.PrivKey, kinds []config.Security) []secureconn.Transport {
	out := make([]secureconn.Transport, 0, len(kinds))
	for _, k := range kinds {
		switch k {
		case config.SecurityNoise:
			out = append(out, noise.New(self, priv))
		case config.SecurityTLS:
			out = append(out, tls.New(self, priv))
		case config.SecurityPlaintext:
			out = append(out, plaintext.New(self, priv))
		}
	}
	return out
}

func buildMuxers(kinds []config.Muxer) []muxer.Transport {
	out := make([]muxer.Transport, 0, len(kinds))
	for _, k := range kinds {
		switch k {
		case config.MuxerYamux:
			out = append(out, yamux.New(muxer.DefaultConfig))
		case config.MuxerMplex:
			out = append(out, mplex.New(muxer.DefaultConfig))
		}
	}
	return out
}
