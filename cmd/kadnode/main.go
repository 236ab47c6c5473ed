// Command kadnode runs a standalone Kademlia DHT node: it loads
// configuration, wires up logging/metrics/storage, joins the network via
// its configured seeds (or a saved state file), and then serves a small
// put/get command loop on stdin — the same surface the lab's original CLI
// offered, now backed by the full Server (spec §1's "thin CLI wrapper").
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kadlib/kadnode/config"
	"github.com/kadlib/kadnode/kademlia"
	"github.com/kadlib/kadnode/metrics"
	"github.com/kadlib/kadnode/storage"
)

func main() {
	app := &cli.App{
		Name:  "kadnode",
		Usage: "run a Kademlia DHT node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML config file"},
			&cli.StringFlag{Name: "listen", Usage: "override listen_addr"},
			&cli.BoolFlag{Name: "load-state", Usage: "bootstrap from the configured state file instead of config seeds"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithField("function", "main").Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if l := c.String("listen"); l != "" {
		cfg.ListenAddr = l
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log_level: %w", err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "main")

	nodeID := kademlia.NewRandomNodeID()
	if cfg.NodeID != "" {
		nodeID, err = kademlia.NewNodeID(cfg.NodeID)
		if err != nil {
			return fmt.Errorf("parse node_id: %w", err)
		}
	}
	self, err := selfContact(nodeID, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen_addr: %w", err)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, m.Handler()); err != nil {
				log.WithField("function", "metrics").Error(err)
			}
		}()
	}

	var store kademlia.Store
	if cfg.StoragePath != "" {
		pebbleStore, err := storage.OpenPebble(cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer pebbleStore.Close()
		store = pebbleStore
	} else {
		store = storage.NewMemory()
	}

	server, err := kademlia.NewServer(self, cfg.KSize, cfg.Alpha, store, cfg.RPCTimeout, cfg.RefreshInterval, cfg.RepublishInterval, cfg.WelcomeEnabled, m)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.Bool("load-state") {
		if st, err := kademlia.LoadState(cfg.StateFile); err != nil {
			log.WithField("function", "run").Warn("no usable state file, starting unbootstrapped")
		} else {
			joined := server.Bootstrap(ctx, st.SeedContacts())
			log.WithField("joined", len(joined)).Info("bootstrapped from state file")
		}
	} else if len(cfg.Seeds) > 0 {
		var seeds []kademlia.Contact
		for _, s := range cfg.Seeds {
			seeds = append(seeds, kademlia.Contact{IP: s.IP, Port: s.Port})
		}
		joined := server.Bootstrap(ctx, seeds)
		log.WithField("joined", len(joined)).Info("bootstrapped from configured seeds")
	}

	go server.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		defer close(done)
		replLoop(ctx, server, log)
	}()

	select {
	case <-sig:
		log.Info("received shutdown signal")
	case <-done:
		log.Info("command loop exited")
	}

	if err := server.SaveState(cfg.StateFile); err != nil {
		log.WithField("function", "run").Warn(err)
	}
	return server.Close()
}

func selfContact(id kademlia.NodeID, listenAddr string) (kademlia.Contact, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return kademlia.Contact{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return kademlia.Contact{}, fmt.Errorf("parse port: %w", err)
	}
	return kademlia.NewContact(id, host, uint16(port)), nil
}

// replLoop implements the teacher's interactive put/get/exit command
// loop, now dispatching to Server.Set/Server.Get instead of a bare map.
func replLoop(ctx context.Context, server *kademlia.Server, log *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("kadnode> put <key> <value> | get <key> | exit")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return
		case "put":
			if len(fields) < 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			value := strings.Join(fields[2:], " ")
			if err := server.Set(ctx, []byte(fields[1]), value); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("ok")
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			value, err := server.Get(ctx, []byte(fields[1]))
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println(string(value))
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithField("function", "replLoop").Warn(err)
	}
}
