// Command boardd is the process entrypoint for one fleet board: it loads
// the board's static configuration, wires up the serial and radio
// transports, picks the client or server role (and server_also_client,
// if configured), and runs the cooperative scheduler until a shutdown
// signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/geminga-fl/boardcore/internal/addressing"
	"github.com/geminga-fl/boardcore/internal/config"
	"github.com/geminga-fl/boardcore/internal/metrics"
	"github.com/geminga-fl/boardcore/internal/nvm"
	"github.com/geminga-fl/boardcore/internal/radio"
	"github.com/geminga-fl/boardcore/internal/role"
	"github.com/geminga-fl/boardcore/internal/scheduler"
	serialpkg "github.com/geminga-fl/boardcore/internal/serial"
	"github.com/geminga-fl/boardcore/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the board's INI configuration file")
	envFile := flag.String("env-file", "", "optional dotenv overlay applied after the INI file")
	logLevel := flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	roleOverride := flag.String("role", "auto", "auto, client, or server — auto derives the role from board_num == server_board_num")

	// A real LoRa PHY driver is out of scope for this core: the UDP PHY
	// below is a bench/dev stand-in so a fleet can be exercised over an
	// ordinary network before antenna hardware is wired up.
	radioLocal := flag.String("radio-local", "", "local UDP address for the bench radio PHY, e.g. :9000")
	radioPeer := flag.String("radio-peer", "", "peer UDP address for the bench radio PHY")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("boardd: invalid --log-level")
	}
	log.SetLevel(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("boardd: failed to load configuration")
	}
	if *envFile != "" {
		if err := config.LoadEnvFile(&cfg, *envFile); err != nil {
			log.WithError(err).Fatal("boardd: failed to apply env file overlay")
		}
	}

	store, err := storage.New(cfg.StorageRoot)
	if err != nil {
		log.WithError(err).Fatal("boardd: failed to reserve storage root")
	}
	nvmStore, err := nvm.New(filepath.Join(cfg.StorageRoot, "nvm"))
	if err != nil {
		log.WithError(err).Fatal("boardd: failed to reserve nvm root")
	}
	if n, err := nvmStore.Count(); err == nil && n > 0 {
		log.WithField("fatal_error_count", n).Warn("boardd: board has a nonzero fatal-error history")
	}

	addrs := make([]addressing.LinkAddr, len(cfg.BoardAddrs))
	for i, a := range cfg.BoardAddrs {
		addrs[i] = addressing.LinkAddr(a)
	}
	addrTable := addressing.NewTable(addrs)

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)

	var serialLink *serialpkg.Link
	if cfg.SerialPortPath != "" {
		port, err := serialpkg.OpenPort(cfg.SerialPortPath, cfg.SerialBaudRate)
		if err != nil {
			log.WithError(err).Error("boardd: failed to open serial port, continuing without a companion computer link")
		} else {
			serialLink = serialpkg.New(port, serialpkg.WithRecorder(collector))
			defer port.Close()
		}
	}

	isServer := cfg.BoardNum == cfg.ServerBoardNum
	switch *roleOverride {
	case "client":
		isServer = false
	case "server":
		isServer = true
	case "auto":
	default:
		log.WithField("role", *roleOverride).Fatal("boardd: --role must be auto, client, or server")
	}

	var radioLengthFn radio.LocalLengthFunc
	if isServer {
		radioLengthFn = func() uint32 {
			n, _ := storage.Len(store.GlobalPath())
			return n
		}
	} else {
		radioLengthFn = func() uint32 {
			n, _ := storage.Len(store.LocalPath())
			return n
		}
	}

	var phy radio.PHY
	if *radioLocal != "" && *radioPeer != "" {
		udp, err := radio.DialUDP(*radioLocal, *radioPeer)
		if err != nil {
			log.WithError(err).Fatal("boardd: failed to bind bench radio PHY")
		}
		defer udp.Close()
		phy = udp
	} else {
		log.Fatal("boardd: no radio PHY configured — a real LoRa PHY driver is out of scope for this core; pass --radio-local/--radio-peer to use the bench UDP stand-in")
	}

	radioLink := radio.New(phy, cfg.AntennaAttached, radioLengthFn, radio.WithRecorder(collector))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tasks []scheduler.Task
	if isServer {
		srv := role.NewServerRole(
			role.ServerDeps{Radio: radioLink, Serial: serialLink, Store: store, Addr: addrTable},
			cfg.BoardNum, cfg.ServerAlsoClient, uint32(cfg.MinimumEpochs),
			role.WithRecorder(collector), role.WithNumRounds(uint32(cfg.NumRounds)),
		)
		tasks = append(tasks, scheduler.Task{
			Name:   "server_role",
			Period: hzToPeriod(cfg.ServerTaskFreqHz),
			Step:   srv.Step,
		})
	} else {
		cli := role.NewClientRole(
			role.ClientDeps{Radio: radioLink, Serial: serialLink, Store: store},
			cfg.BoardNum,
			role.WithClientRecorder(collector),
		)
		tasks = append(tasks, scheduler.Task{
			Name:   "client_role",
			Period: hzToPeriod(cfg.ClientTaskFreqHz),
			Step:   cli.Step,
		})
	}

	if cfg.MetricsEnabled {
		go func() {
			if err := metrics.Server(ctx, cfg.MetricsAddr, reg); err != nil {
				log.WithError(err).Error("boardd: metrics server exited")
			}
		}()
	}

	harness := scheduler.New(nvmStore, tasks)
	done := make(chan struct{})
	go func() {
		defer close(done)
		harness.Run(ctx)
	}()

	log.WithFields(log.Fields{
		"board_num": cfg.BoardNum,
		"is_server": isServer,
	}).Info("boardd: running")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	log.WithField("signal", s.String()).Info("boardd: shutdown signal received")
	cancel()
	<-done
}

func hzToPeriod(hz float64) time.Duration {
	if hz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / hz)
}
