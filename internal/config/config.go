// Package config loads the static board configuration named in the core's
// external-interface contract: board identity, fleet topology, transport
// knobs and radio PHY parameters. Configuration is read once at startup from
// an INI file and is never renegotiated at runtime.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-envparse"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Bandwidth is one of the fixed LoRa signal-bandwidth values the PHY
// supports.
type Bandwidth int

// Fixed bandwidth enumeration, in Hz.
const (
	Bandwidth7800   Bandwidth = 7800
	Bandwidth10400  Bandwidth = 10400
	Bandwidth15600  Bandwidth = 15600
	Bandwidth20800  Bandwidth = 20800
	Bandwidth31250  Bandwidth = 31250
	Bandwidth41700  Bandwidth = 41700
	Bandwidth62500  Bandwidth = 62500
	Bandwidth125000 Bandwidth = 125000
	Bandwidth250000 Bandwidth = 250000
	Bandwidth500000 Bandwidth = 500000
)

// RadioPHY holds the PHY knobs that are fixed at init and never renegotiated.
type RadioPHY struct {
	SpreadingFactor     int       // 6-12
	CodingRate          int       // 5-8
	SignalBandwidth     Bandwidth // Hz
	AckDelaySeconds     float64   // ~0.05s
	LowDatarateOptimize bool
}

// Config is the full set of recognized static board options.
type Config struct {
	BoardNum        int
	ServerBoardNum  int
	NumClients      int
	NumRounds       int
	MinimumEpochs   int
	ServerAlsoClient bool

	SerialBufferSize int // fixed, 256
	RadioPacketSize  int // fixed, 248

	AntennaAttached bool

	ServerTaskFreqHz float64
	ClientTaskFreqHz float64
	TaskPriority     int

	SerialPortPath string
	SerialBaudRate int

	StorageRoot string

	MetricsEnabled bool
	MetricsAddr    string

	// BoardAddrs is the fixed, 1-indexed board-number -> link-address
	// table (internal/addressing.Table's source of truth): entry i is
	// board number i+1's link address.
	BoardAddrs []uint16

	Radio RadioPHY
}

// Default returns the baked-in configuration defaults: fixed chunk sizes
// and plausible task frequencies.
func Default() Config {
	return Config{
		NumRounds:        0,
		MinimumEpochs:    1,
		SerialBufferSize: 256,
		RadioPacketSize:  248,
		AntennaAttached:  true,
		ServerTaskFreqHz: 0.02,
		ClientTaskFreqHz: 0.1,
		TaskPriority:     1,
		SerialBaudRate:   115200,
		StorageRoot:      "params",
		MetricsAddr:      "127.0.0.1:9900",
		Radio: RadioPHY{
			SpreadingFactor: 7,
			CodingRate:      5,
			SignalBandwidth: Bandwidth125000,
			AckDelaySeconds: 0.05,
		},
	}
}

// Load reads path as an INI file, overlaying it onto the defaults, and
// then applies any BOARD_-prefixed environment variables on top (so a fleet
// image can be shared and differentiated purely by environment).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := ini.Load(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "load ini config %q", path)
		}
		if err := applyINI(&cfg, f); err != nil {
			return cfg, errors.Wrapf(err, "apply ini config %q", path)
		}
	}

	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return cfg, errors.Wrap(err, "apply environment overlay")
	}

	return cfg, nil
}

// LoadEnvFile parses envFile in dotenv format and applies it as an
// additional BOARD_-prefixed overlay, for fleets that distribute board
// identity as a file rather than real environment variables.
func LoadEnvFile(cfg *Config, envFile string) error {
	f, err := os.Open(envFile)
	if err != nil {
		return errors.Wrapf(err, "open env file %q", envFile)
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return errors.Wrapf(err, "parse env file %q", envFile)
	}
	var kv []string
	for k, v := range m {
		kv = append(kv, k+"="+v)
	}
	return applyEnv(cfg, kv)
}

func applyINI(cfg *Config, f *ini.File) error {
	board := f.Section("board")
	cfg.BoardNum = board.Key("board_num").MustInt(cfg.BoardNum)
	cfg.ServerBoardNum = board.Key("server_board_num").MustInt(cfg.ServerBoardNum)
	cfg.NumClients = board.Key("num_clients").MustInt(cfg.NumClients)
	cfg.NumRounds = board.Key("num_rounds").MustInt(cfg.NumRounds)
	cfg.MinimumEpochs = board.Key("minimum_epochs").MustInt(cfg.MinimumEpochs)
	cfg.ServerAlsoClient = board.Key("server_also_client").MustBool(cfg.ServerAlsoClient)
	cfg.AntennaAttached = board.Key("antenna_attached").MustBool(cfg.AntennaAttached)
	cfg.ServerTaskFreqHz = board.Key("server_task_freq").MustFloat64(cfg.ServerTaskFreqHz)
	cfg.ClientTaskFreqHz = board.Key("client_task_freq").MustFloat64(cfg.ClientTaskFreqHz)
	cfg.TaskPriority = board.Key("task_priority").MustInt(cfg.TaskPriority)
	cfg.StorageRoot = board.Key("storage_root").MustString(cfg.StorageRoot)

	serial := f.Section("serial")
	cfg.SerialPortPath = serial.Key("port").MustString(cfg.SerialPortPath)
	cfg.SerialBaudRate = serial.Key("baud_rate").MustInt(cfg.SerialBaudRate)

	metrics := f.Section("metrics")
	cfg.MetricsEnabled = metrics.Key("enabled").MustBool(cfg.MetricsEnabled)
	cfg.MetricsAddr = metrics.Key("addr").MustString(cfg.MetricsAddr)

	radio := f.Section("radio")
	cfg.Radio.SpreadingFactor = radio.Key("spreading_factor").MustInt(cfg.Radio.SpreadingFactor)
	cfg.Radio.CodingRate = radio.Key("coding_rate").MustInt(cfg.Radio.CodingRate)
	cfg.Radio.SignalBandwidth = Bandwidth(radio.Key("signal_bandwidth_hz").MustInt(int(cfg.Radio.SignalBandwidth)))
	cfg.Radio.AckDelaySeconds = radio.Key("ack_delay_seconds").MustFloat64(cfg.Radio.AckDelaySeconds)
	cfg.Radio.LowDatarateOptimize = radio.Key("low_datarate_optimize").MustBool(cfg.Radio.LowDatarateOptimize)

	addressing := f.Section("addressing")
	if raw := addressing.Key("board_addrs").String(); raw != "" {
		addrs, err := parseAddrList(raw)
		if err != nil {
			return errors.Wrap(err, "board_addrs")
		}
		cfg.BoardAddrs = addrs
	}

	return nil
}

// parseAddrList parses a comma-separated list of link addresses, each
// either decimal or 0x-prefixed hex, in board-number order starting at 1.
func parseAddrList(raw string) ([]uint16, error) {
	parts := strings.Split(raw, ",")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 0, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid link address %q", p)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

// applyEnv overlays BOARD_-prefixed key=value pairs from kv (typically
// os.Environ(), or a parsed dotenv file) onto cfg.
func applyEnv(cfg *Config, kv []string) error {
	const prefix = "BOARD_"
	for _, entry := range kv {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		if err := setField(cfg, name, v); err != nil {
			return errors.Wrapf(err, "env var %s", k)
		}
	}
	return nil
}

func setField(cfg *Config, name, value string) error {
	switch name {
	case "NUM":
		return setInt(&cfg.BoardNum, value)
	case "SERVER_NUM":
		return setInt(&cfg.ServerBoardNum, value)
	case "NUM_CLIENTS":
		return setInt(&cfg.NumClients, value)
	case "NUM_ROUNDS":
		return setInt(&cfg.NumRounds, value)
	case "MINIMUM_EPOCHS":
		return setInt(&cfg.MinimumEpochs, value)
	case "ALSO_CLIENT":
		return setBool(&cfg.ServerAlsoClient, value)
	case "ANTENNA_ATTACHED":
		return setBool(&cfg.AntennaAttached, value)
	case "SERIAL_PORT":
		cfg.SerialPortPath = value
		return nil
	case "STORAGE_ROOT":
		cfg.StorageRoot = value
		return nil
	case "ADDRS":
		addrs, err := parseAddrList(value)
		if err != nil {
			return err
		}
		cfg.BoardAddrs = addrs
		return nil
	case "METRICS_ADDR":
		cfg.MetricsAddr = value
		return nil
	default:
		// Unknown BOARD_* keys are ignored rather than rejected: an
		// operator's deployment env may carry unrelated BOARD_ variables
		// for other tooling.
		return nil
	}
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return errors.Wrap(err, "not an integer")
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return errors.Wrap(err, "not a bool")
	}
	*dst = b
	return nil
}
