package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/spmctl/internal/conditioning"
)

var ErrInvalid = errors.New("config: invalid")

// File mirrors the on-disk TOML layout. Durations are strings accepted by
// time.ParseDuration.
type File struct {
	Instrument   InstrumentConfig   `toml:"instrument"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Conditioning ConditioningConfig `toml:"conditioning"`
	Log          LogConfig          `toml:"log"`
	Monitor      MonitorConfig      `toml:"monitor"`
}

type InstrumentConfig struct {
	Address         string `toml:"address"`
	ConnectTimeout  string `toml:"connect_timeout"`
	ReadTimeout     string `toml:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	MaxReadAttempts int    `toml:"max_read_attempts"`
	ConnectAttempts int    `toml:"connect_attempts"`
	PollInterval    string `toml:"poll_interval"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	Address      string `toml:"address"`
	Signals      []int  `toml:"signals"`
	Oversampling int    `toml:"oversampling"`
	Capacity     int    `toml:"capacity"`
	Window       string `toml:"window"`
	Settle       string `toml:"settle"`
	LogTimeout   string `toml:"log_timeout"`
}

type ConditioningConfig struct {
	Signal          int             `toml:"signal"`
	InitialBias     float64         `toml:"initial_bias"`
	ZSetpoint       float64         `toml:"z_setpoint"`
	ApproachTimeout string          `toml:"approach_timeout"`
	SignalBounds    [2]float64      `toml:"signal_bounds"`
	Step            [2]float64      `toml:"step"`
	HistoryLimit    int             `toml:"history_limit"`
	MaxCycles       int             `toml:"max_cycles"`
	Pulse           PulseConfig     `toml:"pulse"`
	Stability       StabilityConfig `toml:"stability"`
}

type PulseConfig struct {
	Method           string                 `toml:"method"`
	Width            string                 `toml:"width"`
	Voltage          float64                `toml:"voltage"`
	VoltageBounds    [2]float64             `toml:"voltage_bounds"`
	VoltageSteps     int                    `toml:"voltage_steps"`
	CyclesBeforeStep int                    `toml:"cycles_before_step"`
	Threshold        conditioning.Threshold `toml:"threshold"`
}

type StabilityConfig struct {
	BiasRange     [2]float64 `toml:"bias_range"`
	Steps         int        `toml:"steps"`
	Dwell         string     `toml:"dwell"`
	Polarity      string     `toml:"polarity"`
	AllowedChange float64    `toml:"allowed_change"`
	TimeBudget    string     `toml:"time_budget"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	JSON     bool   `toml:"json"`
	RunLog   string `toml:"run_log"`
	Finalize bool   `toml:"finalize"`
}

type MonitorConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// Default returns the file values used for keys a config omits.
func Default() File {
	return File{
		Instrument: InstrumentConfig{
			Address:         "127.0.0.1:6501",
			ConnectTimeout:  "5s",
			ReadTimeout:     "10s",
			WriteTimeout:    "5s",
			MaxReadAttempts: 10,
			ConnectAttempts: 3,
			PollInterval:    "200ms",
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			Address:      "127.0.0.1:6590",
			Signals:      []int{76},
			Oversampling: 10,
			Capacity:     10000,
			Window:       "200ms",
			Settle:       "100ms",
			LogTimeout:   "5s",
		},
		Conditioning: ConditioningConfig{
			Signal:          76,
			InitialBias:     -0.05,
			ZSetpoint:       -1e-11,
			ApproachTimeout: "5m",
			SignalBounds:    [2]float64{-2.5, -0.5},
			Step:            [2]float64{2e-9, 0},
			HistoryLimit:    50,
			Pulse: PulseConfig{
				Method:           string(conditioning.PulseStepping),
				Width:            "50ms",
				Voltage:          3,
				VoltageBounds:    [2]float64{1, 6},
				VoltageSteps:     5,
				CyclesBeforeStep: 3,
				Threshold:        conditioning.ConstantThreshold(0.1),
			},
			Stability: StabilityConfig{
				BiasRange:     [2]float64{0.05, 1},
				Steps:         20,
				Dwell:         "50ms",
				Polarity:      string(conditioning.PolarityBoth),
				AllowedChange: 0.2,
				TimeBudget:    "30s",
			},
		},
		Log: LogConfig{
			Level:    "info",
			RunLog:   "logs/run.ndjson",
			Finalize: true,
		},
		Monitor: MonitorConfig{
			Addr:        "127.0.0.1:9108",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load decodes path over Default, rejects unknown keys, and resolves the
// result into validated Settings.
func Load(path string) (Settings, error) {
	f := Default()
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return Settings{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Settings{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	s, err := f.Resolve()
	if err != nil {
		return Settings{}, fmt.Errorf("config %s: %w", path, err)
	}
	return s, nil
}
