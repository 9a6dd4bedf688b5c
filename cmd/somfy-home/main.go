package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"somfy-go-home/internal/controller"
	"somfy-go-home/internal/store"
	"somfy-go-home/internal/transmit"
	"somfy-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type shutterYAML struct {
	Name                 string  `yaml:"name"`
	DurationDown         float64 `yaml:"duration_down"`
	DurationUp           float64 `yaml:"duration_up"`
	IntermediatePosition *int    `yaml:"intermediate_position"`
	Code                 uint16  `yaml:"code"`
}

type Config struct {
	Transmitter struct {
		Type   string `yaml:"type"`   // "pigpio" or "serial"
		Host   string `yaml:"host"`   // pigpiod host
		Port   int    `yaml:"port"`   // pigpiod port
		Device string `yaml:"device"` // serial device path
		Baud   int    `yaml:"baud"`
		TxPin  uint32 `yaml:"tx_pin"` // BCM pin driving the 433 MHz transmitter
	} `yaml:"transmitter"`
	SendRepeat int                    `yaml:"send_repeat"`
	Shutters   map[string]shutterYAML `yaml:"shutters"`
	Web        struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Transmitter.Type {
	case "pigpio", "":
	case "serial":
		if c.Transmitter.Device == "" {
			return fmt.Errorf("transmitter.device is required for serial")
		}
	default:
		return fmt.Errorf("unknown transmitter type: %q (supported: pigpio, serial)", c.Transmitter.Type)
	}
	if len(c.Shutters) == 0 {
		return fmt.Errorf("at least one shutter is required")
	}
	for id, s := range c.Shutters {
		if _, err := strconv.ParseUint(id, 16, 32); err != nil {
			return fmt.Errorf("shutter id %q is not a hex remote address", id)
		}
		if s.DurationDown <= 0 || s.DurationUp <= 0 {
			return fmt.Errorf("shutter %q: duration_down and duration_up must be positive", id)
		}
		if ip := s.IntermediatePosition; ip != nil && (*ip < 0 || *ip > 100) {
			return fmt.Errorf("shutter %q: intermediate_position must be 0-100, got %d", id, *ip)
		}
	}
	if c.SendRepeat < 1 {
		return fmt.Errorf("send_repeat must be at least 1, got %d", c.SendRepeat)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("somfy-go-home starting", "version", version)

	// Open rolling code store and seed codes for newly configured shutters.
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	shutters := make(map[string]controller.ShutterConfig, len(cfg.Shutters))
	for id, s := range cfg.Shutters {
		shutters[id] = controller.ShutterConfig{
			Name:                 s.Name,
			DurationDown:         s.DurationDown,
			DurationUp:           s.DurationUp,
			IntermediatePosition: s.IntermediatePosition,
			Code:                 s.Code,
		}
		if err := db.SeedCode(id, s.Code); err != nil {
			logger.Error("seed rolling code", "shutter", id, "err", err)
			os.Exit(1)
		}
	}

	// Create transmitter backend based on config
	tx, err := createTransmitter(cfg, logger)
	if err != nil {
		logger.Error("create transmitter", "err", err)
		os.Exit(1)
	}
	defer tx.Close()

	if err := tx.Setup(cfg.Transmitter.TxPin); err != nil {
		logger.Error("transmitter setup", "err", err, "pin", cfg.Transmitter.TxPin)
		os.Exit(1)
	}

	events := controller.NewEventBus(logger)
	ctrl := controller.New(tx, db, events, controller.Config{
		Shutters:   shutters,
		SendRepeat: cfg.SendRepeat,
	}, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto := initAutomation(ctrl, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(ctrl, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	ctrl.Stop()

	logger.Info("goodbye")
}

func createTransmitter(cfg *Config, logger *slog.Logger) (transmit.Transmitter, error) {
	switch cfg.Transmitter.Type {
	case "pigpio", "":
		addr := net.JoinHostPort(cfg.Transmitter.Host, strconv.Itoa(cfg.Transmitter.Port))
		logger.Info("using pigpio transmitter", "addr", addr, "pin", cfg.Transmitter.TxPin)
		return transmit.NewPigpioTransmitter(addr, logger)
	case "serial":
		logger.Info("using serial transmitter", "device", cfg.Transmitter.Device, "baud", cfg.Transmitter.Baud)
		return transmit.NewSerialTransmitter(cfg.Transmitter.Device, cfg.Transmitter.Baud, logger)
	default:
		return nil, fmt.Errorf("unknown transmitter type: %q", cfg.Transmitter.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Transmitter.Host == "" {
		cfg.Transmitter.Host = "localhost"
	}
	if cfg.Transmitter.Port == 0 {
		cfg.Transmitter.Port = 8888
	}
	if cfg.Transmitter.Baud == 0 {
		cfg.Transmitter.Baud = 115200
	}
	if cfg.Transmitter.TxPin == 0 {
		cfg.Transmitter.TxPin = 4
	}
	if cfg.SendRepeat == 0 {
		cfg.SendRepeat = 2
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "somfy-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "somfy"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
