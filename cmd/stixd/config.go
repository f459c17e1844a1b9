package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/sink"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type outputConfig struct {
	Directory   string `yaml:"directory"`
	Compression string `yaml:"compression"`
	JSONReport  bool   `yaml:"jsonReport"`
	PDFReport   bool   `yaml:"pdfReport"`
	StoreBinary bool   `yaml:"storeBinary"`
}

type parserConfig struct {
	ExcludeS20           bool     `yaml:"excludeS20"`
	Services             []int    `yaml:"services"`
	SPIDs                []int    `yaml:"spids"`
	QuietRepeaters       []string `yaml:"quietRepeaters"`
	CalibrationAllowList []string `yaml:"calibrationAllowList"`
}

type httpConfig struct {
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	AllowLocalPaths bool          `yaml:"allowLocalPaths"`
}

type config struct {
	Listen       string              `yaml:"listen"`
	StorageDir   string              `yaml:"storageDir"`
	IDB          string              `yaml:"idb"`
	Clock        string              `yaml:"clock"`
	RunLog       string              `yaml:"runLog"`
	PollInterval time.Duration       `yaml:"pollInterval"`
	Sources      map[string][]string `yaml:"sources"`
	Output       outputConfig        `yaml:"output"`
	Parser       parserConfig        `yaml:"parser"`
	MQTT         sink.MQTTConfig     `yaml:"mqtt"`
	HTTP         httpConfig          `yaml:"http"`
	Logs         logConfig           `yaml:"logs"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		candidate := filepath.Clean(filepath.Join(baseDir, p))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}
	// Globs and output locations need not exist yet, so they always resolve
	// against the config directory.
	relative := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(".", "data")
	}
	cfg.StorageDir = relative(cfg.StorageDir)
	cfg.IDB = resolvePath(cfg.IDB)
	if cfg.IDB == "" {
		return cfg, errors.New("no instrument database configured")
	}
	cfg.Clock = resolvePath(cfg.Clock)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	for instrument, globs := range cfg.Sources {
		for i := range globs {
			globs[i] = relative(globs[i])
		}
		cfg.Sources[instrument] = globs
	}
	cfg.Output.Directory = relative(cfg.Output.Directory)
	if cfg.Output.Directory == "" {
		cfg.Output.Directory = filepath.Join(cfg.StorageDir, "parsed")
	}
	if _, err := sink.ParseCompression(cfg.Output.Compression); err != nil {
		return cfg, err
	}
	cfg.RunLog = relative(cfg.RunLog)
	if cfg.RunLog == "" {
		cfg.RunLog = filepath.Join(cfg.StorageDir, "runs.jsonl")
	}
	if cfg.MQTT.Broker != "" && cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "stix"
	}
	if cfg.HTTP.ReadTimeout <= 0 {
		cfg.HTTP.ReadTimeout = 60 * time.Second
	}
	if cfg.HTTP.WriteTimeout <= 0 {
		cfg.HTTP.WriteTimeout = 5 * time.Minute
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.StorageDir, "logs")
	}
	cfg.Logs.Directory = relative(cfg.Logs.Directory)
	if cfg.Logs.Level == "" {
		cfg.Logs.Level = "info"
	}
	if _, err := common.ParseLevel(cfg.Logs.Level); err != nil {
		return cfg, err
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

// setupLogging tees the process loggers into a rotating file and returns the
// leveled logger handed to the parser.
func setupLogging(cfg config) (*common.Logger, error) {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "stixd.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	out := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	common.SetOutput(out)
	level, err := common.ParseLevel(cfg.Logs.Level)
	if err != nil {
		return nil, err
	}
	common.SetLevel(level)
	return common.Default(), nil
}
