package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
	"example.com/stixgate/internal/pipeline"
	"example.com/stixgate/internal/scet"
)

// globalFlags are shared by every command that touches the IDB.
type globalFlags struct {
	idbPath   string
	clockPath string
	logLevel  string
	logFile   string
}

func (g *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.idbPath, "idb", "", "Instrument database export (YAML or JSON)")
	pf.StringVar(&g.clockPath, "clock", "", "Clock correlation file (default: onboard epoch 2000-01-01)")
	pf.StringVar(&g.logLevel, "log-level", "warn", "Log level: silent, error, warn, info, debug")
	pf.StringVar(&g.logFile, "log-file", "", "Also write logs to this rotating file")
}

// logger builds the command logger. The returned closer releases the log
// file, if any.
func (g *globalFlags) logger(stderr io.Writer) (*common.Logger, func() error, error) {
	level, err := common.ParseLevel(g.logLevel)
	if err != nil {
		return nil, nil, err
	}
	if g.logFile == "" {
		return common.NewLogger(stderr, level), func() error { return nil }, nil
	}
	rotator := &lumberjack.Logger{
		Filename:   g.logFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
	}
	return common.NewLogger(io.MultiWriter(stderr, rotator), level), rotator.Close, nil
}

func (g *globalFlags) loadStore(cmd *cobra.Command) (*idb.Store, error) {
	if g.idbPath == "" {
		return nil, missingFlagError(cmd, "--idb")
	}
	store, err := idb.EnsureLoaded(g.idbPath)
	if err != nil {
		return nil, fmt.Errorf("load idb: %w", err)
	}
	return store, nil
}

func (g *globalFlags) loadClock() (scet.TimeService, error) {
	if g.clockPath == "" {
		return scet.DefaultEpoch, nil
	}
	clock, err := scet.Load(g.clockPath)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	return clock, nil
}

func (g *globalFlags) env(cmd *cobra.Command, log *common.Logger) (*pipeline.Env, error) {
	store, err := g.loadStore(cmd)
	if err != nil {
		return nil, err
	}
	if store.IsEmpty() {
		log.Warnf("instrument database %s is empty", g.idbPath)
	}
	clock, err := g.loadClock()
	if err != nil {
		return nil, err
	}
	return pipeline.NewEnv(store, clock, log), nil
}
