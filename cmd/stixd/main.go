package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
	"example.com/stixgate/internal/pipeline"
	"example.com/stixgate/internal/scet"
	"example.com/stixgate/internal/server"
	"example.com/stixgate/internal/sink"
	"example.com/stixgate/internal/tctm"
)

// newEnv loads the IDB and clock table named by the config and applies the
// parser settings.
func newEnv(cfg config, logger *common.Logger) (*pipeline.Env, error) {
	store, err := idb.EnsureLoaded(cfg.IDB)
	if err != nil {
		return nil, err
	}
	if store.IsEmpty() {
		logger.Warnf("instrument database %s is empty", cfg.IDB)
	}
	var clock scet.TimeService = scet.DefaultEpoch
	if cfg.Clock != "" {
		if clock, err = scet.Load(cfg.Clock); err != nil {
			return nil, err
		}
	}
	env := pipeline.NewEnv(store, clock, logger)
	env.RunLog = common.NewRunLog(cfg.RunLog)
	env.Parser = tctm.Options{
		StoreBinary:          cfg.Output.StoreBinary,
		Services:             cfg.Parser.Services,
		SPIDs:                cfg.Parser.SPIDs,
		ExcludeService20:     cfg.Parser.ExcludeS20,
		QuietRepeaters:       cfg.Parser.QuietRepeaters,
		CalibrationAllowList: cfg.Parser.CalibrationAllowList,
	}
	return env, nil
}

func main() {
	configPath := flag.String("config", "config/stixd.yaml", "path to configuration file")
	addr := flag.String("addr", "", "listen address (overrides config listen)")
	once := flag.Bool("once", false, "poll the data sources once and exit")
	readTimeout := flag.Duration("read-timeout", 0, "HTTP read timeout (overrides config)")
	writeTimeout := flag.Duration("write-timeout", 0, "HTTP write timeout (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		log.Fatalf("storage dir: %v", err)
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	env, err := newEnv(cfg, logger)
	if err != nil {
		log.Fatalf("load idb: %v", err)
	}

	var mqtt *sink.MQTT
	if cfg.MQTT.Broker != "" {
		mqtt, err = sink.DialMQTT(cfg.MQTT, logger)
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		defer mqtt.Disconnect()
	}
	p := newPoller(cfg, env, mqtt)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		n, err := p.pollOnce(ctx)
		if err != nil {
			log.Fatalf("poll: %v", err)
		}
		log.Printf("stixd parsed %d files", n)
		return
	}

	metrics := server.NewMetrics()
	env.Observe = metrics.Observe
	srv, err := server.NewServer(server.Options{
		StorageDir:      cfg.StorageDir,
		Env:             env,
		Metrics:         metrics,
		AllowLocalPaths: cfg.HTTP.AllowLocalPaths,
	})
	if err != nil {
		log.Fatalf("server init: %v", err)
	}
	defer srv.Close()

	listenAddr := cfg.Listen
	if *addr != "" {
		listenAddr = *addr
	}
	if *readTimeout > 0 {
		cfg.HTTP.ReadTimeout = *readTimeout
	}
	if *writeTimeout > 0 {
		cfg.HTTP.WriteTimeout = *writeTimeout
	}
	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	log.Printf("stixd listening on %s, idb %s", listenAddr, env.Lookup.Version())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(ctx, cfg.PollInterval)
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	<-done
	log.Println("stixd stopped")
}
