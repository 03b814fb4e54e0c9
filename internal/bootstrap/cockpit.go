package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"carlink/internal/config"
	"carlink/internal/discovery"
	"carlink/internal/events"
	"carlink/internal/joystick"
	"carlink/internal/registry"
	"carlink/internal/video"
	"carlink/internal/web"
)

const monitorInterval = 5 * time.Second

// Cockpit holds the driver-station state shared by its subsystems.
type Cockpit struct {
	Cars      *registry.Store
	Feed      events.Buffer
	Directory *discovery.Directory

	cache *registry.BoltCache
}

// OpenCockpit loads the persistent car cache and builds the directory.
func OpenCockpit(cfg *config.Config) (*Cockpit, error) {
	cache, err := registry.OpenBoltCache(cfg.Cockpit.RegistryDB)
	if err != nil {
		return nil, err
	}
	saved, err := cache.LoadAll()
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("load car cache: %w", err)
	}
	log.Printf("[bootstrap] %d cached car(s) from %s", len(saved), cfg.Cockpit.RegistryDB)

	cars := registry.NewPersistentStore(cache, saved)
	feed := events.NewRing(1024)
	dir := discovery.NewDirectory(discovery.MDNSSource{
		Interface:   cfg.Radio.Interface,
		ServiceType: cfg.Discovery.ServiceType,
		Interval:    cfg.Discovery.QueryInterval,
	}, cars, feed)
	dir.OnError(func(err error) { log.Printf("[discovery] %v", err) })

	return &Cockpit{Cars: cars, Feed: feed, Directory: dir, cache: cache}, nil
}

func (c *Cockpit) Close() error { return c.cache.Close() }

// RunCockpit runs the driver station: discovery, the web API, connection
// monitoring, the video receiver and the joystick bridge.
func RunCockpit(ctx context.Context, cfg *config.Config) error {
	cp, err := OpenCockpit(cfg)
	if err != nil {
		return err
	}
	defer cp.Close()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g := newGroup()

	target := &joystick.Target{}
	links := web.NewLinks(web.DialSession, cp.Cars, cp.Feed, target)
	defer links.Close()

	if cfg.Cockpit.ActuatorAddr != "" {
		direct, err := joystick.DialUDP(cfg.Cockpit.ActuatorAddr)
		if err != nil {
			return err
		}
		defer direct.Close()
		links.SetFallback(direct)
		log.Printf("[bootstrap] joystick falls back to %s", cfg.Cockpit.ActuatorAddr)
	}

	opts := web.Options{
		Addr:      cfg.Cockpit.WebAddr,
		StaticDir: cfg.Cockpit.StaticDir,
		Verbose:   cfg.Verbose,
	}
	if cfg.Cockpit.VideoPort > 0 {
		cell := &video.FrameCell{}
		rx := video.NewReceiver(cell, cfg.Video.ClientTTL/3)
		defer rx.Stop()
		links.SetVideo(rx, cfg.Cockpit.VideoPort)
		opts.Video = video.NewHTTPHandler(rx, cell, cfg.Video.Tick)
	}
	srv := web.New(opts, cp.Cars, cp.Feed, cp.Directory, links)
	g.Go(ctx, "web", srv.Start)

	g.Go(ctx, "monitor", func(ctx context.Context) error {
		cp.Cars.StartMonitoring(ctx, monitorInterval, links)
		return nil
	})

	ingest := joystick.NewIngest(joystick.DefaultQueue)
	g.Go(ctx, "joystick-ws", func(ctx context.Context) error {
		return ingest.ListenAndServe(ctx, cfg.Cockpit.JoystickAddr)
	})
	bridge := joystick.NewBridge(target)
	g.Go(ctx, "joystick", func(ctx context.Context) error {
		return bridge.Run(ctx, ingest.Samples())
	})

	if err := cp.Directory.Start(ctx); err != nil {
		log.Printf("[bootstrap] discovery: %v", err)
	}

	err = g.Wait(ctx, stop)
	if serr := cp.Directory.Stop(); serr != nil && !errors.Is(serr, discovery.ErrNotRunning) {
		log.Printf("[bootstrap] stop discovery: %v", serr)
	}
	if n := ingest.Dropped(); n > 0 {
		log.Printf("[joystick] %d sample(s) dropped on a full queue", n)
	}
	return err
}
