package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net"

	"carlink/internal/config"
	"carlink/internal/discovery"
	"carlink/internal/hub"
	"carlink/internal/mdns"
	"carlink/internal/session"
	"carlink/internal/state"
	"carlink/internal/uart"
	"carlink/internal/video"
)

// RunRadio runs the on-vehicle side: mDNS advertisement, the control
// session, the video pipeline and (optionally) the UART actuator writer.
func RunRadio(ctx context.Context, cfg *config.Config) error {
	store, err := state.Open(cfg.State.CarConfigPath)
	if err != nil {
		return err
	}
	id := store.Identity()
	log.Printf("[bootstrap] car #%d %q (%s)", id.Number, id.DriverName, id.TeamName)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g := newGroup()
	bus := hub.New()

	reg, closeReg, err := openRegistrar(ctx, g, cfg)
	if err != nil {
		return err
	}
	defer closeReg()

	srv := session.NewServer(session.Options{
		Addr:        cfg.Radio.ControlAddr,
		SendTimeout: cfg.Session.SendTimeout,
		IdleTimeout: cfg.Session.IdleTimeout,
		Verbose:     cfg.Verbose,
	}, store, nil, bus)
	if err := srv.Listen(); err != nil {
		return err
	}
	port := srv.Addr().(*net.UDPAddr).Port

	adv := discovery.NewAdvertiser(reg, discovery.AdvertiserConfig{
		ServiceType: cfg.Discovery.ServiceType,
		Version:     cfg.Discovery.Version,
		PublicIP:    cfg.Radio.PublicIP,
		Port:        uint16(port),
		Settle:      cfg.Discovery.Settle,
	})
	srv.SetAdvertiser(adv)
	if err := adv.Advertise(ctx, id); err != nil {
		_ = srv.Close()
		stop()
		g.wg.Wait()
		return fmt.Errorf("advertise: %w", err)
	}
	g.Go(ctx, "session", srv.Serve)

	var cell video.FrameCell
	capture := video.NewCapture(
		video.CommandSpawner(cfg.Video.Command, cfg.Video.Args...),
		&cell,
		video.CaptureOptions{SpawnBackoff: cfg.Video.SpawnBackoff},
	)
	defer capture.Close()

	streamer := video.NewStreamer(video.StreamerOptions{
		Addr:       cfg.Video.UDPAddr,
		Tick:       cfg.Video.Tick,
		ClientTTL:  cfg.Video.ClientTTL,
		SweepEvery: cfg.Video.SweepEvery,
	}, capture, &cell)
	g.Go(ctx, "video", streamer.Serve)

	if cfg.Video.HTTPAddr != "" {
		h := video.NewHTTPHandler(capture, &cell, cfg.Video.Tick)
		g.Go(ctx, "video-http", func(ctx context.Context) error {
			return serveHTTP(ctx, cfg.Video.HTTPAddr, h.Routes())
		})
	}

	if cfg.UART.Enabled {
		ucfg := uart.Config{Device: cfg.UART.Device, Baud: cfg.UART.Baud}
		g.Go(ctx, "uart", func(ctx context.Context) error {
			return uart.Start(ctx, ucfg, bus)
		})
	} else {
		log.Printf("[uart] disabled")
	}

	err = g.Wait(ctx, stop)
	if serr := adv.Stop(); serr != nil {
		log.Printf("[bootstrap] withdraw record: %v", serr)
	}
	return err
}

// openRegistrar builds the record publisher named by discovery.publisher.
func openRegistrar(ctx context.Context, g *group, cfg *config.Config) (discovery.Registrar, func(), error) {
	switch cfg.Discovery.Publisher {
	case "builtin":
		mconn, err := mdns.Listen(cfg.Radio.Interface)
		if err != nil {
			return nil, nil, err
		}
		responder := mdns.NewResponder(mconn)
		g.Go(ctx, "mdns", responder.Run)
		return responder, func() { _ = mconn.Close() }, nil
	case "", "zeroconf":
		pub, err := mdns.NewPublisher(cfg.Radio.Interface)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown discovery.publisher %q", cfg.Discovery.Publisher)
	}
}
