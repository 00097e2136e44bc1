//go:build linux

// Command kmsvnc exposes the kernel display (DRM/KMS, with fbdev fallback)
// as a VNC server and forwards client input through uinput virtual devices.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"kmsvnc/internal/capture"
	"kmsvnc/internal/input"
	"kmsvnc/internal/platform"
	"kmsvnc/internal/rfb"
	"kmsvnc/internal/types"
)

type config struct {
	Device   string `envconfig:"DEVICE"`
	Port     uint16 `envconfig:"PORT"`
	FPS      uint32 `envconfig:"FPS"`
	Listen   string `envconfig:"LISTEN"`
	Password string `envconfig:"PASSWORD"`
	WSPort   uint16 `envconfig:"WS_PORT"`
	Stats    bool   `envconfig:"STATS"`
	Debug    bool   `envconfig:"DEBUG"`
}

var cfg config

func main() {
	root := &cobra.Command{
		Use:           "kmsvnc",
		Short:         "KMS-based VNC server with touch & keyboard input",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	f := root.Flags()
	f.StringVarP(&cfg.Device, "device", "d", "", "DRM card or fbdev node (auto-detects if not specified)")
	f.Uint16VarP(&cfg.Port, "port", "p", 5900, "VNC listen port")
	f.Uint32VarP(&cfg.FPS, "fps", "f", 30, "maximum frames per second (informational; the scheduler adapts)")
	f.StringVarP(&cfg.Listen, "listen", "l", "0.0.0.0", "VNC listen address")
	f.StringVar(&cfg.Password, "password", "", "VNC password for authentication (type 2); no auth if omitted")
	f.Uint16Var(&cfg.WSPort, "ws-port", 0, "serve RFB over WebSocket on this port (0 = disabled)")
	f.BoolVar(&cfg.Stats, "stats", false, "log capture stats every 5 seconds")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

// applyEnv overlays KMSVNC_DEVICE, KMSVNC_PORT, KMSVNC_LISTEN,
// KMSVNC_PASSWORD and KMSVNC_WS_PORT under any flags the user did not set
// explicitly. KMSVNC_FPS, KMSVNC_STATS and KMSVNC_DEBUG are parsed but not
// applied.
func applyEnv(cmd *cobra.Command) error {
	var env config
	if err := envconfig.Process("kmsvnc", &env); err != nil {
		return err
	}
	if !cmd.Flags().Changed("device") && env.Device != "" {
		cfg.Device = env.Device
	}
	if !cmd.Flags().Changed("port") && env.Port != 0 {
		cfg.Port = env.Port
	}
	if !cmd.Flags().Changed("listen") && env.Listen != "" {
		cfg.Listen = env.Listen
	}
	if !cmd.Flags().Changed("password") && env.Password != "" {
		cfg.Password = env.Password
	}
	if !cmd.Flags().Changed("ws-port") && env.WSPort != 0 {
		cfg.WSPort = env.WSPort
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := applyEnv(cmd); err != nil {
		return err
	}

	platform.CheckPermissions()

	src, err := capture.Setup(cfg.Device)
	if err != nil {
		return err
	}
	cap := src.Capturer
	defer cap.Close()
	log.Info().
		Int("width", cap.Width()).
		Int("height", cap.Height()).
		Uint32("fps", cfg.FPS).
		Msg("capture ready")

	sched := capture.NewScheduler(cap, src.InitialFrame, cfg.Stats)
	go sched.Run()

	// Input devices are best-effort: a missing device disables its half.
	events := make(chan types.InputEvent, 256)
	touch, err := input.NewTouchscreen(cap.Width(), cap.Height())
	if err != nil {
		log.Warn().Err(err).Msg("failed to create virtual touchscreen; touch input disabled")
	}
	kb, err := input.NewKeyboard()
	if err != nil {
		log.Warn().Err(err).Msg("failed to create virtual keyboard; keyboard input disabled")
	}
	disp := input.NewDispatcher(touch, kb)
	go disp.Run(events)

	srv := rfb.New(rfb.Config{
		Width:          cap.Width(),
		Height:         cap.Height(),
		Password:       cfg.Password,
		Frames:         sched.Frames(),
		RequestCapture: sched.Request,
		Dirty:          src.Dirty,
		Input:          events,
	})

	if cfg.WSPort != 0 {
		wsAddr := net.JoinHostPort(cfg.Listen, strconv.Itoa(int(cfg.WSPort)))
		go func() {
			if err := srv.ListenAndServeWS(wsAddr); err != nil {
				log.Error().Err(err).Msg("WebSocket listener failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Stringer("signal", sig).Msg("shutting down")
		srv.Close()
	}()

	addr := net.JoinHostPort(cfg.Listen, strconv.Itoa(int(cfg.Port)))
	if err := srv.ListenAndServe(addr); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	sched.Stop()
	<-sched.Done()
	disp.Close()
	return nil
}
