// xbelrs bridges an Xbox 360 wireless racing wheel to an ExpressLRS TX
// module: wireless receiver in over USB, CRSF out over a serial port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nuketownada/xbox-elrs/internal/crsf"
	"github.com/nuketownada/xbox-elrs/internal/mixer"
	"github.com/nuketownada/xbox-elrs/internal/rlog"
	"github.com/nuketownada/xbox-elrs/internal/statuspub"
	"github.com/nuketownada/xbox-elrs/internal/telemetry"
	"github.com/nuketownada/xbox-elrs/internal/xbox"
)

type options struct {
	serialPort string
	baud       int
	intervalMS int

	vid uint16
	pid uint16

	throttleMode  string
	steeringExpo  uint8
	throttleExpo  uint8
	steeringDead  uint8
	throttleDead  uint8
	endpointLeft  uint8
	endpointRight uint8
	endpointThr   uint8
	endpointBrake uint8

	metricsAddr string
	mqttBroker  string
	udpLogAddr  string
	verbose     bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "xbelrs",
		Short: "Xbox 360 racing wheel to ExpressLRS CRSF bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}

	f := root.Flags()
	f.StringVar(&opts.serialPort, "serial-port", "/dev/ttyUSB0", "serial port wired to the ELRS TX module")
	f.IntVar(&opts.baud, "baud", crsf.Baud, "CRSF baud rate")
	f.IntVar(&opts.intervalMS, "interval", 4, "frame interval in milliseconds")
	f.Uint16Var(&opts.vid, "vid", xbox.ReceiverVID, "receiver USB vendor ID")
	f.Uint16Var(&opts.pid, "pid", xbox.ReceiverPID, "receiver USB product ID")
	f.StringVar(&opts.throttleMode, "throttle-mode", "combined", "throttle mixing: combined, separate, or throttle-only")
	f.Uint8Var(&opts.steeringExpo, "steering-expo", 0, "steering expo percent")
	f.Uint8Var(&opts.throttleExpo, "throttle-expo", 0, "throttle expo percent")
	f.Uint8Var(&opts.steeringDead, "steering-deadband", 3, "steering deadband percent")
	f.Uint8Var(&opts.throttleDead, "throttle-deadband", 2, "throttle deadband percent")
	f.Uint8Var(&opts.endpointLeft, "endpoint-left", 27, "left steering endpoint percent")
	f.Uint8Var(&opts.endpointRight, "endpoint-right", 28, "right steering endpoint percent")
	f.Uint8Var(&opts.endpointThr, "endpoint-throttle", 46, "throttle endpoint percent")
	f.Uint8Var(&opts.endpointBrake, "endpoint-brake", 28, "brake endpoint percent")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for /metrics (disabled when empty)")
	f.StringVar(&opts.mqttBroker, "mqtt-broker", "", "MQTT broker for status publishing (disabled when empty)")
	f.StringVar(&opts.udpLogAddr, "udp-log", "", "UDP broadcast address for remote logs, e.g. :3333 (disabled when empty)")
	f.BoolVar(&opts.verbose, "verbose", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Fatal("bridge exited")
	}
}

func mixerConfig(opts *options) (mixer.Config, error) {
	cfg := mixer.DefaultConfig()
	switch opts.throttleMode {
	case "combined":
		cfg.ThrottleMode = mixer.ModeCombined
	case "separate":
		cfg.ThrottleMode = mixer.ModeSeparate
	case "throttle-only":
		cfg.ThrottleMode = mixer.ModeThrottleOnly
	default:
		return cfg, fmt.Errorf("unknown throttle mode %q", opts.throttleMode)
	}
	cfg.Expo = mixer.ExpoSettings{Steering: opts.steeringExpo, Throttle: opts.throttleExpo}
	cfg.Deadband = mixer.DeadbandSettings{Steering: opts.steeringDead, Throttle: opts.throttleDead}
	cfg.SteeringEndpointLeft = opts.endpointLeft
	cfg.SteeringEndpointRight = opts.endpointRight
	cfg.ThrottleEndpoint = opts.endpointThr
	cfg.BrakeEndpoint = opts.endpointBrake
	return cfg, nil
}

func run(ctx context.Context, opts *options) error {
	log := logrus.WithField("component", "xbelrs")
	if opts.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if opts.udpLogAddr != "" {
		hook, err := rlog.NewHook(opts.udpLogAddr)
		if err != nil {
			return err
		}
		defer hook.Close()
		logrus.AddHook(hook)
		log.WithField("addr", opts.udpLogAddr).Info("udp logging enabled")
	}

	mixCfg, err := mixerConfig(opts)
	if err != nil {
		return err
	}
	mix := mixer.New(mixCfg)

	link, err := crsf.New(crsf.Config{
		Port:     opts.serialPort,
		Baud:     opts.baud,
		Interval: time.Duration(opts.intervalMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer link.Close()

	// Safe posture until the wheel shows up.
	link.SetChannel(crsf.ChThrottle, crsf.ChannelMin) //nolint:errcheck

	var pub *statuspub.Publisher
	if opts.mqttBroker != "" {
		pub, err = statuspub.New(opts.mqttBroker)
		if err != nil {
			// Status publishing is auxiliary; run without it.
			log.WithError(err).Warn("mqtt unavailable, continuing without status publishing")
		} else {
			defer pub.Close()
		}
	}

	// The bridge proper: receiver callback -> mixer -> link.
	callback := func(slot xbox.Slot, st xbox.State) {
		if slot != xbox.Slot1 {
			return
		}
		if !st.Connected {
			log.Warn("racing wheel disconnected")
			safe := crsf.Centered()
			safe[crsf.ChThrottle] = crsf.ChannelMin
			if mixCfg.ArmChannel >= 0 && mixCfg.ArmChannel < crsf.NumChannels {
				safe[mixCfg.ArmChannel] = crsf.ChannelMin
			}
			link.SetChannels(safe)
		} else {
			link.SetChannels(mix.Process(&st))
		}
		if pub != nil {
			pub.Publish(slot, st)
		}
	}

	backend := xbox.NewUSBBackend(opts.vid, opts.pid, 0)
	defer backend.Close()

	driver, err := xbox.NewDriver(backend, xbox.Config{VID: opts.vid, PID: opts.pid}, callback)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driver.Run(ctx)
	})

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			log.WithField("addr", opts.metricsAddr).Info("metrics listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	log.Info("bridge running, waiting for receiver")
	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
