package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/audio/device"
	"github.com/vango-go/zenlive/pkg/config"
	"github.com/vango-go/zenlive/pkg/engine"
	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/metrics"
	"github.com/vango-go/zenlive/pkg/recovery"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/transport/geminichan"
	"github.com/vango-go/zenlive/pkg/transport/wschan"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

const coachInstruction = `You are a calm, encouraging voice coach for short workouts, breathing exercises, stretches and meditations.
Keep spoken replies brief. Use the tools to offer choices, show timers and start guided activities.
Messages that begin with [[cue]] come from the guidance timer: speak them naturally and do not mention the marker.`

const shutdownTimeout = 5 * time.Second

type liveDeps struct {
	openStore func(context.Context, recovery.Options) (recovery.Store, error)
	newDialer func(config.Config) transport.Dialer
	openMic   audio.OpenMicrophoneFunc
	openSink  audio.OpenSinkFunc
}

func defaultLiveDeps() liveDeps {
	return liveDeps{
		openStore: recovery.Open,
		newDialer: newDialer,
		openMic:   device.OpenMicrophone,
		openSink:  device.OpenSpeaker,
	}
}

func newLiveCmd(flags *rootFlags) *cobra.Command {
	var activityPath string
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Start a live voice session with the default microphone and speaker",
		Long: `Start a live voice session. Lines typed on stdin are sent to the model as user
turns; lines starting with / control guidance (/help lists them).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLive(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout(), activityPath, defaultLiveDeps())
		},
	}
	cmd.Flags().StringVar(&activityPath, "activity", "", "YAML activity file to start once connected")
	return cmd
}

func newDialer(cfg config.Config) transport.Dialer {
	switch cfg.Backend {
	case config.BackendWebsocket:
		return &wschan.Dialer{
			URL:          cfg.Endpoint,
			APIKey:       cfg.APIKey,
			PingInterval: cfg.KeepaliveInterval,
		}
	default:
		return &geminichan.Dialer{APIKey: cfg.APIKey}
	}
}

func recoveryOptions(cfg config.Config) recovery.Options {
	return recovery.Options{
		Backend:     cfg.Recovery.Backend,
		Fallback:    cfg.Recovery.Fallback,
		SQLitePath:  cfg.Recovery.SQLitePath,
		PostgresDSN: cfg.Recovery.PostgresDSN,
		RedisAddr:   cfg.Recovery.RedisAddr,
		RedisURL:    cfg.Recovery.RedisURL,
	}
}

func engineOptions(cfg config.Config, deps liveDeps, bridge *recovery.Bridge, m *metrics.Metrics, logger *slog.Logger, listener engine.HostListener) engine.Options {
	return engine.Options{
		Transport: transport.Options{
			Dialer:             deps.newDialer(cfg),
			Model:              cfg.Model,
			Voice:              cfg.Voice,
			BaseInstruction:    coachInstruction,
			CaptureSampleRate:  cfg.CaptureSampleRate,
			PlaybackSampleRate: cfg.PlaybackSampleRate,
			HandshakeTimeout:   cfg.HandshakeTimeout,
			KeepaliveInterval:  cfg.KeepaliveInterval,
			KeepaliveQuiet:     cfg.KeepaliveQuiet,
			ReconnectBase:      cfg.ReconnectBase,
			ReconnectCap:       cfg.ReconnectCap,
			MaxRetries:         cfg.MaxRetries,
			ResumptionValidity: cfg.ResumptionValidity,
			HistoryTurns:       cfg.HistoryTurns,
			Refresh:            transport.RefreshPolicy{EveryTurns: cfg.RefreshEveryTurns, Every: cfg.RefreshEvery},
		},
		Audio: audio.PipelineOptions{
			OpenMicrophone:     deps.openMic,
			OpenSink:           deps.openSink,
			CaptureSampleRate:  cfg.CaptureSampleRate,
			PlaybackSampleRate: cfg.PlaybackSampleRate,
			FrameSamples:       cfg.FrameSamples,
		},
		Voice:           voiceOptions(cfg),
		Bridge:          bridge,
		Scope:           recovery.Scope{UserID: cfg.UserID, ConversationID: cfg.ConversationID},
		Listener:        listener,
		Metrics:         m,
		Logger:          logger,
		TickInterval:    cfg.TickInterval,
		PersistDebounce: cfg.PersistDebounce,
	}
}

func voiceOptions(cfg config.Config) voicecmd.Options {
	return voicecmd.Options{
		SelectionTimeout: cfg.SelectionTimeout,
		ReadinessWindow:  cfg.ReadinessWindow,
	}
}

func buildMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func runLive(ctx context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer, activityPath string, deps liveDeps) error {
	if cfg.Backend == config.BackendGemini {
		if err := cfg.RequireAPIKey(); err != nil {
			return err
		}
	}
	var initial *guidance.ActivityConfig
	if activityPath != "" {
		act, err := guidance.LoadActivityFile(activityPath)
		if err != nil {
			return err
		}
		initial = &act
	}

	store, err := deps.openStore(ctx, recoveryOptions(cfg))
	if err != nil {
		return fmt.Errorf("open recovery store: %w", err)
	}
	m := metrics.New("zenlive")
	bridge := recovery.NewBridge(recovery.BridgeOptions{
		Store:         store,
		Scope:         recovery.Scope{UserID: cfg.UserID, ConversationID: cfg.ConversationID},
		ResumptionTTL: cfg.ResumptionValidity,
		Logger:        logger,
		Metrics:       m,
	})
	defer bridge.Close()

	console := newConsole(out)
	eng := engine.New(engineOptions(cfg, deps, bridge, m, logger, console))
	logger.Info("starting live session", "backend", cfg.Backend, "model", cfg.Model, "recovery", cfg.Recovery.Backend)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		srv := buildMetricsServer(cfg.MetricsAddr, m.Handler())
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		defer func() {
			closeCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = eng.Close(closeCtx)
		}()

		select {
		case <-eng.Ready():
		case <-gctx.Done():
			return nil
		}
		if err := eng.Connect(gctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if initial != nil {
			if err := eng.StartActivity(gctx, *initial); err != nil {
				return fmt.Errorf("start activity: %w", err)
			}
		}
		console.printf("connected. Speak, type a message, or /help.\n")
		return runConsole(gctx, eng, in, console)
	})

	return g.Wait()
}

// runConsole reads stdin lines until EOF, /quit or cancellation.
func runConsole(ctx context.Context, eng consoleEngine, in io.Reader, c *console) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleConsoleLine(ctx, eng, line, c)
			if err != nil {
				c.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// consoleEngine is the part of the engine the console drives.
type consoleEngine interface {
	SendText(ctx context.Context, text string) error
	HandleTranscript(ctx context.Context, text string) error
	StartActivity(ctx context.Context, cfg guidance.ActivityConfig) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Skip(ctx context.Context) error
	Back(ctx context.Context) error
	AdjustPace(ctx context.Context, dir guidance.Direction) error
	StopActivity(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	Progress() guidance.Progress
	Status() transport.Status
}

const consoleHelp = `/pause /resume /skip /back      control the activity
/faster /slower                  change the pace
/stop                            end the activity
/start <file>                    start a YAML activity
/say <text>                      treat text as something you said
/mute /unmute                    gate the microphone
/status                          show progress
/quit                            end the session
anything else is sent to the coach as a message
`

func handleConsoleLine(ctx context.Context, eng consoleEngine, line string, c *console) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, eng.SendText(ctx, line)
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "quit", "exit":
		return true, nil
	case "help":
		c.printf("%s", consoleHelp)
		return false, nil
	case "pause":
		return false, eng.Pause(ctx)
	case "resume":
		return false, eng.Resume(ctx)
	case "skip":
		return false, eng.Skip(ctx)
	case "back":
		return false, eng.Back(ctx)
	case "faster":
		return false, eng.AdjustPace(ctx, guidance.Faster)
	case "slower":
		return false, eng.AdjustPace(ctx, guidance.Slower)
	case "stop":
		return false, eng.StopActivity(ctx)
	case "mute":
		return false, eng.SetMuted(ctx, true)
	case "unmute":
		return false, eng.SetMuted(ctx, false)
	case "say":
		if arg == "" {
			return false, errors.New("/say needs text")
		}
		return false, eng.HandleTranscript(ctx, arg)
	case "start":
		if arg == "" {
			return false, errors.New("/start needs an activity file")
		}
		act, err := guidance.LoadActivityFile(arg)
		if err != nil {
			return false, err
		}
		return false, eng.StartActivity(ctx, act)
	case "status":
		c.printProgress(eng.Status(), eng.Progress())
		return false, nil
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
}
