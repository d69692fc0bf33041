package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d1nch8g/ptt/channel"
	"github.com/d1nch8g/ptt/config"
	"github.com/d1nch8g/ptt/logging"
	"github.com/d1nch8g/ptt/pa"
	"github.com/d1nch8g/ptt/permission"
	"github.com/d1nch8g/ptt/session"
	"github.com/d1nch8g/ptt/sound"
	"github.com/d1nch8g/ptt/tts"
)

const disposeTimeout = 5 * time.Second

const joinHelp = `Commands:
  t        toggle push-to-talk
  e        toggle voice effect
  v N      set playback volume (0-400)
  s        toggle speakerphone
  x        dismiss the last error
  j [ch]   join a channel (default: the last one)
  l        leave the channel
  q        leave and quit`

// JoinCmd creates the interactive join command
func JoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join [channel]",
		Short: "Join a voice channel and talk with push-to-talk",
		Long: `Join a voice channel and control the session from the keyboard.

` + joinHelp,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID := AppConfig.Channel
			if len(args) == 1 {
				channelID = args[0]
			}
			return runJoin(cmd, channelID)
		},
	}
}

func runJoin(cmd *cobra.Command, channelID string) error {
	cfg := AppConfig

	logger, err := logging.New(effectiveLogLevel())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	gate, err := newGate(cfg, in, out)
	if err != nil {
		return err
	}

	paCfg := pa.Config{
		SampleRate:      cfg.Audio.SampleRate,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		WindowSize:      cfg.Audio.WindowSize,
	}
	speaker := pa.NewSpeaker(cfg.Audio.FramesPerBuffer, logger)
	engine := channel.NewEngine(channel.Config{
		ServerURL:  cfg.ServerURL,
		AppID:      cfg.AppID,
		SampleRate: int(cfg.Audio.SampleRate),
	}, pa.NewMicrophone(paCfg, logger), speaker, logger)
	defer engine.Close()

	var cacheOpts []sound.CacheOption
	if cfg.TTS.ApiKey != "" {
		synth, err := tts.NewYandexTTSClient(tts.YandexConfig{
			ApiKey:   cfg.TTS.ApiKey,
			FolderID: cfg.TTS.FolderID,
			Options:  tts.Options{Voice: cfg.TTS.Voice},
		}, logger)
		if err != nil {
			return err
		}
		defer synth.Close()
		cacheOpts = append(cacheOpts, sound.WithSynthesizer(synth))
	}

	cues := sound.NewCuePlayer(sound.NewCache(cfg.CueDir, cacheOpts...), speaker, engine, logger)
	defer cues.Close()

	ctrl := session.NewController(session.Config{
		LocalID:     cfg.LocalID,
		Token:       cfg.Token,
		StartCue:    cfg.StartCue,
		EndCue:      cfg.EndCue,
		JoinTimeout: cfg.JoinTimeout,
	}, gate, engine, pa.NewCaptureDevice(paCfg, logger), cues, logger)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := ctrl.Dispose(dctx); err != nil {
			logger.Warn("dispose failed", zap.Error(err))
		}
	}()

	presenter := NewPresenter(out)
	ctrl.Subscribe(presenter)
	ctrl.AddSampleSink(presenter)

	fmt.Fprintln(out, joinHelp)
	if err := ctrl.Join(ctx, channelID); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("initial join failed", zap.Error(err))
	}

	return commandLoop(ctx, ctrl, in, out, channelID)
}

func newGate(cfg *config.Config, in io.Reader, out io.Writer) (permission.Gate, error) {
	mode := cfg.MicPermission
	if micPermission != "" {
		mode = micPermission
	}
	switch mode {
	case config.PermissionGranted:
		return permission.Static(permission.Granted), nil
	case config.PermissionDenied:
		return permission.Static(permission.Denied), nil
	case config.PermissionPrompt:
		return permission.NewPromptGate(in, out), nil
	default:
		return nil, fmt.Errorf("invalid microphone permission mode %q", mode)
	}
}

// commandLoop reads commands until quit, end of input or ctx is done.
func commandLoop(ctx context.Context, ctrl controls, in *bufio.Reader, out io.Writer, channelID string) error {
	if ctx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	last := channelID
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := runCommand(ctx, ctrl, line, &last)
			if err != nil {
				fmt.Fprintf(out, "%s%v\n", clearLine, err)
			}
			if quit {
				return nil
			}
		}
	}
}

// controls is the part of the session controller the keyboard drives.
type controls interface {
	Join(ctx context.Context, channelID string) error
	Leave(ctx context.Context) error
	PTTDown()
	PTTUp()
	SetEffect(enabled bool)
	SetVolume(volume int)
	SetSpeakerphone(on bool)
	DismissError()
	Snapshot() session.Snapshot
}

var errUnknownCommand = errors.New("unknown command, type h for help")

// runCommand applies one input line. last tracks the channel used by a bare
// j command.
func runCommand(ctx context.Context, ctrl controls, line string, last *string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	snap := ctrl.Snapshot()

	switch fields[0] {
	case "t":
		if snap.Transmitting {
			ctrl.PTTUp()
		} else {
			ctrl.PTTDown()
		}
	case "e":
		ctrl.SetEffect(!snap.EffectEnabled)
	case "s":
		ctrl.SetSpeakerphone(!snap.Speakerphone)
	case "v":
		if len(fields) != 2 {
			return false, errors.New("usage: v N")
		}
		volume, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("invalid volume %q", fields[1])
		}
		ctrl.SetVolume(volume)
	case "x":
		ctrl.DismissError()
	case "j":
		if len(fields) > 1 {
			*last = fields[1]
		}
		err := ctrl.Join(ctx, *last)
		if errors.Is(err, session.ErrBusy) {
			return false, nil
		}
		return false, err
	case "l":
		if err := ctrl.Leave(ctx); err != nil && !errors.Is(err, session.ErrBusy) {
			return false, err
		}
	case "q":
		return true, ctrl.Leave(ctx)
	case "h", "?":
		return false, errors.New(joinHelp)
	default:
		return false, errUnknownCommand
	}
	return false, nil
}
