package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/dkeye/meetroom/internal/adapters/rtc"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/dkeye/meetroom/internal/media"
	"github.com/dkeye/meetroom/internal/output"
	"github.com/dkeye/meetroom/internal/recorder"
	"github.com/dkeye/meetroom/internal/room"
	"github.com/dkeye/meetroom/internal/signaling"
	"github.com/dkeye/meetroom/internal/transcript"
)

type joinOptions struct {
	server         string
	department     string
	departmentName string
	chat           string
	user           string
	name           string
	audio          string
	video          string
	loop           bool
	loopback       bool
	duration       time.Duration
}

func NewJoinCmd(deps *Dependencies) *cobra.Command {
	opts := &joinOptions{}

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a department meeting",
		Long:  "Join the meeting room of a department, streaming the given Ogg/Opus and IVF files as microphone and camera.\nLeaves on Ctrl+C, on \"q\" or when --duration elapses.\n\nWhile in the meeting type \"m\" to mute or unmute the microphone and \"v\" to turn the camera off or on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), deps, opts, cmd.InOrStdin(), output.NewFormatter(os.Stdout))
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", deps.Config.Meeting.ServerURL, "Meetroom server URL")
	cmd.Flags().StringVarP(&opts.department, "department", "d", "", "Department id (required)")
	cmd.Flags().StringVar(&opts.departmentName, "department-name", "", "Department display name used in the transcript message")
	cmd.Flags().StringVar(&opts.chat, "chat", "", "Chat id for the transcript (skips department chat lookup)")
	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "Participant id (random when empty)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Display name")
	cmd.Flags().StringVarP(&opts.audio, "audio", "a", "", "Ogg/Opus file used as microphone")
	cmd.Flags().StringVarP(&opts.video, "video", "v", "", "IVF file used as camera")
	cmd.Flags().BoolVar(&opts.loop, "loop", false, "Restart media files at EOF")
	cmd.Flags().BoolVar(&opts.loopback, "loopback", false, "Gather loopback ICE candidates (peers on the same host)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Leave automatically after this long")
	_ = cmd.MarkFlagRequired("department")

	return cmd
}

func runJoin(parent context.Context, deps *Dependencies, opts *joinOptions, in io.Reader, formatter *output.Formatter) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := deps.Config
	self, err := domain.NewParticipant(opts.user, opts.name)
	if err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	endpoint, err := signaling.SignalEndpoint(opts.server)
	if err != nil {
		return err
	}

	client := transcript.NewAPIClient(opts.server)
	iceCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	servers, err := client.ICEServers(iceCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("could not fetch ICE servers, using configured ones")
		servers = cfg.ICEServers
	}

	api, err := rtc.NewAPI(rtc.APIOptions{
		IncludeLoopback: opts.loopback,
		FailedTimeout:   cfg.Meeting.RestartTimeout,
		LogLevel:        zerolog.WarnLevel,
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	coord, err := room.New(room.Options{
		Self:           *self,
		Department:     domain.DepartmentID(opts.department),
		DepartmentName: opts.departmentName,
		ChatID:         domain.ChatID(opts.chat),
		Signaling:      signaling.NewWSChannel(endpoint),
		Links:          &rtc.Factory{API: api, Config: rtc.ICEConfiguration(servers)},
		Devices: &media.FileDevices{
			AudioPath: opts.audio,
			VideoPath: opts.video,
			Loop:      opts.loop,
			StreamID:  string(self.ID),
		},
		Recorder: recorder.New(recorder.Options{ChunkInterval: cfg.Meeting.ChunkInterval}),
		Publisher: &transcript.Publisher{
			Transcriber: client,
			Chats:       client,
			Storage:     client,
			Messages:    client,
		},
		SubscribeTimeout: cfg.Signaling.SubscribeTimeout,
		SettleDelay:      cfg.Meeting.SettleDelay,
		ReannounceDelay:  cfg.Meeting.ReannounceDelay,
		RestartTimeout:   cfg.Meeting.RestartTimeout,
		OnNotice:         formatter.Notice,
	})
	if err != nil {
		return err
	}

	formatter.Joining(string(coord.Room()), opts.server)
	if err := coord.Join(ctx); err != nil {
		if hint := mediaHint(err); hint != "" {
			formatter.Warning(hint)
		}
		return fmt.Errorf("join: %w", err)
	}
	formatter.Joined(string(coord.Room()))

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timeout = time.After(opts.duration)
	}
	lines := readLines(in)
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-timeout:
			break wait
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if runCommand(line, coord, formatter) {
				break wait
			}
		}
	}

	formatter.Leaving()
	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancelLeave()
	res, err := coord.Leave(leaveCtx)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	formatter.Left(res)
	return nil
}

var mediaErrors = []error{domain.ErrMediaPermissionDenied, domain.ErrMediaDeviceNotFound, domain.ErrMediaDeviceBusy}

func mediaHint(err error) string {
	if lo.ContainsBy(mediaErrors, func(e error) bool { return errors.Is(err, e) }) {
		return domain.MediaErrorHint(err)
	}
	return ""
}

// toggler is the part of the room the keyboard commands drive.
type toggler interface {
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
}

// runCommand executes one stdin line and reports whether it asked to leave.
func runCommand(line string, t toggler, f *output.Formatter) bool {
	var (
		kind string
		on   bool
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return false
	case "q", "quit", "leave":
		return true
	case "m", "mute":
		kind = "microphone"
		on, err = t.ToggleAudio()
	case "v", "video":
		kind = "camera"
		on, err = t.ToggleVideo()
	default:
		f.Warning(fmt.Sprintf("unknown command %q, use m, v or q", strings.TrimSpace(line)))
		return false
	}
	if err != nil {
		f.Warning(fmt.Sprintf("%s: %v", kind, err))
		return false
	}
	f.Toggled(kind, on)
	return false
}

// readLines streams lines from in until EOF. A nil reader yields a closed channel.
func readLines(in io.Reader) <-chan string {
	out := make(chan string)
	if in == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
