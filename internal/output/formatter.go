package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/room"
)

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
	dim  = color.New(color.Faint).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

// Formatter prints meeting progress for a terminal. Safe for concurrent use.
type Formatter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) printf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.w, format, args...)
}

func (f *Formatter) Joining(room, server string) {
	f.printf("%s joining %s via %s\n", dim("…"), bold(room), server)
}

func (f *Formatter) Joined(room string) {
	f.printf("%s in meeting %s (m mute, v camera, q or Ctrl+C to leave)\n", ok("●"), bold(room))
}

func (f *Formatter) Leaving() {
	f.printf("%s leaving...\n", dim("…"))
}

// Notice renders a room notice. Called from the room loop, so it only prints.
func (f *Formatter) Notice(n room.Notice) {
	who := n.Participant.Name
	if who == "" {
		who = string(n.Participant.ID)
	}
	switch n.Kind {
	case room.NoticeJoined:
		f.printf("%s %s joined\n", ok("+"), who)
	case room.NoticeLeft:
		f.printf("%s %s left\n", warn("-"), who)
	case room.NoticeLive:
		f.printf("%s receiving media from %s\n", ok("♪"), who)
	case room.NoticeLinkState:
		f.printf("  %s link to %s %s\n", dim("·"), who, linkState(n.LinkState))
	}
}

func linkState(s core.LinkState) string {
	switch s {
	case core.LinkConnected:
		return ok(string(s))
	case core.LinkFailed:
		return bad(string(s))
	case core.LinkClosed:
		return dim(string(s))
	default:
		return warn(string(s))
	}
}

func (f *Formatter) Left(res room.LeaveResult) {
	f.printf("%s left after %s, %d still in the room\n", warn("⏹"), FormatDuration(res.Duration), res.Remaining)
	if !res.LastLeaver {
		return
	}
	switch {
	case res.PublishErr != nil:
		f.Error(fmt.Sprintf("transcript not published: %v", res.PublishErr))
	case res.Outcome == nil || res.Outcome.Skipped:
		f.Info("nothing was recorded, no transcript published")
	default:
		f.Success(fmt.Sprintf("transcript %s posted to the department chat", res.Outcome.FileName))
		if res.Outcome.FileURL != "" {
			f.printf("   %s\n", dim(res.Outcome.FileURL))
		}
	}
}

// Toggled reports a local device switched on or off.
func (f *Formatter) Toggled(device string, on bool) {
	if on {
		f.printf("%s %s on\n", ok("●"), device)
		return
	}
	f.printf("%s %s off\n", warn("○"), device)
}

func (f *Formatter) Error(msg string) {
	f.printf("%s %s\n", bad("✗"), msg)
}

func (f *Formatter) Info(msg string) {
	f.printf("%s %s\n", dim("i"), msg)
}

func (f *Formatter) Success(msg string) {
	f.printf("%s %s\n", ok("✓"), msg)
}

func (f *Formatter) Warning(msg string) {
	f.printf("%s %s\n", warn("!"), msg)
}

// FormatDuration renders d as 1h02m03s, 2m03s or 3s.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
