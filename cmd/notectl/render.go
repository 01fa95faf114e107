package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"voicenotes/pkg/models"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/recorder"
	"voicenotes/pkg/session"
	"voicenotes/pkg/upload"
)

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// eventPrinter renders session events. Upload progress uses a bar on a
// terminal and plain percentage lines otherwise.
type eventPrinter struct {
	out      io.Writer
	tty      bool
	bar      *progressbar.ProgressBar
	lastTick time.Duration
}

func newEventPrinter(out *os.File) *eventPrinter {
	return &eventPrinter{out: out, tty: isTerminal(out)}
}

func (p *eventPrinter) handle(ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		p.finishBar()
		switch ev.State {
		case session.StateRecording:
			fmt.Fprintln(p.out, "● recording  [p]ause  [s]top  [c]ancel")
		case session.StatePaused:
			fmt.Fprintf(p.out, "⏸ paused at %s  [r]esume  [s]top  [c]ancel\n", clock(ev.Elapsed))
		case session.StateUploading, session.StateFileUploading:
			fmt.Fprintln(p.out, "uploading...")
		case session.StateProcessing:
			fmt.Fprintln(p.out, "processing...")
		}

	case session.EventTick:
		if ev.Elapsed/(10*time.Second) != p.lastTick/(10*time.Second) {
			fmt.Fprintf(p.out, "  %s recorded, %s left\n", clock(ev.Elapsed), clock(ev.Remaining))
		}
		p.lastTick = ev.Elapsed

	case session.EventWarning:
		fmt.Fprintf(p.out, "! %s\n", ev.Message)

	case session.EventProgress:
		p.progress(ev.Progress)

	case session.EventNoteStatus:
		if ev.Note != nil {
			fmt.Fprintf(p.out, "  note %s is %s\n", shortID(ev.Note.ID), ev.Note.Status)
		}

	case session.EventDone:
		p.finishBar()
		printNote(p.out, ev.Note)

	case session.EventCanceled:
		p.finishBar()
		fmt.Fprintln(p.out, "canceled")

	case session.EventError:
		p.finishBar()
		fmt.Fprintf(p.out, "error: %s\n", describeError(ev.Err))
	}
}

func (p *eventPrinter) progress(pct int) {
	if !p.tty {
		if pct == 0 || pct == 100 || pct%25 == 0 {
			fmt.Fprintf(p.out, "  upload %d%%\n", pct)
		}
		return
	}
	if p.bar == nil {
		p.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription("upload"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	p.bar.Set(pct)
}

func (p *eventPrinter) finishBar() {
	if p.bar == nil {
		return
	}
	p.bar.Finish()
	p.bar = nil
}

func printNote(w io.Writer, note *models.Note) {
	if note == nil {
		return
	}
	fmt.Fprintf(w, "\n%s  (%s)\n", note.Title, note.ID)
	if note.OriginalTranscript == models.FallbackTranscript {
		fmt.Fprintln(w, "  transcription was unavailable, placeholder content saved")
	}
	if content := strings.TrimSpace(note.ProcessedContent); content != "" {
		fmt.Fprintf(w, "\n%s\n", content)
	}
}

// describeError turns the pipeline's error kinds into a user-facing line.
func describeError(err error) string {
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, recorder.ErrPermissionDenied):
		return "microphone access was denied; allow access and try again"
	case errors.Is(err, recorder.ErrUnsupportedPlatform):
		return "audio capture is not available here (is ffmpeg installed?)"
	case errors.Is(err, upload.ErrNotAuthenticated):
		return "not signed in; set CLIENT_TOKEN or pass --token"
	case errors.Is(err, upload.ErrStorageWriteFailed):
		return "the recording could not be stored: " + err.Error()
	case errors.Is(err, upload.ErrNoteNotFound):
		return "the note to append to no longer exists"
	case errors.Is(err, monitor.ErrRemoteProcessingFailed):
		return "transcription failed: " + err.Error()
	case errors.Is(err, monitor.ErrPollingTimedOut):
		return "transcription did not finish in time"
	case errors.Is(err, monitor.ErrTooManyConsecutiveErrors):
		return "lost contact with the server while waiting: " + err.Error()
	}
	return err.Error()
}

func clock(d time.Duration) string {
	s := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
