package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"voicenotes/pkg/handoff"
	"voicenotes/pkg/monitor"
	"voicenotes/pkg/recorder"
	"voicenotes/pkg/session"
	"voicenotes/pkg/upload"
)

const lockFileName = "notectl.lock"

// cycle bundles a session machine with the stdin lines that drive it.
type cycle struct {
	machine *session.Machine
	lines   <-chan string
	// force skips the confirmation prompt, used when a signal arrives.
	force atomic.Bool
}

// newCycle wires recorder, upload transport and monitor into a session.
func (c *commandContext) newCycle(in io.Reader, out *os.File, assumeYes bool) (*cycle, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	api, err := c.client()
	if err != nil {
		return nil, err
	}
	log := c.logger()

	trigger := handoff.NewHTTPTrigger(api.BaseURL(), log, handoff.WithToken(api.Token))
	transport := upload.NewTransport(api, api, api, trigger, log)
	mon := monitor.New(monitor.Interactive, api, api, api, log)
	rec := recorder.New(&recorder.FFmpegDevice{}, log)

	cy := &cycle{lines: readLines(in)}
	printer := newEventPrinter(out)
	cy.machine = session.New(session.Config{
		MaxDuration:  cfg.Client.MaxDuration,
		WarnBefore:   cfg.Client.WarnBefore,
		TickInterval: session.DefaultConfig.TickInterval,
	}, rec, transport, mon, log,
		session.WithListener(printer.handle),
		session.WithConfirm(func(from session.State) bool {
			if assumeYes || cy.force.Load() {
				return true
			}
			if cy.lines == nil {
				return false
			}
			fmt.Fprintf(out, "discard the %s? [y/N] ", describeState(from))
			answer, ok := <-cy.lines
			return ok && strings.EqualFold(strings.TrimSpace(answer), "y")
		}),
	)
	return cy, nil
}

// drive feeds keyboard commands and signals to the machine until the cycle
// returns to idle.
func (cy *cycle) drive(ctx context.Context) (session.Outcome, error) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	idle := make(chan session.Outcome, 1)
	go func() {
		out, _ := cy.machine.Wait(context.WithoutCancel(ctx))
		idle <- out
	}()

	for {
		select {
		case out := <-idle:
			return out, nil

		case <-sigs:
			cy.force.Store(true)
			if err := cy.machine.Cancel(); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
				return session.Outcome{}, err
			}
			// Cancel leaves the processing phase alone; stop waiting on it.
			if cy.machine.State() == session.StateProcessing {
				return session.Outcome{Canceled: true}, context.Canceled
			}

		case line, ok := <-cy.lines:
			if !ok {
				cy.lines = nil
				continue
			}
			var err error
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "p", "pause":
				err = cy.machine.Pause()
			case "r", "resume":
				err = cy.machine.Resume()
			case "s", "stop", "":
				if st := cy.machine.State(); st == session.StateRecording || st == session.StatePaused {
					err = cy.machine.Stop()
				}
			case "c", "cancel":
				err = cy.machine.Cancel()
			default:
				continue
			}
			if err != nil && !errors.Is(err, session.ErrNotConfirmed) {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
	}
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func describeState(s session.State) string {
	switch s {
	case session.StateRecording, session.StatePaused:
		return "recording"
	default:
		return "upload"
	}
}

// acquireLock keeps a second notectl from opening the microphone while one
// is already recording.
func acquireLock(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another notectl session is already recording")
	}
	return lock, nil
}

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var appendTo string
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a voice note from the default microphone",
		Long: "Record a voice note. Type p to pause, r to resume, s (or Enter) to stop and upload, " +
			"c to cancel. Recording stops on its own at the configured limit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock, err := acquireLock(cfg.Client.StateDir)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			cy, err := ctx.newCycle(cmd.InOrStdin(), os.Stdout, assumeYes)
			if err != nil {
				return err
			}
			if err := cy.machine.Start(cmd.Context(), appendTo); err != nil {
				return errors.New(describeError(err))
			}
			return finishCycle(cy.drive(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&appendTo, "append", "", "Append the recording to an existing note id")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask before discarding")
	return cmd
}

// finishCycle maps the outcome to the command's exit status. The printer
// has already reported the details.
func finishCycle(out session.Outcome, err error) error {
	if err != nil {
		return err
	}
	if out.Canceled {
		return context.Canceled
	}
	if out.Err != nil {
		return fmt.Errorf("session failed: %w", out.Err)
	}
	return nil
}
