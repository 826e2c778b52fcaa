// Package signals runs the dispatcher thread: a dedicated goroutine
// that owns {SIGWINCH, SIGTERM, SIGINT} for the life of a VM, resizes
// the attached console on a window-change, and drives the VM to exit
// cleanly on a termination signal.
package signals

import (
	"os"
	"os/signal"
	"sync"

	"github.com/containerd/console"
	"github.com/seccomp/libseccomp-golang"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Console is the narrow surface the dispatcher needs from an attached
// terminal: geometry refresh on SIGWINCH and canonical-mode restore on
// termination. console.Console satisfies this directly.
type Console interface {
	Resize(console.WinSize) error
	Reset() error
	Size() (console.WinSize, error)
}

// ExitSignaler is signaled exactly once, from the dispatcher goroutine,
// when SIGTERM or SIGINT arrives. The VM's run loop selects on it to
// unwind; if sending fails the dispatcher terminates the process, since
// there is no other path left to honor the termination request.
type ExitSignaler interface {
	SignalExit() error
}

// SeccompRule pairs one syscall with the action the seccomp filter
// takes when it is invoked; syscalls without a rule get the filter's
// default action (ActAllow, see applySeccomp).
type SeccompRule struct {
	Syscall seccomp.ScmpSyscall
	Action  seccomp.ScmpAction
}

// Dispatcher owns the signal-handling goroutine for one VM.
type Dispatcher struct {
	con    Console
	exiter ExitSignaler
	log    *logrus.Entry

	ch chan os.Signal

	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Dispatcher. con may be nil when the VM has no attached
// terminal (SIGWINCH is then a no-op); rules may be empty to skip
// seccomp entirely.
func New(con Console, exiter ExitSignaler, log *logrus.Entry, rules []SeccompRule) (*Dispatcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	d := &Dispatcher{
		con:    con,
		exiter: exiter,
		log:    log,
		ch:     make(chan os.Signal, 8),
		done:   make(chan struct{}),
	}

	signal.Notify(d.ch, unix.SIGWINCH, unix.SIGTERM, unix.SIGINT)

	if len(rules) > 0 {
		if err := applySeccomp(rules); err != nil {
			signal.Stop(d.ch)

			return nil, err
		}
	}

	go d.run()

	return d, nil
}

// Close stops the dispatcher goroutine and releases the signals back
// to their default disposition. Idempotent.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		signal.Stop(d.ch)
		close(d.ch)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.recoverPanic()

	for sig := range d.ch {
		switch sig {
		case unix.SIGWINCH:
			d.onWinch()
		case unix.SIGTERM, unix.SIGINT:
			d.onTerm(sig)
		}
	}
}

func (d *Dispatcher) onWinch() {
	if d.con == nil {
		return
	}

	size, err := d.con.Size()
	if err != nil {
		d.log.WithError(err).Warn("signals: query console size")

		return
	}

	if err := d.con.Resize(size); err != nil {
		d.log.WithError(err).Warn("signals: resize console")
	}
}

func (d *Dispatcher) onTerm(sig os.Signal) {
	if d.con != nil {
		if err := d.con.Reset(); err != nil {
			d.log.WithError(err).Warn("signals: restore canonical terminal mode")
		}
	}

	if err := d.exiter.SignalExit(); err != nil {
		d.log.WithError(err).Errorf("signals: signal exit event on %s", sig)
		os.Exit(1)
	}
}

// recoverPanic is the top-level unwind guard: a panic inside the
// dispatcher still signals the exit event, but it never propagates
// back into caller code.
func (d *Dispatcher) recoverPanic() {
	if r := recover(); r != nil {
		d.log.Errorf("signals: dispatcher panic: %v", r)

		if err := d.exiter.SignalExit(); err != nil {
			os.Exit(1)
		}
	}
}

// applySeccomp installs a seccomp-bpf filter whose default action is
// ActAllow and which applies each rule's Action to its syscall; it is
// only called when the policy is non-empty.
func applySeccomp(rules []SeccompRule) error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return err
	}
	defer filter.Release()

	if err := filter.SetDefaultAction(seccomp.ActAllow); err != nil {
		return err
	}

	for _, r := range rules {
		if err := filter.AddRule(r.Syscall, r.Action); err != nil {
			return err
		}
	}

	return filter.Load()
}
