package notify

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// SignalNotifier sends SIGUSR1 to the worker process.
// The pid comes from configuration or, when unset, from the pid file the worker writes.
type SignalNotifier struct {
	pid     int
	pidFile string
	send    func(pid int, sig os.Signal) error
	trigger trigger
	stop    chan struct{}
	stopped chan struct{}
	log     zerolog.Logger
}

// NewSignalNotifier creates a signal notifier; call Run to start delivering
func NewSignalNotifier(pid int, pidFile string, log zerolog.Logger) *SignalNotifier {
	return &SignalNotifier{
		pid:     pid,
		pidFile: pidFile,
		send:    signalProcess,
		trigger: newTrigger(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.With().Str("component", "signal_notifier").Logger(),
	}
}

// Notify requests a wake-up. This is non-blocking and can be called from any goroutine.
func (n *SignalNotifier) Notify() {
	n.trigger.fire()
}

// Run delivers wake-ups until Stop is called
func (n *SignalNotifier) Run() {
	defer close(n.stopped)

	for {
		select {
		case <-n.stop:
			return
		case <-n.trigger:
			n.deliver()
		}
	}
}

// Stop stops the delivery loop
func (n *SignalNotifier) Stop() {
	close(n.stop)
	<-n.stopped
}

func (n *SignalNotifier) deliver() {
	pid, err := n.resolvePID()
	if err != nil {
		n.log.Warn().Err(err).Msg("No worker pid available, wake-up dropped")
		return
	}
	if err := n.send(pid, syscall.SIGUSR1); err != nil {
		n.log.Warn().Err(err).Int("pid", pid).Msg("Failed to signal worker")
		return
	}
	n.log.Debug().Int("pid", pid).Msg("Sent SIGUSR1 to worker")
}

func (n *SignalNotifier) resolvePID() (int, error) {
	if n.pid > 0 {
		return n.pid, nil
	}
	if n.pidFile == "" {
		return 0, fmt.Errorf("worker pid not configured")
	}
	return ReadPIDFile(n.pidFile)
}

// ReadPIDFile reads a positive pid from path
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

func signalProcess(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
