package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout       = 30 * time.Second
	maxReconnectDelay = 5 * time.Minute
)

// Waker is anything that can request a drain
type Waker interface {
	Wake()
}

// WatchSignals wakes w on every SIGUSR1 until ctx is cancelled
func WatchSignals(ctx context.Context, w Waker, log zerolog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				log.Debug().Msg("SIGUSR1 received")
				w.Wake()
			}
		}
	}()
}

// EventListener holds a websocket open to the hub and wakes on "wake" events.
// It reconnects with exponential backoff and wakes once after every (re)connect
// to pick up anything queued while disconnected.
type EventListener struct {
	url        string
	w          Waker
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
}

// NewEventListener creates a listener for the hub's wake channel
func NewEventListener(url string, w Waker, log zerolog.Logger) *EventListener {
	return &EventListener{
		url: url,
		w:   w,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = maxReconnectDelay
			b.MaxElapsedTime = 0
			return b
		},
		log: log.With().Str("component", "event_listener").Logger(),
	}
}

// Run connects and listens until ctx is cancelled
func (l *EventListener) Run(ctx context.Context) {
	b := l.newBackOff()

	for ctx.Err() == nil {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = maxReconnectDelay
		}
		l.log.Warn().Err(err).Dur("retry_in", delay).Msg("Hub event channel lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// listen runs one connection; connected reports whether the dial succeeded
func (l *EventListener) listen(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to dial hub events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.log.Info().Str("url", l.url).Msg("Connected to hub event channel")
	l.w.Wake()

	for {
		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				return true, fmt.Errorf("hub closed event channel (%d)", closeStatus)
			}
			return true, err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var event struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			l.log.Debug().Err(err).Msg("Ignoring malformed event")
			continue
		}
		if event.Event == "wake" {
			l.w.Wake()
		}
	}
}

// PollJob wakes the loop on a schedule as a fallback for lost wake-ups
type PollJob struct {
	w Waker
}

// NewPollJob creates a scheduler job that wakes w
func NewPollJob(w Waker) *PollJob {
	return &PollJob{w: w}
}

// Name returns the job name
func (j *PollJob) Name() string {
	return "worker_poll"
}

// Run requests a drain
func (j *PollJob) Run() error {
	j.w.Wake()
	return nil
}

// WritePIDFile records the current process id so the hub can signal it
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemovePIDFile deletes the pid file if it still names this process
func RemovePIDFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid, err := strconv.Atoi(string(bytes.TrimSpace(data))); err == nil && pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}
