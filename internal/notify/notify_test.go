package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (c *countingNotifier) Notify() {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func TestMulti_Notify(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{}

	Multi{a, nil, b, Noop{}}.Notify()

	assert.Equal(t, 1, a.count)
	assert.Equal(t, 1, b.count)
}

func TestTrigger_Coalesces(t *testing.T) {
	tr := newTrigger()
	for i := 0; i < 10; i++ {
		tr.fire()
	}

	assert.Len(t, tr, 1)
	<-tr
	assert.Len(t, tr, 0)
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "valid", content: "4242\n", want: 4242},
		{name: "garbage", content: "abc", wantErr: true},
		{name: "zero", content: "0", wantErr: true},
		{name: "negative", content: "-5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			pid, err := ReadPIDFile(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}

	_, err := ReadPIDFile(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)
}

type sentSignal struct {
	sig os.Signal
	pid int
}

func newTestSignalNotifier(pid int, pidFile string) (*SignalNotifier, chan sentSignal) {
	n := NewSignalNotifier(pid, pidFile, zerolog.New(nil).Level(zerolog.Disabled))
	sent := make(chan sentSignal, 10)
	n.send = func(pid int, sig os.Signal) error {
		sent <- sentSignal{pid: pid, sig: sig}
		return nil
	}
	return n, sent
}

func TestSignalNotifier_SendsSIGUSR1(t *testing.T) {
	n, sent := newTestSignalNotifier(1234, "")
	go n.Run()
	defer n.Stop()

	n.Notify()

	select {
	case s := <-sent:
		assert.Equal(t, 1234, s.pid)
		assert.Equal(t, syscall.SIGUSR1, s.sig)
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not delivered")
	}
}

func TestSignalNotifier_ReadsPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("777"), 0644))

	n, sent := newTestSignalNotifier(0, pidFile)
	go n.Run()
	defer n.Stop()

	n.Notify()

	select {
	case s := <-sent:
		assert.Equal(t, 777, s.pid)
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not delivered")
	}
}

func TestSignalNotifier_NoPIDDropsWakeup(t *testing.T) {
	n, sent := newTestSignalNotifier(0, "")

	// Not running: deliver directly
	n.deliver()

	assert.Len(t, sent, 0)
}

func TestSignalNotifier_NotifyNeverBlocks(t *testing.T) {
	n, _ := newTestSignalNotifier(1, "")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a running loop")
	}
}

func TestWebSocketNotifier_BroadcastsWake(t *testing.T) {
	n := NewWebSocketNotifier(zerolog.New(nil).Level(zerolog.Disabled))
	go n.Run()

	srv := httptest.NewServer(n)
	defer srv.Close()
	defer n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return n.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	n.Notify()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var event WakeEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, EventWake, event.Event)
	assert.False(t, event.At.IsZero())
}

func TestWebSocketNotifier_NoClients(t *testing.T) {
	n := NewWebSocketNotifier(zerolog.New(nil).Level(zerolog.Disabled))
	go n.Run()

	n.Notify()
	n.Stop()

	assert.Equal(t, 0, n.Clients())
}
