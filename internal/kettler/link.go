package kettler

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/kettler-bridge/internal/events"
	"github.com/lowaak/kettler-bridge/internal/safego"
)

// Status reports the lifecycle of the serial connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusStart
	StatusStop
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusStart:
		return "start"
	case StatusStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Port is the slice of a serial port the link needs. Reads are expected to
// time out periodically with (0, nil) so the read loop can notice shutdown.
type Port interface {
	io.ReadWriteCloser
}

// OpenPortFunc opens the serial port. Injected so tests can supply a fake.
type OpenPortFunc func() (Port, error)

const (
	initCommandSpacing = 150 * time.Millisecond
	startupSettleWait  = 500 * time.Millisecond
	pollSettleWait     = 3 * time.Second
	pollPeriod         = 1 * time.Second
	reconnectBackoff   = 10 * time.Second
	restartWait        = 1 * time.Second
)

// initSequence puts the head unit into remote-control mode: verify, identify,
// reset counters and switch the brake to external power control.
var initSequence = []string{"VE", "ID", "VE", "KI", "CA", "RS", "CM", "SP1"}

// shutdownSequence hands the head unit back to standalone operation.
var shutdownSequence = []string{"VE", "ID", "VE"}

// Link drives the head unit over its serial line: it owns the connection,
// replays the init sequence on every (re)connect, polls for status telegrams
// once a second and carries the pending resistance command out on the next
// poll tick.
type Link struct {
	logger   *log.Logger
	openPort OpenPortFunc

	statusEvent *events.Emitter[Status]
	sampleEvent *events.Emitter[Sample]
	keyEvent    *events.Emitter[int]

	mu             sync.Mutex
	running        bool
	port           Port
	pendingWatts   int
	hasPending     bool
	requestedWatts int
	hasRequested   bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLink creates a Link that opens its port through openPort.
func NewLink(openPort OpenPortFunc, logger *log.Logger) *Link {
	if openPort == nil {
		panic("Link: openPort cannot be nil")
	}
	if logger == nil {
		panic("Link: logger cannot be nil")
	}
	return &Link{
		logger:      logger,
		openPort:    openPort,
		statusEvent: events.NewEmitter[Status](true),
		sampleEvent: events.NewEmitter[Sample](false),
		keyEvent:    events.NewEmitter[int](false),
	}
}

// ListenStatus registers fn for connection status changes; the current status
// is replayed to new listeners.
func (l *Link) ListenStatus(fn func(Status)) func() { return l.statusEvent.Subscribe(fn) }

// ListenTelemetry registers fn for parsed status telegrams.
func (l *Link) ListenTelemetry(fn func(Sample)) func() { return l.sampleEvent.Subscribe(fn) }

// ListenKey registers fn for keypress telegrams.
func (l *Link) ListenKey(fn func(int)) func() { return l.keyEvent.Subscribe(fn) }

// Open starts the connection loop. It returns immediately; the link keeps
// retrying the port in the background until Close is called.
func (l *Link) Open() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.mu.Unlock()

	l.statusEvent.Emit(StatusConnecting)

	l.wg.Add(1)
	safego.Go(l.logger, func() {
		defer l.wg.Done()
		l.connectionLoop()
	})
}

// SetResistance records watts as the next resistance command. The value is
// floored at zero and truncated to whole watts; setting the same wattage
// twice does not queue a second command.
func (l *Link) SetResistance(watts float64) {
	p := int(watts)
	if p < 0 {
		p = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasRequested && p == l.requestedWatts {
		return
	}
	l.requestedWatts = p
	l.hasRequested = true
	l.pendingWatts = p
	l.hasPending = true
}

// Restart sends the shutdown sequence and drops the connection. The
// connection loop notices the closed port and runs the full init sequence
// again on its own.
func (l *Link) Restart() {
	l.logger.Printf("Link: restarting connection")

	l.mu.Lock()
	port := l.port
	l.mu.Unlock()

	if port != nil {
		l.sendSequence(port, shutdownSequence)
	}
	l.closePort()
	l.statusEvent.Emit(StatusStop)
	l.sleep(restartWait)
}

// Close stops the link for good: shutdown sequence, port closed, loops joined.
func (l *Link) Close() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stop := l.stopChan
	port := l.port
	l.mu.Unlock()

	close(stop)
	if port != nil {
		l.sendSequence(port, shutdownSequence)
	}
	l.closePort()
	l.wg.Wait()
	l.statusEvent.Emit(StatusStop)
	l.logger.Printf("Link: closed")
}

func (l *Link) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// sleep waits for d or until Close, whichever comes first. Returns false when
// the link is shutting down.
func (l *Link) sleep(d time.Duration) bool {
	l.mu.Lock()
	stop := l.stopChan
	l.mu.Unlock()
	if stop == nil {
		time.Sleep(d)
		return true
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func (l *Link) connectionLoop() {
	for l.isRunning() {
		port, err := l.openPort()
		if err != nil {
			l.logger.Printf("Link: open failed: %v, retrying in %v", err, reconnectBackoff)
			if !l.sleep(reconnectBackoff) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.port = port
		l.mu.Unlock()
		l.statusEvent.Emit(StatusOpen)
		l.logger.Printf("Link: port open, sending init sequence")

		if !l.initialize(port) {
			l.closePort()
			if !l.sleep(reconnectBackoff) {
				return
			}
			l.statusEvent.Emit(StatusConnecting)
			continue
		}

		l.statusEvent.Emit(StatusStart)

		if !l.sleep(pollSettleWait) {
			l.closePort()
			return
		}

		// The poll loop stops when the read loop gives up on the port.
		readDone := make(chan struct{})
		l.wg.Add(1)
		safego.Go(l.logger, func() {
			defer l.wg.Done()
			l.pollLoop(port, readDone)
		})

		l.readLoop(port)
		close(readDone)
		l.closePort()

		if l.isRunning() {
			l.logger.Printf("Link: connection lost, reconnecting")
			l.statusEvent.Emit(StatusConnecting)
		}
	}
}

// initialize plays the init sequence with the spacing the head unit needs,
// then gives it time to settle. Returns false if the link is shutting down
// or the port went away mid-sequence.
func (l *Link) initialize(port Port) bool {
	for _, cmd := range initSequence {
		if err := l.send(port, cmd); err != nil {
			l.logger.Printf("Link: init write %q failed: %v", cmd, err)
			return false
		}
		if !l.sleep(initCommandSpacing) {
			return false
		}
	}
	return l.sleep(startupSettleWait)
}

// pollLoop asks for a status telegram once a second, or flushes the pending
// resistance command when one is queued.
func (l *Link) pollLoop(port Port, done <-chan struct{}) {
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	l.mu.Lock()
	stop := l.stopChan
	l.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			l.mu.Lock()
			watts, pending := l.pendingWatts, l.hasPending
			l.hasPending = false
			l.mu.Unlock()

			var err error
			if pending {
				err = l.send(port, fmt.Sprintf("PW%d", watts))
			} else {
				err = l.send(port, "ST")
			}
			if err != nil {
				l.logger.Printf("Link: poll write failed: %v", err)
				return
			}
		}
	}
}

// readLoop frames \r\n-terminated telegram lines out of the byte stream and
// dispatches them. Returns when the port errors or closes; read timeouts
// (0, nil) just spin the loop.
func (l *Link) readLoop(port Port) {
	buf := make([]byte, 256)
	var acc []byte

	for l.isRunning() {
		n, err := port.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				i := bytes.IndexByte(acc, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(acc[:i]), "\r")
				acc = acc[i+1:]
				if line != "" {
					l.handleLine(line)
				}
			}
		}
		if err != nil {
			l.logger.Printf("Link: read failed: %v", err)
			return
		}
	}
}

func (l *Link) handleLine(line string) {
	sample, key, isKey, ok := ParseTelegram(line)
	if !ok {
		l.logger.Printf("Link: dropped telegram %q", line)
		return
	}
	if isKey {
		l.keyEvent.Emit(key)
		return
	}
	l.sampleEvent.Emit(sample)
}

// send writes one command line. Telegrams are CRLF terminated both ways.
func (l *Link) send(port Port, cmd string) error {
	if _, err := port.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// sendSequence writes cmds with the usual spacing. Once the link is shutting
// down the spacing collapses and the remaining commands go out back to back.
func (l *Link) sendSequence(port Port, cmds []string) {
	for _, cmd := range cmds {
		if err := l.send(port, cmd); err != nil {
			l.logger.Printf("Link: shutdown write %q failed: %v", cmd, err)
			return
		}
		l.sleep(initCommandSpacing)
	}
}

func (l *Link) closePort() {
	l.mu.Lock()
	port := l.port
	l.port = nil
	l.mu.Unlock()
	if port != nil {
		_ = port.Close()
	}
}
