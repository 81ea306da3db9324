package canmotor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sys/unix"

	"go.viam.com/rdk/logging"
)

// HeartbeatPeriod is how often retained command frames are resent.
const HeartbeatPeriod = 10 * time.Millisecond

// Conn is the part of a CAN socket the bus uses. *canbus.Socket satisfies it.
type Conn interface {
	Send(frame canbus.Frame) (int, error)
	Recv() (canbus.Frame, error)
	Close() error
}

type outgoing struct {
	frame  canbus.Frame
	retain bool
}

type received struct {
	frame canbus.Frame
	at    time.Time
}

// Bus owns one transmit and one receive socket. Retained frames are resent every
// HeartbeatPeriod so controllers keep their last command alive; received frames
// are kept per id for readers.
type Bus struct {
	tx, rx Conn
	clk    clock.Clock
	logger logging.Logger

	nextFrameCh chan outgoing

	mu     sync.RWMutex
	latest map[uint32]received

	cancel                  func()
	closeOnce               sync.Once
	activeBackgroundWorkers sync.WaitGroup
}

// Dial opens SocketCAN sockets on channel. The receive socket only passes the given ids.
func Dial(channel string, ids []uint32, clk clock.Clock, logger logging.Logger) (*Bus, error) {
	socketSend, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "opening CAN send socket")
	}
	if err := socketSend.Bind(channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", channel), socketSend.Close())
	}

	socketRecv, err := canbus.New()
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "opening CAN receive socket"), socketSend.Close())
	}
	filters := make([]unix.CanFilter, 0, len(ids))
	for _, id := range ids {
		filters = append(filters, unix.CanFilter{Id: id, Mask: unix.CAN_SFF_MASK})
	}
	if err := socketRecv.SetFilters(filters); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "setting CAN filters"), socketSend.Close(), socketRecv.Close())
	}
	if err := socketRecv.Bind(channel); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "binding %s", channel), socketSend.Close(), socketRecv.Close())
	}

	logger.Infow("CAN bus open", "channel", channel, "filters", len(filters))
	return NewBus(socketSend, socketRecv, clk, logger), nil
}

// NewBus starts the publish and receive workers on already opened connections.
func NewBus(tx, rx Conn, clk clock.Clock, logger logging.Logger) *Bus {
	cancelCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		tx:          tx,
		rx:          rx,
		clk:         clk,
		logger:      logger,
		nextFrameCh: make(chan outgoing),
		latest:      map[uint32]received{},
		cancel:      cancel,
	}

	b.activeBackgroundWorkers.Add(2)
	goutils.ManagedGo(func() {
		b.publishThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
	goutils.ManagedGo(func() {
		b.receiveThread(cancelCtx)
	}, b.activeBackgroundWorkers.Done)
	return b
}

// publishThread sends one-shot frames as they arrive and every retained frame each heartbeat.
func (b *Bus) publishThread(ctx context.Context) {
	ticker := b.clk.Ticker(HeartbeatPeriod)
	defer ticker.Stop()

	retained := map[uint32]canbus.Frame{}
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case next := <-b.nextFrameCh:
			if next.retain {
				// replaces the previous command for this id and is resent every heartbeat
				retained[next.frame.ID] = next.frame
				continue
			}
			if _, err := b.tx.Send(next.frame); err != nil {
				b.logger.Errorw("CAN send error", "id", next.frame.ID, "error", err)
			}
		case <-ticker.C:
			ids := make([]uint32, 0, len(retained))
			for id := range retained {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			for _, id := range ids {
				if _, err := b.tx.Send(retained[id]); err != nil {
					b.logger.Errorw("CAN heartbeat send error", "id", id, "error", err)
				}
			}
		}
	}
}

// receiveThread stores the most recent frame per id.
func (b *Bus) receiveThread(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := b.rx.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Errorw("CAN Rx error", "error", err)
			continue
		}
		b.mu.Lock()
		b.latest[frame.ID] = received{frame: frame, at: b.clk.Now()}
		b.mu.Unlock()
	}
}

func (b *Bus) enqueue(ctx context.Context, next outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.nextFrameCh <- next:
	}
	return nil
}

// Publish makes frame the command resent every heartbeat for its id.
func (b *Bus) Publish(ctx context.Context, frame canbus.Frame) error {
	return b.enqueue(ctx, outgoing{frame: frame, retain: true})
}

// Send transmits frame once.
func (b *Bus) Send(ctx context.Context, frame canbus.Frame) error {
	return b.enqueue(ctx, outgoing{frame: frame})
}

// Latest returns the newest frame seen for id and how old it is.
func (b *Bus) Latest(id uint32) (canbus.Frame, time.Duration, bool) {
	b.mu.RLock()
	r, ok := b.latest[id]
	b.mu.RUnlock()
	if !ok {
		return canbus.Frame{}, 0, false
	}
	return r.frame, b.clk.Since(r.at), true
}

// Close stops both workers and closes the sockets.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		// unblocks Recv
		err = b.rx.Close()
		b.activeBackgroundWorkers.Wait()
		err = multierr.Combine(err, b.tx.Close())
	})
	return err
}
