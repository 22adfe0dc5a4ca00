package sim

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/eapache/queue"
	"github.com/rocketbitz/rdmacm-go/rdma"
)

// Node is a local address served by one device port. It implements
// rdma.Provider.
type Node struct {
	fabric *Fabric
	addr   netip.Addr
	dev    *Device
	port   uint8

	mu       sync.Mutex
	faults   map[Op]error
	channels []*Channel
}

var _ rdma.Provider = (*Node)(nil)

// Addr returns the node address.
func (n *Node) Addr() netip.Addr { return n.addr }

// Device returns the device serving the node.
func (n *Node) Device() *Device { return n.dev }

// FailOn makes every later identifier operation op on this node fail with
// err until ClearFault.
func (n *Node) FailOn(op Op, err error) {
	n.mu.Lock()
	n.faults[op] = err
	n.mu.Unlock()
}

// ClearFault removes a fault installed with FailOn.
func (n *Node) ClearFault(op Op) {
	n.mu.Lock()
	delete(n.faults, op)
	n.mu.Unlock()
}

// Channels returns the event channels opened on the node, oldest first.
func (n *Node) Channels() []*Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Channel(nil), n.channels...)
}

func (n *Node) fault(op Op) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.faults[op]; err != nil {
		return fmt.Errorf("sim %s: %s: %w", n.addr, op, err)
	}
	return nil
}

func (n *Node) portConfig() PortConfig {
	cfg, _ := n.dev.port(n.port)
	return cfg
}

// OpenEventChannel creates a new event channel on the node.
func (n *Node) OpenEventChannel() (rdma.EventChannel, error) {
	if err := n.fault(OpOpenChannel); err != nil {
		return nil, err
	}
	notify, err := newNotifier()
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		node:        n,
		notify:      notify,
		pending:     queue.New(),
		outstanding: make(map[uintptr]*rdma.Event),
		ids:         make(map[uintptr]*ID),
	}
	n.mu.Lock()
	n.channels = append(n.channels, ch)
	n.mu.Unlock()
	return ch, nil
}

var _ rdma.EventChannel = (*Channel)(nil)

// Channel implements rdma.EventChannel over a FIFO of pending events.
type Channel struct {
	node   *Node
	notify *notifier

	mu          sync.Mutex
	pending     *queue.Queue
	outstanding map[uintptr]*rdma.Event
	nextEvent   uintptr
	delivered   int
	acked       int
	ids         map[uintptr]*ID
	closed      bool
}

// FD returns a descriptor that is readable while events are pending.
func (c *Channel) FD() int { return c.notify.FD() }

// GetEvent pops the next event, or returns rdma.ErrAgain.
func (c *Channel) GetEvent() (*rdma.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdma.ErrClosed
	}
	if c.pending.Length() == 0 {
		c.notify.drain()
		return nil, rdma.ErrAgain
	}
	ev := c.pending.Remove().(*rdma.Event)
	c.outstanding[ev.Handle] = ev
	c.delivered++
	return ev, nil
}

// AckEvent releases an event returned by GetEvent.
func (c *Channel) AckEvent(ev *rdma.Event) error {
	if ev == nil {
		return rdma.ErrInvalidHandle{Resource: "event"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outstanding[ev.Handle]; !ok {
		return rdma.ErrInvalidHandle{Resource: "event"}
	}
	delete(c.outstanding, ev.Handle)
	c.acked++
	return nil
}

// CreateID creates a connection identifier on the channel.
func (c *Channel) CreateID() (rdma.ID, error) {
	if err := c.node.fault(OpCreateID); err != nil {
		return nil, err
	}
	f := c.node.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdma.ErrClosed
	}
	id := &ID{ch: c, handle: f.handle()}
	c.ids[id.handle] = id
	return id, nil
}

// Close releases the channel descriptor. Pending events are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return rdma.ErrClosed
	}
	c.closed = true
	for c.pending.Length() > 0 {
		c.pending.Remove()
	}
	return c.notify.close()
}

// Inject queues an arbitrary event for id, as if the kernel had produced it.
func (c *Channel) Inject(typ rdma.EventType, id rdma.ID, status int, privateData []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push(&rdma.Event{Type: typ, Status: status, ID: id, PrivateData: append([]byte(nil), privateData...)})
}

// Pending returns the number of queued events not yet fetched.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Length()
}

// Outstanding returns the number of fetched events not yet acknowledged.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// Delivered returns the number of events fetched so far.
func (c *Channel) Delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

// Acked returns the number of events acknowledged so far.
func (c *Channel) Acked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// LiveIDs returns the number of identifiers created and not destroyed.
func (c *Channel) LiveIDs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// push appends ev and wakes the descriptor. c.mu must be held.
func (c *Channel) push(ev *rdma.Event) {
	if c.closed {
		return
	}
	c.nextEvent++
	ev.Handle = c.nextEvent
	c.pending.Add(ev)
	c.notify.signal()
}

// post queues an event for id unless id was destroyed. The fabric lock must
// be held.
func post(id *ID, typ rdma.EventType, status int, listen *ID, privateData []byte) {
	if id == nil || id.destroyed {
		return
	}
	ev := &rdma.Event{Type: typ, Status: status, ID: id, PrivateData: privateData}
	if listen != nil {
		ev.ListenID = listen
	}
	id.ch.mu.Lock()
	id.ch.push(ev)
	id.ch.mu.Unlock()
}
