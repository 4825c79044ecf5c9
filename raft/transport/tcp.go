package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
	"github.com/thinkermao/replog/utils/pd"
)

// DialTimeout bounds connecting to a peer.
var DialTimeout = time.Second

// TCP sends every message as a gob frame, one outbound connection per
// peer keeps them in order.
type TCP struct {
	id       uint64
	address  string
	listener net.Listener
	handler  Handler

	mutex   sync.Mutex
	remotes map[uint64]*remote
	inbound map[net.Conn]struct{}
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTCP creates the transport of member id listening on address.
func NewTCP(id uint64, address string) *TCP {
	return &TCP{
		id:      id,
		address: address,
		remotes: make(map[uint64]*remote),
		inbound: make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Addr is the listening address once started.
func (t *TCP) Addr() string {
	if t.listener == nil {
		return t.address
	}
	return t.listener.Addr().String()
}

func (t *TCP) Start(handler Handler) error {
	listener, err := net.Listen("tcp", t.address)
	if err != nil {
		return err
	}
	t.listener = listener
	t.handler = handler
	log.Infof("%d listen on %s", t.id, listener.Addr())

	t.wg.Add(1)
	go t.accept()
	return nil
}

func (t *TCP) accept() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.Warnf("%d accept: %v", t.id, err)
			continue
		}

		t.mutex.Lock()
		if t.closed {
			t.mutex.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mutex.Unlock()

		t.wg.Add(1)
		go t.serve(conn)
	}
}

func (t *TCP) serve(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mutex.Lock()
		delete(t.inbound, conn)
		t.mutex.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		var msg raftpd.Message
		if err := pd.ReadFrame(reader, &msg); err != nil {
			log.Debugf("%d connection from %s closed: %v", t.id, conn.RemoteAddr(), err)
			return
		}
		t.handler.Step(&msg)
	}
}

func (t *TCP) AddPeer(id uint64, address string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return
	}
	if r, ok := t.remotes[id]; ok {
		if r.address == address {
			return
		}
		r.stop()
	}

	r := &remote{
		owner:   t,
		id:      id,
		address: address,
		queue:   make(chan raftpd.Message, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	t.remotes[id] = r
	t.wg.Add(1)
	go r.run()
}

func (t *TCP) RemovePeer(id uint64) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if r, ok := t.remotes[id]; ok {
		r.stop()
		delete(t.remotes, id)
	}
}

func (t *TCP) Send(msg *raftpd.Message) error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return ErrClosed
	}
	r, ok := t.remotes[msg.To]
	t.mutex.Unlock()
	if !ok {
		return ErrUnknownPeer
	}

	select {
	case r.queue <- *msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *TCP) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	for _, r := range t.remotes {
		r.stop()
	}
	for conn := range t.inbound {
		conn.Close()
	}
	t.mutex.Unlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.wg.Wait()
	return err
}

type remote struct {
	owner   *TCP
	id      uint64
	address string
	queue   chan raftpd.Message
	done    chan struct{}
	once    sync.Once

	conn   net.Conn
	writer *bufio.Writer
}

func (r *remote) stop() {
	r.once.Do(func() { close(r.done) })
}

func (r *remote) run() {
	defer r.owner.wg.Done()
	defer r.disconnect()

	for {
		select {
		case msg := <-r.queue:
			r.write(&msg)
		case <-r.done:
			return
		}
	}
}

func (r *remote) write(msg *raftpd.Message) {
	if r.conn == nil {
		conn, err := net.DialTimeout("tcp", r.address, DialTimeout)
		if err != nil {
			log.Debugf("%d dial %d at %s: %v", r.owner.id, r.id, r.address, err)
			r.unreachable()
			return
		}
		r.conn = conn
		r.writer = bufio.NewWriter(conn)
	}

	err := pd.WriteFrame(r.writer, msg)
	// batch frames while more are queued.
	if err == nil && len(r.queue) == 0 {
		err = r.writer.Flush()
	}
	if err != nil {
		log.Debugf("%d send to %d: %v", r.owner.id, r.id, err)
		r.disconnect()
		r.unreachable()
	}
}

func (r *remote) unreachable() {
	if handler := r.owner.handler; handler != nil {
		handler.ReportUnreachable(r.id)
	}
}

func (r *remote) disconnect() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
		r.writer = nil
	}
}
