package gossip

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"icn-core/identity"
	"icn-core/runtimeerr"
)

const (
	handshakeTimeout  = 5 * time.Second
	readTimeout       = 90 * time.Second
	writeTimeout      = 5 * time.Second
	outboundQueueSize = 64
	maxFrameSize      = 1 << 20
)

// wireMessage is the JSON-on-the-wire projection of Message, framed by a
// trailing newline.
type wireMessage struct {
	Topic   Topic  `json:"topic"`
	Type    byte   `json:"type"`
	Payload []byte `json:"payload"`
	ID      string `json:"id,omitempty"`
}

// peer is one live overlay connection: a bounded outbound queue drained
// by a writer goroutine, and a reader goroutine dispatching inbound
// frames to the owning OverlayServer's topic subscribers.
type peer struct {
	id         identity.Principal
	conn       net.Conn
	reader     *bufio.Reader
	outbound   chan Message
	limiter    *rate.Limiter
	server     *OverlayServer
	persistent bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newPeer(id identity.Principal, conn net.Conn, reader *bufio.Reader, server *OverlayServer, persistent bool) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		id:         id,
		conn:       conn,
		reader:     reader,
		outbound:   make(chan Message, outboundQueueSize),
		limiter:    rate.NewLimiter(server.cfg.RatePerPeer, server.cfg.RateBurst),
		server:     server,
		persistent: persistent,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *peer) start() {
	go p.readLoop()
	go p.writeLoop()
}

// enqueue offers msg to the bounded outbound queue, dropping the message
// (rather than blocking the producer) when full; slow peers must never
// stall the gossip layer.
func (p *peer) enqueue(msg Message) error {
	select {
	case <-p.ctx.Done():
		return errShuttingDown
	default:
	}
	select {
	case p.outbound <- msg:
		return nil
	default:
		return runtimeerr.New(runtimeerr.NetworkError, "gossip: peer outbound queue full")
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.outbound:
			if err := p.writeFrame(msg); err != nil {
				p.terminate(false, err)
				return
			}
		}
	}
}

func (p *peer) writeFrame(msg Message) error {
	w := wireMessage{Topic: msg.Topic, Type: msg.Type, Payload: msg.Payload, ID: msg.ID}
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = p.conn.Write(append(data, '\n'))
	return err
}

func (p *peer) readLoop() {
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			p.terminate(false, err)
			return
		}
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			p.terminate(false, err)
			return
		}
		if len(line) > maxFrameSize {
			p.terminate(true, runtimeerr.New(runtimeerr.InvalidInput, "gossip: frame too large"))
			return
		}
		if !p.limiter.Allow() {
			p.server.handleProtocolViolation(p, runtimeerr.New(runtimeerr.ResourceExceeded, "gossip: peer exceeded message rate"))
			continue
		}
		var w wireMessage
		if err := json.Unmarshal(bytes.TrimSpace(line), &w); err != nil {
			p.server.handleProtocolViolation(p, runtimeerr.Wrap(runtimeerr.InvalidInput, "gossip: decode frame", err))
			continue
		}
		p.server.dispatch(p.id, Message{Topic: w.Topic, Type: w.Type, Payload: w.Payload, ID: w.ID})
	}
}

func (p *peer) terminate(ban bool, reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		p.server.removePeer(p, ban, reason)
	})
}
