package loop

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/pkg/types"
)

// command 在循环 goroutine 中执行；阻塞操作必须通过 spawn 转到独立 goroutine
type command interface {
	execute(l *Loop)
	fail(err error)
}

type dialCmd struct {
	ctx   context.Context
	peer  peer.ID
	reply chan error
}

func (c *dialCmd) execute(l *Loop) {
	l.spawn(func() { c.reply <- l.tr.Dial(c.ctx, c.peer) })
}

func (c *dialCmd) fail(err error) { c.reply <- err }

type streamResult struct {
	stream transport.Stream
	err    error
}

type streamCmd struct {
	ctx      context.Context
	peer     peer.ID
	protocol types.ProtocolName
	reply    chan streamResult
}

func (c *streamCmd) execute(l *Loop) {
	l.spawn(func() {
		s, err := l.tr.NewStream(c.ctx, c.peer, c.protocol)
		c.reply <- streamResult{stream: s, err: err}
	})
}

func (c *streamCmd) fail(err error) { c.reply <- streamResult{err: err} }

type disconnectCmd struct {
	peer  peer.ID
	reply chan error
}

func (c *disconnectCmd) execute(l *Loop) {
	l.spawn(func() { c.reply <- l.tr.Disconnect(c.peer) })
}

func (c *disconnectCmd) fail(err error) { c.reply <- err }

type addrsCmd struct {
	info  peer.AddrInfo
	reply chan error
}

func (c *addrsCmd) execute(l *Loop) {
	l.tr.AddAddrs(c.info)
	c.reply <- nil
}

func (c *addrsCmd) fail(err error) { c.reply <- err }

type handlerCmd struct {
	protocol types.ProtocolName
	add      bool
	reply    chan error
}

func (c *handlerCmd) execute(l *Loop) {
	if c.add {
		l.tr.SetStreamHandler(c.protocol, l.acceptStream)
		l.handlers[c.protocol] = struct{}{}
	} else {
		l.tr.RemoveStreamHandler(c.protocol)
		delete(l.handlers, c.protocol)
	}
	c.reply <- nil
}

func (c *handlerCmd) fail(err error) { c.reply <- err }

type peersCmd struct {
	reply chan []peer.ID
}

func (c *peersCmd) execute(l *Loop) {
	c.reply <- l.tr.Peers()
}

func (c *peersCmd) fail(error) { close(c.reply) }
