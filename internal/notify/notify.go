// Package notify carries async completion notices from workers back to the
// master. Workers Deliver one framed Notice per connection; the master's
// Listener records it and publishes it on the OnFinish channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/taskdock/internal/events"
	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/transport"
)

const readTimeout = 5 * time.Second

// Recorder persists notices. results.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, n protocol.Notice) error
}

// Deliver sends n to the notify socket at addr.
func Deliver(ctx context.Context, addr string, codec protocol.Codec, n protocol.Notice) error {
	body, err := codec.Encode(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	client, err := transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Send(body); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}

// Listener is the master's end of the notify socket.
type Listener struct {
	addr     string
	codec    protocol.Codec
	hub      *events.Hub
	recorder Recorder
	logger   *slog.Logger
}

// NewListener creates a listener for addr. recorder may be nil.
func NewListener(addr string, codec protocol.Codec, hub *events.Hub, recorder Recorder) *Listener {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Listener{
		addr:     addr,
		codec:    codec,
		hub:      hub,
		recorder: recorder,
		logger:   log.WithComponent("notify"),
	}
}

func (l *Listener) Addr() string { return l.addr }

// Serve binds the notify socket and handles notices until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := transport.Listen(l.addr)
	if err != nil {
		return err
	}
	defer os.Remove(l.addr)
	return l.ServeListener(ctx, ln)
}

// ServeListener handles notices from ln until ctx is cancelled.
func (l *Listener) ServeListener(ctx context.Context, ln net.Listener) error {
	l.logger.Info("notify listener started", "socket", l.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	body, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		l.logger.Debug("read notice failed", "error", err)
		return
	}

	var n protocol.Notice
	if err := l.codec.Decode(body, &n); err != nil {
		l.logger.Warn("undecodable notice", "error", err)
		return
	}

	if l.recorder != nil {
		if err := l.recorder.Record(context.WithoutCancel(ctx), n); err != nil {
			l.logger.Error("failed to record notice", "task_id", n.TaskID, "error", err)
		}
	}
	ev := l.hub.Publish(n.Channel, n)
	l.logger.Debug("notice published", "task_id", n.TaskID, "channel", n.Channel, "code", n.Code, "event_id", ev.ID)
}
