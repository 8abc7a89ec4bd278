package loginsrv

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/components"
	"github.com/udisondev/mmolobby/internal/config"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// Тестовая обвязка: сервис без сетевых листенеров, каналы — net.Pipe.
// Обработчики зовутся напрямую, как их звал бы reader-цикл.

type recvMsg struct {
	id      protocol.MsgID
	payload []byte
	err     error
}

type testPeer struct {
	ch     *channel.Channel // канал со стороны сервиса
	remote *channel.Channel // дальний конец
	in     <-chan recvMsg   // сообщения, пришедшие на дальний конец
}

func pumpChannel(ch *channel.Channel) <-chan recvMsg {
	out := make(chan recvMsg, 32)
	go func() {
		defer close(out)
		for {
			id, payload, err := ch.Read()
			if err != nil {
				out <- recvMsg{err: err}
				return
			}
			cp := make([]byte, len(payload))
			copy(cp, payload)
			out <- recvMsg{id: id, payload: cp}
		}
	}()
	return out
}

func newPeer(t *testing.T, internal bool) *testPeer {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	svc := channel.New(c1, internal)
	remote := channel.New(c2, internal)
	return &testPeer{ch: svc, remote: remote, in: pumpChannel(remote)}
}

func (p *testPeer) expect(t *testing.T, want protocol.MsgID) []byte {
	t.Helper()
	select {
	case m := <-p.in:
		require.NoError(t, m.err)
		require.Equal(t, want, m.id, "unexpected message id")
		return m.payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message %d", want)
		return nil
	}
}

func (p *testPeer) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case m := <-p.in:
		t.Fatalf("unexpected message %d", m.id)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestService(t *testing.T, mutate func(*config.Loginapp)) *Service {
	t.Helper()
	cfg := config.DefaultLoginapp()
	cfg.ExternalChannelEncryptType = "none"
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	s.mailer.send = func(mailTask) error { return nil }
	t.Cleanup(s.mailer.Stop)
	return s
}

// newClient регистрирует внешний канал, как это делает accept-цикл.
func newClient(t *testing.T, s *Service) *testPeer {
	t.Helper()
	p := newPeer(t, false)
	s.registerExternalChannel(p.ch)
	return p
}

func attachDbmgr(t *testing.T, s *Service) *testPeer {
	t.Helper()
	p := newPeer(t, true)
	s.dir.Register(&components.Record{Kind: protocol.KindDbmgr, ID: 100, Channel: p.ch})
	return p
}

func attachBaseappmgr(t *testing.T, s *Service) *testPeer {
	t.Helper()
	p := newPeer(t, true)
	s.dir.Register(&components.Record{Kind: protocol.KindBaseappmgr, ID: 200, Channel: p.ch})
	return p
}

func markReady(s *Service) {
	s.mu.Lock()
	s.initProgress = 1.0
	s.mu.Unlock()
}

func helloPayload(cfg config.Loginapp, key []byte) []byte {
	return protocol.NewWriter().
		WriteString(cfg.Version).
		WriteString(cfg.ScriptVersion).
		WriteBlob(key).
		Bytes()
}

func loginPayload(name, password string, data []byte) []byte {
	return protocol.NewWriter().
		WriteUint8(uint8(protocol.ClientKindMobile)).
		WriteBlob(data).
		WriteString(name).
		WriteString(password).
		Bytes()
}

func createPayload(name, password string, data []byte) []byte {
	return protocol.NewWriter().
		WriteString(name).
		WriteString(password).
		WriteBlob(data).
		Bytes()
}
