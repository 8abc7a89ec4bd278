package loginsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/components"
	"github.com/udisondev/mmolobby/internal/config"
	"github.com/udisondev/mmolobby/internal/httpcb"
	"github.com/udisondev/mmolobby/internal/pending"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// Service — серверная сторона двухфазного логина: терминирует внешние
// клиентские каналы, координирует dbmgr и baseappmgr через каталог
// компонентов и выдаёт клиенту адрес gateway после успешного логина.
type Service struct {
	cfg config.Loginapp

	dir           *components.Directory
	pendingCreate *pending.Table
	pendingLogin  *pending.Table
	mailer        *Mailer

	mu           sync.Mutex
	digest       string // entity-definition digest, приходит от dbmgr
	groupOrder   int32
	globalOrder  int32
	initProgress float64
	extChannels  map[string]*channel.Channel

	shuttingDown atomic.Bool

	httpcbOnce sync.Once
	httpcb     *httpcb.Handler

	extListener net.Listener
	intListener net.Listener
	lnMu        sync.Mutex
}

// New создаёт Service.
func New(cfg config.Loginapp) *Service {
	ttl := time.Duration(cfg.PendingTTLSec) * time.Second
	return &Service{
		cfg:           cfg,
		dir:           components.NewDirectory(),
		pendingCreate: pending.NewTable(ttl),
		pendingLogin:  pending.NewTable(ttl),
		mailer:        NewMailer(cfg.SMTP),
		extChannels:   make(map[string]*channel.Channel),
	}
}

// Directory возвращает каталог компонентов (для интеграции и тестов).
func (s *Service) Directory() *components.Directory {
	return s.dir
}

// Shutdown переводит сервис в состояние остановки: новые create/login
// отклоняются с IN_SHUTTINGDOWN.
func (s *Service) Shutdown() {
	s.shuttingDown.Store(true)
}

// InitProgress возвращает прогресс инициализации gateway-кластера [0,1].
func (s *Service) InitProgress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initProgress
}

// Run поднимает внешний и внутренний листенеры и тикер.
func (s *Service) Run(ctx context.Context) error {
	extAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	extLn, err := net.Listen("tcp", extAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", extAddr, err)
	}

	intAddr := fmt.Sprintf("%s:%d", s.cfg.InternalBind, s.cfg.InternalPort)
	intLn, err := net.Listen("tcp", intAddr)
	if err != nil {
		extLn.Close()
		return fmt.Errorf("listening on %s: %w", intAddr, err)
	}

	s.lnMu.Lock()
	s.extListener = extLn
	s.intListener = intLn
	s.lnMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ServeExternal(ctx, extLn) })
	g.Go(func() error { return s.ServeInternal(ctx, intLn) })
	g.Go(func() error { return s.runTicker(ctx) })
	return g.Wait()
}

// ServeExternal принимает клиентские соединения на готовом listener.
func (s *Service) ServeExternal(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.mailer.Start()
	slog.Info("login server started", "external", ln.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to accept client connection", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveClientConn(ctx, conn)
		}()
	}
}

// ServeInternal принимает соединения компонентов (dbmgr, baseappmgr,
// sibling login-узлы) на готовом listener.
func (s *Service) ServeInternal(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("component listener started", "internal", ln.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("failed to accept component connection", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveComponentConn(ctx, conn)
		}()
	}
}

func (s *Service) serveClientConn(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	ch := channel.New(conn, false)
	s.registerExternalChannel(ch)
	slog.Info("new client channel", "remote", ch.Addr())

	defer func() {
		s.onChannelDeregister(ch)
		ch.Close()
	}()

	for {
		id, payload, err := ch.Read()
		if err != nil {
			slog.Debug("client channel closed", "remote", ch.Addr(), "reason", err)
			return
		}
		if err := s.HandleClientMessage(ch, id, payload); err != nil {
			slog.Warn("client message failed", "remote", ch.Addr(), "msg", uint16(id), "err", err)
		}
	}
}

func (s *Service) serveComponentConn(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	ch := channel.New(conn, true)
	slog.Info("new component channel", "remote", ch.Addr())

	defer func() {
		s.dir.DropChannel(ch)
		ch.Close()
		slog.Info("component channel dropped", "remote", ch.Addr())
	}()

	for {
		id, payload, err := ch.Read()
		if err != nil {
			return
		}
		if err := s.HandleInternalMessage(ch, id, payload); err != nil {
			slog.Warn("internal message failed", "remote", ch.Addr(), "msg", uint16(id), "err", err)
		}
	}
}

func (s *Service) runTicker(ctx context.Context) error {
	hertz := s.cfg.GameUpdateHertz
	if hertz == 0 {
		hertz = 50
	}
	ticker := time.NewTicker(time.Second / time.Duration(hertz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick — один проход coarse-планировщика: дренаж воркер-пула, истечение
// pending-таблиц, таймаут неактивных внешних каналов.
func (s *Service) Tick() {
	s.mailer.OnMainThreadTick()

	if n := s.pendingLogin.Process(); n > 0 {
		slog.Debug("expired pending logins", "count", n)
	}
	if n := s.pendingCreate.Process(); n > 0 {
		slog.Debug("expired pending creates", "count", n)
	}
	metricPendingLogin.Set(float64(s.pendingLogin.Len()))
	metricPendingCreate.Set(float64(s.pendingCreate.Len()))

	timeout := time.Duration(s.cfg.ChannelTimeoutSec) * time.Second
	if timeout <= 0 {
		return
	}
	for _, ch := range s.externalChannels() {
		if ch.Expired(timeout) {
			slog.Info("client channel timed out", "remote", ch.Addr())
			ch.Close() // reader-горутина выйдет и вызовет onChannelDeregister
		}
	}
}

func (s *Service) registerExternalChannel(ch *channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extChannels[ch.Addr()] = ch
}

// findChannel возвращает внешний канал по адресу, nil если клиент уже
// отключился. Все обработчики обязаны переживать nil и молча отбрасывать
// ответ.
func (s *Service) findChannel(addr string) *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extChannels[addr]
}

func (s *Service) externalChannels() []*channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*channel.Channel, 0, len(s.extChannels))
	for _, ch := range s.extChannels {
		out = append(out, ch)
	}
	return out
}

// onChannelDeregister снимает внешний канал с учёта. Если extra-слот
// держит имя аккаунта — уведомляет dbmgr, чтобы тот выбросил очередь
// запросов этого клиента, и освобождает pending-записи адреса.
func (s *Service) onChannelDeregister(ch *channel.Channel) {
	s.mu.Lock()
	delete(s.extChannels, ch.Addr())
	s.mu.Unlock()

	if ch.IsInternal() {
		return
	}

	if extra := ch.Extra(); extra != "" {
		if dbmgr := s.dir.Dbmgr(); dbmgr.Live() {
			payload := protocol.NewWriter().WriteString(extra).Bytes()
			if err := dbmgr.Channel.Send(protocol.MsgDbEraseClientReq, payload); err != nil {
				slog.Warn("eraseClientReq failed", "account", extra, "err", err)
			}
		}
	}

	s.pendingLogin.RemoveByAddr(ch.Addr())
	s.pendingCreate.RemoveByAddr(ch.Addr())
}

// externalHTTPHost возвращает хост, публикуемый в письмах активации:
// собственный external_address, если этот узел — лидер, иначе внешний
// адрес лидера из каталога компонентов.
func (s *Service) externalHTTPHost() string {
	s.mu.Lock()
	groupOrder := s.groupOrder
	s.mu.Unlock()

	if groupOrder == 1 {
		if s.cfg.ExternalAddress != "" {
			return s.cfg.ExternalAddress
		}
		s.lnMu.Lock()
		defer s.lnMu.Unlock()
		if s.extListener != nil {
			if host, _, err := net.SplitHostPort(s.extListener.Addr().String()); err == nil {
				return host
			}
		}
		return "localhost"
	}

	if leader := s.dir.LeaderLogin(); leader != nil && leader.ExternalAddr != "" {
		return leader.ExternalAddr
	}
	return "localhost"
}
