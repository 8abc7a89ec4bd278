// Package dbsrv — компонент базы данных (dbmgr): подключается к
// внутреннему листенеру login-узла, анонсирует себя и отвечает на
// запросы жизненного цикла аккаунтов из хранилища accountdb.
package dbsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/udisondev/mmolobby/internal/accountdb"
	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/config"
	"github.com/udisondev/mmolobby/internal/errcode"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// OnlineSession отмечает аккаунт, живущий на конкретном gateway:
// при повторном логине регистрация идёт адресно на тот же компонент.
type OnlineSession struct {
	ComponentID uint64
	EntityID    int32
}

// Server — соединение dbmgr с login-узлом плюс доступ к хранилищу.
type Server struct {
	cfg  config.DBServer
	repo accountdb.Repository

	mu     sync.Mutex
	ch     *channel.Channel
	online map[string]OnlineSession // accountName → живая сессия на gateway

	// dial подменяется в тестах.
	dial func(addr string) (net.Conn, error)
}

// New создаёт Server поверх репозитория.
func New(cfg config.DBServer, repo accountdb.Repository) *Server {
	return &Server{
		cfg:    cfg,
		repo:   repo,
		online: make(map[string]OnlineSession),
		dial:   func(addr string) (net.Conn, error) { return net.DialTimeout("tcp", addr, 5*time.Second) },
	}
}

// SetOnline отмечает живую сессию аккаунта (отчёт gateway-кластера).
func (s *Server) SetOnline(accountName string, sess OnlineSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[accountName] = sess
}

// ClearOnline снимает отметку.
func (s *Server) ClearOnline(accountName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, accountName)
}

func (s *Server) lookupOnline(accountName string) OnlineSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[accountName]
}

// Run подключается к login-узлу и обслуживает его запросы; при разрыве
// переподключается, пока контекст жив.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := s.serveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("dbmgr link failed, reconnecting", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(3 * time.Second):
		}
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	conn, err := s.dial(s.cfg.LoginInternalAddr)
	if err != nil {
		return fmt.Errorf("connecting to login node %s: %w", s.cfg.LoginInternalAddr, err)
	}

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
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	if err := s.register(ch); err != nil {
		ch.Close()
		return err
	}
	slog.Info("registered with login node", "addr", s.cfg.LoginInternalAddr)

	for {
		id, payload, err := ch.Read()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading from login node: %w", err)
		}
		if err := s.Handle(ch, id, payload); err != nil {
			slog.Warn("dbmgr message failed", "msg", uint16(id), "err", err)
		}
	}
}

// register анонсирует компонент и сообщает порядки и digest.
func (s *Server) register(ch *channel.Channel) error {
	reg := protocol.NewWriter().
		WriteUint8(uint8(protocol.KindDbmgr)).
		WriteUint64(s.cfg.ComponentID).
		WriteString(s.cfg.LoginInternalAddr).
		WriteString(""). // внешнего адреса у dbmgr нет
		WriteInt32(1).
		WriteInt32(1).
		Bytes()
	if err := ch.Send(protocol.MsgOnComponentRegister, reg); err != nil {
		return fmt.Errorf("registering component: %w", err)
	}

	init := protocol.NewWriter().
		WriteInt32(1).
		WriteInt32(1).
		WriteString(s.cfg.Digest).
		Bytes()
	if err := ch.Send(protocol.MsgOnDbmgrInitCompleted, init); err != nil {
		return fmt.Errorf("announcing init completed: %w", err)
	}
	return nil
}

// Handle диспетчеризирует запрос login-узла.
func (s *Server) Handle(ch *channel.Channel, id protocol.MsgID, payload []byte) error {
	ctx := context.Background()
	r := protocol.NewReader(payload)

	switch id {
	case protocol.MsgDbReqCreateAccount:
		return s.reqCreateAccount(ctx, ch, r)
	case protocol.MsgDbOnAccountLogin:
		return s.onAccountLogin(ctx, ch, r)
	case protocol.MsgDbAccountReqResetPassword:
		return s.reqResetPassword(ctx, ch, r)
	case protocol.MsgDbEraseClientReq:
		name, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("eraseClientReq: %w", err)
		}
		// Клиент отключился от login-узла. Запросы обрабатываются
		// синхронно, очереди нет: событие только логируется.
		slog.Debug("erase client request", "account", name)
		return nil
	case protocol.MsgDbAccountActivate:
		return s.consumeCode(ctx, ch, r, accountdb.CodeKindActivate, protocol.MsgOnAccountActivated)
	case protocol.MsgDbAccountBindMail:
		return s.consumeCode(ctx, ch, r, accountdb.CodeKindBindMail, protocol.MsgOnAccountBindedEmail)
	case protocol.MsgDbAccountResetPassword:
		return s.consumeCode(ctx, ch, r, accountdb.CodeKindReset, protocol.MsgOnAccountResetPassword)
	default:
		slog.Warn("unknown dbmgr message", "msg", uint16(id))
		return nil
	}
}

func (s *Server) reqCreateAccount(ctx context.Context, ch *channel.Channel, r *protocol.Reader) error {
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}
	password, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}

	mail := protocol.AccountType(kind) == protocol.AccountTypeMail
	code := errcode.Success
	var retData []byte

	activationCode, err := s.repo.CreateAccount(ctx, accountName, accountdb.HashPassword(password), mail, data)
	switch {
	case errors.Is(err, accountdb.ErrAccountExists):
		code = errcode.Account
	case err != nil:
		slog.Error("createAccount failed", "account", accountName, "err", err)
		code = errcode.OpFailed
	case mail:
		retData = []byte(activationCode)
	}

	reply := protocol.MsgOnReqCreateAccountResult
	if mail {
		reply = protocol.MsgOnReqCreateMailAccountResult
	}
	payload := protocol.NewWriter().
		WriteUint16(uint16(code)).
		WriteString(accountName).
		WriteString(password).
		WriteBlob(retData).
		Bytes()
	return ch.Send(reply, payload)
}

func (s *Server) onAccountLogin(ctx context.Context, ch *channel.Channel, r *protocol.Reader) error {
	loginName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("accountLogin: %w", err)
	}
	password, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("accountLogin: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("accountLogin: %w", err)
	}

	code := errcode.Success
	accountName := strings.ToLower(loginName)
	var flags uint32
	var deadline, dbid uint64
	var sess OnlineSession

	acc, err := s.repo.QueryLogin(ctx, loginName)
	switch {
	case err != nil:
		slog.Error("accountLogin query failed", "login", loginName, "err", err)
		code = errcode.OpFailed
	case acc == nil:
		code = errcode.AccountNotFound
	case acc.PasswordHash != accountdb.HashPassword(password):
		code = errcode.Password
	default:
		accountName = acc.AccountName
		flags = acc.Flags
		deadline = acc.Deadline
		dbid = acc.DBID
		sess = s.lookupOnline(accountName)
		if err := s.repo.UpdateLastLogin(ctx, accountName); err != nil {
			slog.Error("failed to update last login", "account", accountName, "err", err)
		}
	}

	payload := protocol.NewWriter().
		WriteUint16(uint16(code)).
		WriteString(loginName).
		WriteString(accountName).
		WriteString(password).
		WriteUint64(sess.ComponentID).
		WriteInt32(sess.EntityID).
		WriteUint64(dbid).
		WriteUint32(flags).
		WriteUint64(deadline).
		WriteBlob(data).
		Bytes()
	return ch.Send(protocol.MsgOnLoginAccountQueryResultFromDbmgr, payload)
}

func (s *Server) reqResetPassword(ctx context.Context, ch *channel.Channel, r *protocol.Reader) error {
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("resetPassword: %w", err)
	}

	code := errcode.Success
	email, resetCode, err := s.repo.RequestPasswordReset(ctx, accountName)
	if err != nil {
		slog.Warn("resetPassword failed", "account", accountName, "err", err)
		code = errcode.OpFailed
	}

	payload := protocol.NewWriter().
		WriteString(accountName).
		WriteString(email).
		WriteUint16(uint16(code)).
		WriteString(resetCode).
		Bytes()
	return ch.Send(protocol.MsgOnReqAccountResetPasswordCBFromDbmgr, payload)
}

func (s *Server) consumeCode(ctx context.Context, ch *channel.Channel, r *protocol.Reader, kind int, reply protocol.MsgID) error {
	code, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("consumeCode: %w", err)
	}

	ok, err := s.repo.ConsumeCode(ctx, code, kind)
	if err != nil {
		slog.Error("consumeCode failed", "kind", kind, "err", err)
		ok = false
	}

	payload := protocol.NewWriter().
		WriteString(code).
		WriteBool(ok).
		Bytes()
	return ch.Send(reply, payload)
}
