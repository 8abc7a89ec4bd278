// Package clientsession реализует клиентскую машину состояний логина:
// connect → handshake → login → gateway-handshake → play. Переходы
// двигаются входящими сообщениями и периодическим тиком.
package clientsession

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/config"
	"github.com/udisondev/mmolobby/internal/crypto"
	"github.com/udisondev/mmolobby/internal/errcode"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// Event — именованное событие шины с opaque-данными; подписчики —
// внешний рантайм (скрипты, UI).
type Event struct {
	Name string
	Data []byte
}

// Session — одна клиентская сессия. Канал в каждый момент один; при
// переходе login → gateway канал заменяется.
type Session struct {
	cfg config.Client

	mu            sync.Mutex
	state         State
	ch            *channel.Channel
	pendingCipher *crypto.ChannelCipher // сгенерирован при hello, ставится только после onHelloCB
	canReset      bool

	loginName   string
	password    string
	clientData  []byte
	accountName string
	baseappHost string
	baseappPort uint16

	handlers []func(Event)

	// dial подменяется в тестах.
	dial func(addr string) (net.Conn, error)
}

// New создаёт сессию в состоянии INIT.
func New(cfg config.Client) *Session {
	return &Session{
		cfg:  cfg,
		dial: func(addr string) (net.Conn, error) { return net.DialTimeout("tcp", addr, 5*time.Second) },
	}
}

// OnEvent подписывает обработчик на события сессии.
func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *Session) fire(name string, data []byte) {
	s.mu.Lock()
	handlers := make([]func(Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(Event{Name: name, Data: data})
	}
}

// State возвращает текущее состояние.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanReset сообщает, разрешён ли сброс: true только после терминального
// отказа, чтобы нельзя было затоптать сессию в полёте.
func (s *Session) CanReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canReset
}

// Reset возвращает сессию в INIT: закрывает канал, снимает фильтры и
// прехендшейковый шифр. Безопасен в любом состоянии.
func (s *Session) Reset() {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.pendingCipher = nil
	s.canReset = false
	s.state = StateInit
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// Login начинает логин: открывает канал к login-серверу и шлёт hello.
// Сам login-RPC уйдёт после onHelloCB на ближайшем тике.
func (s *Session) Login(loginName, password string, data []byte, addr string) error {
	if s.CanReset() {
		s.Reset()
	}

	s.mu.Lock()
	s.loginName = loginName
	s.password = password
	s.clientData = data
	s.mu.Unlock()

	if err := s.updateChannel(addr); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := s.sendHello(); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	s.mu.Lock()
	s.state = StateInitLoginappChannel
	s.mu.Unlock()
	return nil
}

// CreateAccount начинает регистрацию: reqCreateAccount уходит сразу после
// установления канала, без hello-рукопожатия.
func (s *Session) CreateAccount(accountName, password string, data []byte, addr string) error {
	if s.CanReset() {
		s.Reset()
	}

	s.mu.Lock()
	s.loginName = accountName
	s.password = password
	s.clientData = data
	s.mu.Unlock()

	if err := s.updateChannel(addr); err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}

	payload := protocol.NewWriter().
		WriteString(accountName).
		WriteString(password).
		WriteBlob(data).
		Bytes()
	if err := s.currentChannel().Send(protocol.MsgReqCreateAccount, payload); err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}

	s.mu.Lock()
	s.state = StateInitLoginappChannel
	s.mu.Unlock()
	return nil
}

// updateChannel закрывает старый канал (если был) и открывает новый.
func (s *Session) updateChannel(addr string) error {
	s.mu.Lock()
	old := s.ch
	s.ch = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	conn, err := s.dial(addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	ch := channel.New(conn, false)
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	go s.readLoop(ch)
	return nil
}

func (s *Session) currentChannel() *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// sendHello отправляет hello с версиями и key-блобом: либо сырые байты
// свежего симметричного ключа (шифрование включено), либо пустой блоб.
// До прихода onHelloCB канал остаётся без фильтра.
func (s *Session) sendHello() error {
	var key []byte
	if s.cfg.EncryptChannel {
		cipher, err := crypto.NewRandomChannelCipher()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.pendingCipher = cipher
		s.mu.Unlock()
		key = cipher.Key()
	}

	payload := protocol.NewWriter().
		WriteString(s.cfg.Version).
		WriteString(s.cfg.ScriptVersion).
		WriteBlob(key).
		Bytes()
	return s.currentChannel().Send(protocol.MsgHello, payload)
}

// Run крутит тики с частотой game_update_hertz до отмены контекста.
func (s *Session) Run(ctx context.Context) error {
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

// Tick — один шаг машины состояний. Каждое состояние независимо
// переходит в PLAY; работа состояния выполняется на его тике.
func (s *Session) Tick() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateInit, StateInitLoginappChannel:
		s.setState(StatePlay)

	case StateLogin:
		s.setState(StatePlay)
		if err := s.sendLogin(); err != nil {
			slog.Warn("login request failed", "err", err)
		}

	case StateLoginBaseappChannel:
		s.setState(StatePlay)
		if err := s.connectBaseapp(); err != nil {
			slog.Warn("baseapp connect failed", "err", err)
		}

	case StateLoginBaseapp:
		s.setState(StatePlay)
		if err := s.sendLoginBaseapp(); err != nil {
			slog.Warn("baseapp login request failed", "err", err)
		}

	case StatePlay:
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) sendLogin() error {
	s.mu.Lock()
	loginName, password, data := s.loginName, s.password, s.clientData
	s.mu.Unlock()

	payload := protocol.NewWriter().
		WriteUint8(uint8(protocol.ClientKindWin)).
		WriteBlob(data).
		WriteString(loginName).
		WriteString(password).
		Bytes()
	ch := s.currentChannel()
	if ch == nil {
		return fmt.Errorf("no channel")
	}
	return ch.Send(protocol.MsgLogin, payload)
}

// connectBaseapp рвёт login-канал, открывает канал к gateway и повторяет
// hello-рукопожатие против него.
func (s *Session) connectBaseapp() error {
	s.mu.Lock()
	addr := net.JoinHostPort(s.baseappHost, fmt.Sprintf("%d", s.baseappPort))
	s.mu.Unlock()

	if err := s.updateChannel(addr); err != nil {
		return err
	}
	return s.sendHello()
}

func (s *Session) sendLoginBaseapp() error {
	s.mu.Lock()
	accountName, password := s.accountName, s.password
	s.mu.Unlock()

	payload := protocol.NewWriter().
		WriteString(accountName).
		WriteString(password).
		Bytes()
	ch := s.currentChannel()
	if ch == nil {
		return fmt.Errorf("no channel")
	}
	return ch.Send(protocol.MsgLoginBaseapp, payload)
}

func (s *Session) readLoop(ch *channel.Channel) {
	for {
		id, payload, err := ch.Read()
		if err != nil {
			s.mu.Lock()
			// Старый канал после свапа не трогает состояние.
			if s.ch == ch {
				s.ch = nil
				s.state = StateInit
				s.mu.Unlock()
				s.fire("onServerClosed", nil)
				return
			}
			s.mu.Unlock()
			return
		}
		if err := s.handleMessage(ch, id, payload); err != nil {
			slog.Warn("client session message failed", "msg", uint16(id), "err", err)
		}
	}
}

func (s *Session) handleMessage(ch *channel.Channel, id protocol.MsgID, payload []byte) error {
	r := protocol.NewReader(payload)

	switch id {
	case protocol.MsgOnHelloCB:
		return s.onHelloCB(ch, r)
	case protocol.MsgOnVersionNotMatch:
		v, err := r.ReadString()
		if err != nil {
			return err
		}
		slog.Warn("server version does not match", "server", v, "client", s.cfg.Version)
		s.fire("onVersionNotMatch", []byte(v))
		return nil
	case protocol.MsgOnScriptVersionNotMatch:
		v, err := r.ReadString()
		if err != nil {
			return err
		}
		slog.Warn("server script version does not match", "server", v, "client", s.cfg.ScriptVersion)
		s.fire("onScriptVersionNotMatch", []byte(v))
		return nil
	case protocol.MsgOnCreateAccountResult:
		return s.onCreateAccountResult(r)
	case protocol.MsgOnLoginFailed:
		return s.onLoginFailed(r)
	case protocol.MsgOnLoginSuccessfully:
		return s.onLoginSuccessfully(r)
	case protocol.MsgOnLoginBaseappFailed:
		return s.onBaseappFailed(r, "onLoginBaseappFailed")
	case protocol.MsgOnReloginBaseappFailed:
		return s.onBaseappFailed(r, "onReloginBaseappFailed")
	case protocol.MsgOnReqAccountResetPasswordCB:
		code, err := r.ReadUint16()
		if err != nil {
			return err
		}
		s.fire("onReqAccountResetPasswordCB", []byte(errcode.Code(code).String()))
		return nil
	case protocol.MsgOnImportClientMessages:
		s.fire("onImportClientMessages", payload)
		return nil
	case protocol.MsgOnImportServerErrorsDescr:
		s.fire("onImportServerErrorsDescr", payload)
		return nil
	default:
		slog.Debug("unhandled server message", "msg", uint16(id))
		return nil
	}
}

// onHelloCB завершает рукопожатие: если шифрование включено — только
// теперь ставит заранее сгенерированный фильтр, затем переводит машину
// в LOGIN либо LOGIN_BASEAPP в зависимости от роли пира.
func (s *Session) onHelloCB(ch *channel.Channel, r *protocol.Reader) error {
	if _, err := r.ReadString(); err != nil { // server version
		return fmt.Errorf("onHelloCB: %w", err)
	}
	if _, err := r.ReadString(); err != nil { // server script version
		return fmt.Errorf("onHelloCB: %w", err)
	}
	if _, err := r.ReadString(); err != nil { // message digest
		return fmt.Errorf("onHelloCB: %w", err)
	}
	if _, err := r.ReadString(); err != nil { // entity-definition digest
		return fmt.Errorf("onHelloCB: %w", err)
	}
	kind, err := r.ReadUint8()
	if err != nil {
		return fmt.Errorf("onHelloCB: %w", err)
	}

	s.mu.Lock()
	if s.pendingCipher != nil {
		ch.InstallCipher(s.pendingCipher)
		s.pendingCipher = nil
	}
	if protocol.ComponentKind(kind) == protocol.KindLoginapp {
		s.state = StateLogin
	} else {
		s.state = StateLoginBaseapp
	}
	s.mu.Unlock()

	s.fire("onHelloCB", nil)
	return nil
}

func (s *Session) onCreateAccountResult(r *protocol.Reader) error {
	code, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("onCreateAccountResult: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("onCreateAccountResult: %w", err)
	}

	c := errcode.Code(code)
	if c == errcode.Success {
		slog.Info("account created", "account", s.loginName)
	} else {
		slog.Warn("account creation failed", "account", s.loginName, "code", c.String())
	}
	s.fire("onCreateAccountResult", append([]byte(c.String()+":"), data...))
	return nil
}

func (s *Session) onLoginFailed(r *protocol.Reader) error {
	code, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("onLoginFailed: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("onLoginFailed: %w", err)
	}

	c := errcode.Code(code)
	slog.Warn("login failed", "code", c.String(), "data", string(data))

	s.mu.Lock()
	s.canReset = true
	s.mu.Unlock()

	s.fire("onLoginFailed", []byte(c.String()))
	return nil
}

// onLoginSuccessfully принимает канонический accountName и адрес gateway,
// запоминает их и переводит машину в LOGIN_BASEAPP_CHANNEL: свап канала
// произойдёт на ближайшем тике.
func (s *Session) onLoginSuccessfully(r *protocol.Reader) error {
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("onLoginSuccessfully: %w", err)
	}
	host, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("onLoginSuccessfully: %w", err)
	}
	port, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("onLoginSuccessfully: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("onLoginSuccessfully: %w", err)
	}

	slog.Info("login successful", "account", accountName, "baseapp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))

	s.mu.Lock()
	s.accountName = accountName
	s.baseappHost = host
	s.baseappPort = port
	s.clientData = data
	s.state = StateLoginBaseappChannel
	s.mu.Unlock()

	s.fire("onLoginSuccessfully", []byte(accountName))
	return nil
}

func (s *Session) onBaseappFailed(r *protocol.Reader, event string) error {
	code, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}

	c := errcode.Code(code)
	slog.Warn("baseapp login failed", "code", c.String())

	s.mu.Lock()
	s.canReset = true
	s.mu.Unlock()

	s.fire(event, []byte(c.String()))
	return nil
}
