package loginsrv

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/components"
	"github.com/udisondev/mmolobby/internal/errcode"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// HandleInternalMessage диспетчеризирует сообщение доверенного канала.
// Вызов с внешнего канала — протокольная ошибка пира и молча игнорируется.
func (s *Service) HandleInternalMessage(ch *channel.Channel, id protocol.MsgID, payload []byte) error {
	if ch.IsExternal() {
		slog.Warn("internal message on external channel ignored", "msg", uint16(id), "remote", ch.Addr())
		return nil
	}
	r := protocol.NewReader(payload)

	switch id {
	case protocol.MsgOnComponentRegister:
		return s.onComponentRegister(ch, r)
	case protocol.MsgOnDbmgrInitCompleted:
		return s.onDbmgrInitCompleted(r)
	case protocol.MsgOnReqCreateAccountResult:
		return s.onReqCreateAccountResult(r, false)
	case protocol.MsgOnReqCreateMailAccountResult:
		return s.onReqCreateAccountResult(r, true)
	case protocol.MsgOnLoginAccountQueryResultFromDbmgr:
		return s.onLoginAccountQueryResult(r)
	case protocol.MsgOnLoginAccountQueryBaseappAddrFromBaseappmgr:
		return s.onLoginAccountQueryBaseappAddr(r)
	case protocol.MsgOnBaseappInitProgress:
		return s.onBaseappInitProgress(r)
	case protocol.MsgOnReqAccountResetPasswordCBFromDbmgr:
		return s.onReqAccountResetPasswordCB(r)
	case protocol.MsgOnAccountActivated:
		return s.onHTTPCallbackResult(r, "activation", func(h httpCallbackSink, code string, ok bool) {
			h.OnAccountActivated(code, ok)
		})
	case protocol.MsgOnAccountBindedEmail:
		return s.onHTTPCallbackResult(r, "bindmail", func(h httpCallbackSink, code string, ok bool) {
			h.OnAccountBindedEmail(code, ok)
		})
	case protocol.MsgOnAccountResetPassword:
		return s.onHTTPCallbackResult(r, "resetpassword", func(h httpCallbackSink, code string, ok bool) {
			h.OnAccountResetPassword(code, ok)
		})
	default:
		slog.Warn("unknown internal message", "msg", uint16(id), "remote", ch.Addr())
		return nil
	}
}

// onComponentRegister — первое сообщение компонента после подключения:
// анонс роли, id, адресов и порядков.
func (s *Service) onComponentRegister(ch *channel.Channel, r *protocol.Reader) error {
	kind, err := r.ReadUint8()
	if err != nil {
		return fmt.Errorf("componentRegister: %w", err)
	}
	id, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("componentRegister: %w", err)
	}
	internalAddr, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("componentRegister: %w", err)
	}
	externalAddr, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("componentRegister: %w", err)
	}
	globalOrder, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("componentRegister: %w", err)
	}
	groupOrder, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("componentRegister: %w", err)
	}

	s.dir.Register(&components.Record{
		Kind:         protocol.ComponentKind(kind),
		ID:           id,
		InternalAddr: internalAddr,
		ExternalAddr: externalAddr,
		GlobalOrder:  globalOrder,
		GroupOrder:   groupOrder,
		Channel:      ch,
	})
	slog.Info("component registered",
		"kind", protocol.ComponentKind(kind), "id", id,
		"internal", internalAddr, "external", externalAddr)
	return nil
}

// onDbmgrInitCompleted фиксирует порядки узла и entity-definition digest.
// Узел с groupOrder 1 — лидер: поднимает HTTP callback-обработчик.
func (s *Service) onDbmgrInitCompleted(r *protocol.Reader) error {
	globalOrder, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("dbmgrInitCompleted: %w", err)
	}
	groupOrder, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("dbmgrInitCompleted: %w", err)
	}
	digest, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("dbmgrInitCompleted: %w", err)
	}

	slog.Info("dbmgr init completed", "globalOrder", globalOrder, "groupOrder", groupOrder, "digest", digest)

	s.mu.Lock()
	s.globalOrder = globalOrder
	s.groupOrder = groupOrder
	s.digest = digest
	s.mu.Unlock()

	if groupOrder == 1 {
		s.startHTTPCallbacks()
	}
	return nil
}

// onReqCreateAccountResult обрабатывает ответ dbmgr на регистрацию.
// mail=true — почтовая регистрация: на SUCCESS дополнительно ставится
// задача отправки письма активации.
func (s *Service) onReqCreateAccountResult(r *protocol.Reader, mail bool) error {
	code, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("createAccountResult: %w", err)
	}
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("createAccountResult: %w", err)
	}
	if _, err := r.ReadString(); err != nil { // password, клиенту не возвращается
		return fmt.Errorf("createAccountResult: %w", err)
	}
	retData, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("createAccountResult: %w", err)
	}

	slog.Debug("createAccountResult", "account", accountName, "code", errcode.Code(code).String(), "mail", mail)
	metricCreateResults.WithLabelValues(errcode.Code(code).String()).Inc()

	if mail && errcode.Code(code) == errcode.Success {
		// retData почтовой регистрации несёт код активации для письма.
		s.mailer.EnqueueActivation(accountName, string(retData), s.externalHTTPHost(), s.cfg.HTTPCbPort)
		retData = nil
	}

	rec := s.pendingCreate.Remove(accountName)
	if rec == nil {
		return nil
	}
	clientCh := s.findChannel(rec.Addr)
	if clientCh == nil {
		return nil
	}
	clientCh.SetExtra("")
	return s.createAccountResult(clientCh, errcode.Code(code), retData)
}

// onLoginAccountQueryResult — ответ dbmgr на запрос логина: проверка
// флагов аккаунта и пересылка в gateway-директорию.
func (s *Service) onLoginAccountQueryResult(r *protocol.Reader) error {
	code, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	loginName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	password, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	componentID, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	entityID, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	dbid, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	flags, err := r.ReadUint32()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	deadline, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("loginQueryResult: %w", err)
	}

	if flags&protocol.AccountFlagLock != 0 {
		return s.loginFailed(nil, loginName, errcode.AccountLock, data, false)
	}
	if flags&protocol.AccountFlagNotActivated != 0 {
		return s.loginFailed(nil, loginName, errcode.AccountNotActivated, data, false)
	}
	if deadline > 0 && uint64(time.Now().Unix()) >= deadline {
		return s.loginFailed(nil, loginName, errcode.AccountDeadline, data, false)
	}

	rec := s.pendingLogin.Find(loginName)
	if rec == nil {
		// Запись истекла или клиент отключился посреди обмена.
		return s.loginFailed(nil, loginName, errcode.SrvOverload, data, false)
	}
	rec.Data = data

	if clientCh := s.findChannel(rec.Addr); clientCh != nil {
		clientCh.SetExtra("")
	}

	if errcode.Code(code) != errcode.Success && entityID == 0 && componentID == 0 {
		return s.loginFailed(nil, loginName, errcode.Code(code), data, false)
	}

	baseappmgr := s.dir.Baseappmgr()
	if !baseappmgr.Live() {
		return s.loginFailed(nil, loginName, errcode.SrvNoReady, data, false)
	}

	if componentID > 0 {
		// Аккаунт ещё жив на конкретном gateway — адресная регистрация.
		payload := protocol.NewWriter().
			WriteUint64(componentID).
			WriteString(loginName).
			WriteString(accountName).
			WriteString(password).
			WriteInt32(entityID).
			WriteUint64(dbid).
			WriteUint32(flags).
			WriteUint64(deadline).
			WriteUint8(uint8(rec.ClientKind)).
			WriteBlob(rec.Data).
			Bytes()
		return baseappmgr.Channel.Send(protocol.MsgRegisterPendingAccountToBaseappAddr, payload)
	}

	payload := protocol.NewWriter().
		WriteString(loginName).
		WriteString(accountName).
		WriteString(password).
		WriteUint64(dbid).
		WriteUint32(flags).
		WriteUint64(deadline).
		WriteUint8(uint8(rec.ClientKind)).
		WriteBlob(rec.Data).
		Bytes()
	return baseappmgr.Channel.Send(protocol.MsgRegisterPendingAccountToBaseapp, payload)
}

// onLoginAccountQueryBaseappAddr — ответ gateway-директории с адресом
// gateway; завершает логин на стороне login-сервера.
func (s *Service) onLoginAccountQueryBaseappAddr(r *protocol.Reader) error {
	loginName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("baseappAddr: %w", err)
	}
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("baseappAddr: %w", err)
	}
	host, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("baseappAddr: %w", err)
	}
	portBE, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("baseappAddr: %w", err)
	}

	if host == "" {
		slog.Error("baseappAddr: no baseapp found", "login", loginName)
		return s.loginFailed(nil, loginName, errcode.SrvNoReady, nil, false)
	}

	// Порт идёт по проводу в network byte order, конвертация на границе.
	port := portBE>>8 | portBE<<8

	rec := s.pendingLogin.Remove(loginName)
	if rec == nil {
		return nil
	}

	clientCh := s.findChannel(rec.Addr)
	if clientCh == nil {
		return nil
	}

	slog.Info("login successful", "login", loginName, "account", accountName, "baseapp", fmt.Sprintf("%s:%d", host, port))
	metricLoginSuccess.Inc()

	payload := protocol.NewWriter().
		WriteString(accountName).
		WriteString(host).
		WriteUint16(port).
		WriteBlob(rec.Data).
		Bytes()
	return clientCh.Send(protocol.MsgOnLoginSuccessfully, payload)
}

// onBaseappInitProgress обновляет прогресс инициализации gateway-кластера.
// Пока он меньше 1.0, все логины завершаются SRV_STARTING.
func (s *Service) onBaseappInitProgress(r *protocol.Reader) error {
	progress, err := r.ReadFloat32()
	if err != nil {
		return fmt.Errorf("baseappInitProgress: %w", err)
	}
	p := float64(progress)
	if p > 1.0 {
		p = 1.0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Монотонность до полного teardown.
	if p > s.initProgress {
		slog.Info("baseapp init progress", "progress", p)
		s.initProgress = p
	}
	return nil
}

// onReqAccountResetPasswordCB — ответ dbmgr на запрос сброса пароля.
// На SUCCESS ставится задача отправки письма с кодом.
func (s *Service) onReqAccountResetPasswordCB(r *protocol.Reader) error {
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("resetPasswordCB: %w", err)
	}
	email, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("resetPasswordCB: %w", err)
	}
	code, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("resetPasswordCB: %w", err)
	}
	resetCode, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("resetPasswordCB: %w", err)
	}

	slog.Info("resetPasswordCB", "account", accountName, "email", email, "code", errcode.Code(code).String())

	if errcode.Code(code) == errcode.Success {
		s.mailer.EnqueueReset(email, resetCode, s.externalHTTPHost(), s.cfg.HTTPCbPort)
	}
	return nil
}

type httpCallbackSink interface {
	OnAccountActivated(code string, success bool)
	OnAccountBindedEmail(code string, success bool)
	OnAccountResetPassword(code string, success bool)
}

// onHTTPCallbackResult передаёт результат dbmgr встроенному HTTP
// callback-обработчику (им владеет узел-лидер).
func (s *Service) onHTTPCallbackResult(r *protocol.Reader, what string, deliver func(httpCallbackSink, string, bool)) error {
	code, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("%s callback: %w", what, err)
	}
	success, err := r.ReadBool()
	if err != nil {
		return fmt.Errorf("%s callback: %w", what, err)
	}

	slog.Debug("http callback result", "kind", what, "code", code, "success", success)

	s.mu.Lock()
	h := s.httpcb
	s.mu.Unlock()
	if h == nil {
		slog.Warn("http callback handler is not running", "kind", what)
		return nil
	}
	deliver(h, code, success)
	return nil
}
