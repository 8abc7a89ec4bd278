package loginsrv

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/crypto"
	"github.com/udisondev/mmolobby/internal/errcode"
	"github.com/udisondev/mmolobby/internal/pending"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// HandleClientMessage диспетчеризирует сообщение внешнего канала.
// Обработчики выполняются в reader-горутине канала, поэтому порядок
// на одном канале сохраняется.
func (s *Service) HandleClientMessage(ch *channel.Channel, id protocol.MsgID, payload []byte) error {
	r := protocol.NewReader(payload)

	switch id {
	case protocol.MsgHello:
		return s.onHello(ch, r)
	case protocol.MsgLogin:
		return s.login(ch, r)
	case protocol.MsgReqCreateAccount:
		return s.reqCreateAccount(ch, r, s.configuredAccountType())
	case protocol.MsgReqCreateMailAccount:
		return s.reqCreateAccount(ch, r, protocol.AccountTypeMail)
	case protocol.MsgReqAccountResetPassword:
		return s.reqAccountResetPassword(ch, r)
	case protocol.MsgImportClientMessages:
		return ch.Send(protocol.MsgOnImportClientMessages, protocol.ClientMessagesBundle())
	case protocol.MsgImportServerErrorsDescr:
		return ch.Send(protocol.MsgOnImportServerErrorsDescr, protocol.ServerErrorsBundle())
	case protocol.MsgOnClientActiveTick:
		// Touch уже сделан при чтении кадра.
		return nil
	default:
		slog.Warn("unknown client message", "msg", uint16(id), "remote", ch.Addr())
		return nil
	}
}

func (s *Service) configuredAccountType() protocol.AccountType {
	switch strings.ToLower(s.cfg.AccountType) {
	case "normal":
		return protocol.AccountTypeNormal
	case "mail":
		return protocol.AccountTypeMail
	default:
		return protocol.AccountTypeSmart
	}
}

// onHello отвечает onHelloCB и, если включена политика шифрования внешних
// каналов и клиент прислал key material, устанавливает симметричный фильтр.
// onHelloCB всегда уходит в открытом виде; фильтр применяется сразу после
// отправки (encrypt-after-hello).
func (s *Service) onHello(ch *channel.Channel, r *protocol.Reader) error {
	clientVersion, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	clientScriptVersion, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	keyMaterial, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if clientVersion != s.cfg.Version {
		slog.Warn("client version mismatch", "client", clientVersion, "server", s.cfg.Version, "remote", ch.Addr())
		payload := protocol.NewWriter().WriteString(s.cfg.Version).Bytes()
		return ch.Send(protocol.MsgOnVersionNotMatch, payload)
	}
	if clientScriptVersion != s.cfg.ScriptVersion {
		slog.Warn("client script version mismatch", "client", clientScriptVersion, "server", s.cfg.ScriptVersion, "remote", ch.Addr())
		payload := protocol.NewWriter().WriteString(s.cfg.ScriptVersion).Bytes()
		return ch.Send(protocol.MsgOnScriptVersionNotMatch, payload)
	}

	s.mu.Lock()
	digest := s.digest
	s.mu.Unlock()

	payload := protocol.NewWriter().
		WriteString(s.cfg.Version).
		WriteString(s.cfg.ScriptVersion).
		WriteString(protocol.CatalogDigest()).
		WriteString(digest).
		WriteUint8(uint8(protocol.KindLoginapp)).
		Bytes()
	if err := ch.Send(protocol.MsgOnHelloCB, payload); err != nil {
		return fmt.Errorf("hello: sending onHelloCB: %w", err)
	}

	if s.cfg.EncryptionEnabled() {
		if len(keyMaterial) >= crypto.MinKeyMaterial {
			cipher, err := crypto.NewChannelCipher(keyMaterial)
			if err != nil {
				return fmt.Errorf("hello: %w", err)
			}
			ch.InstallCipher(cipher)
			slog.Debug("channel cipher installed", "remote", ch.Addr())
		} else {
			slog.Warn("client channel is not encrypted", "remote", ch.Addr())
		}
	}
	return nil
}

// login реализует серверную часть логина: валидация, проверка пиров,
// pending-учёт и запрос в dbmgr. Ответ клиенту придёт асинхронно после
// ответа базы и gateway-директории.
func (s *Service) login(ch *channel.Channel, r *protocol.Reader) error {
	kind, err := r.ReadUint8()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	loginName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	password, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	loginName = strings.TrimSpace(loginName)
	if loginName == "" {
		slog.Info("login: empty login name", "remote", ch.Addr())
		return s.loginFailed(ch, loginName, errcode.Name, data, true)
	}
	if len(loginName) > s.cfg.AccountNameMaxLen {
		slog.Info("login: login name too long", "size", len(loginName), "limit", s.cfg.AccountNameMaxLen)
		return s.loginFailed(ch, loginName, errcode.Name, data, true)
	}
	if len(password) > s.cfg.AccountPasswdMaxLen {
		slog.Info("login: password too long", "size", len(password), "limit", s.cfg.AccountPasswdMaxLen)
		return s.loginFailed(ch, loginName, errcode.Password, data, true)
	}
	if len(data) > s.cfg.AccountDataMaxLen {
		slog.Info("login: attached data too long", "size", len(data), "limit", s.cfg.AccountDataMaxLen)
		return s.loginFailed(ch, loginName, errcode.OpFailed, data, true)
	}

	// Оба пира должны быть готовы до любых pending-мутаций.
	if !s.dir.Baseappmgr().Live() {
		return s.loginFailed(ch, loginName, errcode.SrvNoReady, nil, true)
	}
	dbmgr := s.dir.Dbmgr()
	if !dbmgr.Live() {
		return s.loginFailed(ch, loginName, errcode.SrvNoReady, nil, true)
	}

	if !s.cfg.AllowEmptyDigest && r.Remaining() > 0 {
		clientDigest, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		s.mu.Lock()
		digest := s.digest
		s.mu.Unlock()
		if clientDigest != "" && clientDigest != digest {
			slog.Info("login: digest mismatch", "login", loginName, "client", clientDigest, "dbmgr", digest)
			return s.loginFailed(ch, loginName, errcode.EntityDefsNotMatch, nil, true)
		}
	}

	if s.pendingLogin.Find(loginName) != nil {
		return s.loginFailed(ch, loginName, errcode.Busy, nil, true)
	}

	clientKind := protocol.ClientKind(kind)
	if clientKind >= protocol.ClientKindEnd {
		clientKind = protocol.ClientKindUnknown
	}

	s.pendingLogin.Add(&pending.Record{
		AccountName: loginName,
		Password:    password,
		ClientKind:  clientKind,
		Data:        data,
		Addr:        ch.Addr(),
	})
	ch.SetExtra(loginName)

	if s.shuttingDown.Load() {
		slog.Info("login: shutting down", "login", loginName)
		return s.loginFailed(nil, loginName, errcode.InShuttingdown, nil, false)
	}

	if progress := s.InitProgress(); progress < 1.0 {
		data := fmt.Appendf(nil, "initProgress: %.2f", progress)
		return s.loginFailed(nil, loginName, errcode.SrvStarting, data, false)
	}

	slog.Info("login: new client", "kind", clientKind, "login", loginName, "remote", ch.Addr())
	metricLoginAttempts.Inc()

	payload := protocol.NewWriter().
		WriteString(loginName).
		WriteString(password).
		WriteBlob(data).
		Bytes()
	return dbmgr.Channel.Send(protocol.MsgDbOnAccountLogin, payload)
}

// loginFailed отправляет клиенту onLoginFailed. force=true — принудительный
// ответ на канал без обращения к pending-таблице; иначе запись удаляется,
// её отсутствие означает, что ответ уже ушёл или клиент отключился.
func (s *Service) loginFailed(ch *channel.Channel, loginName string, code errcode.Code, data []byte, force bool) error {
	slog.Info("login failed", "login", loginName, "code", code.String())
	metricLoginFailures.WithLabelValues(code.String()).Inc()

	if !force {
		rec := s.pendingLogin.Remove(loginName)
		if rec == nil {
			return nil
		}
		if ch == nil {
			ch = s.findChannel(rec.Addr)
		}
		// Запись разрешена — связка канала с аккаунтом больше не нужна.
		if ch != nil {
			ch.SetExtra("")
		}
	}
	if ch == nil {
		return nil
	}

	payload := protocol.NewWriter().
		WriteUint16(uint16(code)).
		WriteBlob(data).
		Bytes()
	return ch.Send(protocol.MsgOnLoginFailed, payload)
}

// reqCreateAccount реализует регистрацию аккаунта обоих видов; kind —
// эффективная политика (конфигурационная для reqCreateAccount, MAIL для
// reqCreateMailAccount).
func (s *Service) reqCreateAccount(ch *channel.Channel, r *protocol.Reader, kind protocol.AccountType) error {
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}
	password, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}
	data, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("createAccount: %w", err)
	}

	if !s.cfg.AccountRegistrationEnable {
		slog.Warn("createAccount: registration disabled", "account", accountName)
		return s.createAccountResult(ch, errcode.AccountRegisterNotAvailable, nil)
	}

	accountName = strings.TrimSpace(accountName)
	password = strings.TrimSpace(password)

	// Превышение размеров — молчаливый дроп: ответ не контрактован.
	if len(accountName) > s.cfg.AccountNameMaxLen {
		slog.Error("createAccount: account name too long", "size", len(accountName), "limit", s.cfg.AccountNameMaxLen)
		return nil
	}
	if len(password) > s.cfg.AccountPasswdMaxLen {
		slog.Error("createAccount: password too long", "size", len(password), "limit", s.cfg.AccountPasswdMaxLen)
		return nil
	}
	if len(data) > s.cfg.AccountDataMaxLen {
		slog.Error("createAccount: attached data too long", "size", len(data), "limit", s.cfg.AccountDataMaxLen)
		return nil
	}

	if s.shuttingDown.Load() {
		slog.Warn("createAccount: shutting down", "account", accountName)
		return s.createAccountResult(ch, errcode.InShuttingdown, nil)
	}

	if s.pendingCreate.Find(accountName) != nil {
		slog.Warn("createAccount: already pending", "account", accountName)
		return s.createAccountResult(ch, errcode.Busy, nil)
	}

	switch kind {
	case protocol.AccountTypeSmart:
		if validEmail(accountName) {
			kind = protocol.AccountTypeMail
		} else {
			if !validName(accountName) {
				slog.Error("createAccount: invalid account name", "account", accountName)
				return s.createAccountResult(ch, errcode.Name, nil)
			}
			kind = protocol.AccountTypeNormal
		}
	case protocol.AccountTypeNormal:
		if !validName(accountName) {
			slog.Error("createAccount: invalid account name", "account", accountName)
			return s.createAccountResult(ch, errcode.Name, nil)
		}
	default:
		if !validEmail(accountName) {
			slog.Warn("createAccount: invalid mail", "account", accountName)
			return s.createAccountResult(ch, errcode.NameMail, nil)
		}
	}

	dbmgr := s.dir.Dbmgr()
	if !dbmgr.Live() {
		slog.Error("createAccount: dbmgr not found", "account", accountName)
		return s.createAccountResult(ch, errcode.SrvNoReady, nil)
	}

	slog.Debug("createAccount", "account", accountName, "kind", kind)
	metricCreateAttempts.Inc()

	s.pendingCreate.Add(&pending.Record{
		AccountName: accountName,
		Password:    password,
		Data:        data,
		Addr:        ch.Addr(),
	})
	ch.SetExtra(accountName)

	payload := protocol.NewWriter().
		WriteString(accountName).
		WriteString(password).
		WriteUint8(uint8(kind)).
		WriteBlob(data).
		Bytes()
	return dbmgr.Channel.Send(protocol.MsgDbReqCreateAccount, payload)
}

func (s *Service) createAccountResult(ch *channel.Channel, code errcode.Code, data []byte) error {
	if ch == nil {
		return nil
	}
	payload := protocol.NewWriter().
		WriteUint16(uint16(code)).
		WriteBlob(data).
		Bytes()
	return ch.Send(protocol.MsgOnCreateAccountResult, payload)
}

// reqAccountResetPassword пересылает запрос в dbmgr и синхронно
// подтверждает приём; результат придёт позже через onReqAccountResetPasswordCB.
func (s *Service) reqAccountResetPassword(ch *channel.Channel, r *protocol.Reader) error {
	accountName, err := r.ReadString()
	if err != nil {
		return fmt.Errorf("resetPassword: %w", err)
	}
	accountName = strings.TrimSpace(accountName)
	slog.Info("reqAccountResetPassword", "account", accountName)

	ack := func(code errcode.Code) error {
		payload := protocol.NewWriter().WriteUint16(uint16(code)).Bytes()
		return ch.Send(protocol.MsgOnReqAccountResetPasswordCB, payload)
	}

	dbmgr := s.dir.Dbmgr()
	if !dbmgr.Live() {
		slog.Error("resetPassword: dbmgr not found", "account", accountName)
		return ack(errcode.SrvNoReady)
	}

	payload := protocol.NewWriter().WriteString(accountName).Bytes()
	if err := dbmgr.Channel.Send(protocol.MsgDbAccountReqResetPassword, payload); err != nil {
		return fmt.Errorf("resetPassword: forwarding to dbmgr: %w", err)
	}
	return ack(errcode.Success)
}
