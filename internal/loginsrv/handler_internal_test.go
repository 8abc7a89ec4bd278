package loginsrv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/mmolobby/internal/config"
	"github.com/udisondev/mmolobby/internal/errcode"
	"github.com/udisondev/mmolobby/internal/protocol"
)

func dbLoginReply(code errcode.Code, loginName string, componentID uint64, flags uint32, deadline uint64, data []byte) []byte {
	return protocol.NewWriter().
		WriteUint16(uint16(code)).
		WriteString(loginName).
		WriteString(loginName).
		WriteString("pw").
		WriteUint64(componentID).
		WriteInt32(0).
		WriteUint64(77).
		WriteUint32(flags).
		WriteUint64(deadline).
		WriteBlob(data).
		Bytes()
}

// startLogin прогоняет клиентский login до пересылки в dbmgr.
func startLogin(t *testing.T, s *Service, client, dbmgr *testPeer, name string) {
	t.Helper()
	require.NoError(t, s.HandleClientMessage(client.ch, protocol.MsgLogin, loginPayload(name, "pw", nil)))
	dbmgr.expect(t, protocol.MsgDbOnAccountLogin)
	require.NotNil(t, s.pendingLogin.Find(name))
}

func TestLoginQueryResult_LockedAccount(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	attachBaseappmgr(t, s)
	markReady(s)
	client := newClient(t, s)
	startLogin(t, s, client, dbmgr, "dave")

	reply := dbLoginReply(errcode.Success, "dave", 0, protocol.AccountFlagLock, 0, []byte("dbData"))
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))

	code, data := readResult(t, client.expect(t, protocol.MsgOnLoginFailed))
	assert.Equal(t, errcode.AccountLock, code)
	assert.Equal(t, []byte("dbData"), data)
	assert.Zero(t, s.pendingLogin.Len())
}

func TestLoginQueryResult_NotActivated(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	attachBaseappmgr(t, s)
	markReady(s)
	client := newClient(t, s)
	startLogin(t, s, client, dbmgr, "eve")

	reply := dbLoginReply(errcode.Success, "eve", 0, protocol.AccountFlagNotActivated, 0, nil)
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))

	code, _ := readResult(t, client.expect(t, protocol.MsgOnLoginFailed))
	assert.Equal(t, errcode.AccountNotActivated, code)
}

func TestLoginQueryResult_Deadline(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	attachBaseappmgr(t, s)
	markReady(s)
	client := newClient(t, s)
	startLogin(t, s, client, dbmgr, "finn")

	expired := uint64(time.Now().Add(-time.Hour).Unix())
	reply := dbLoginReply(errcode.Success, "finn", 0, 0, expired, nil)
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))

	code, _ := readResult(t, client.expect(t, protocol.MsgOnLoginFailed))
	assert.Equal(t, errcode.AccountDeadline, code)
}

func TestLoginQueryResult_MissingPendingIsOverload(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	attachBaseappmgr(t, s)
	markReady(s)

	// Ответ базы без pending-записи: клиент отвалился посреди полёта.
	reply := dbLoginReply(errcode.Success, "ghost", 0, 0, 0, nil)
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))
	// Ответить некому — молчаливый дроп.
}

func TestLoginQueryResult_ErrorPropagated(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	attachBaseappmgr(t, s)
	markReady(s)
	client := newClient(t, s)
	startLogin(t, s, client, dbmgr, "gina")

	reply := dbLoginReply(errcode.Password, "gina", 0, 0, 0, nil)
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))

	code, _ := readResult(t, client.expect(t, protocol.MsgOnLoginFailed))
	assert.Equal(t, errcode.Password, code)
}

func TestLoginQueryResult_ExistingGatewayResurrection(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	baseappmgr := attachBaseappmgr(t, s)
	markReady(s)
	client := newClient(t, s)
	startLogin(t, s, client, dbmgr, "erin")

	reply := dbLoginReply(errcode.Success, "erin", 42, 0, 0, []byte("d"))
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))

	// Живой gateway — адресная регистрация, никогда общая.
	payload := baseappmgr.expect(t, protocol.MsgRegisterPendingAccountToBaseappAddr)
	r := protocol.NewReader(payload)
	componentID, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), componentID)

	// Ответ директории завершает логин.
	addrReply := protocol.NewWriter().
		WriteString("erin").
		WriteString("erin").
		WriteString("10.0.0.9").
		WriteUint16(0x611E). // 7777 в network byte order
		Bytes()
	require.NoError(t, s.HandleInternalMessage(baseappmgr.ch, protocol.MsgOnLoginAccountQueryBaseappAddrFromBaseappmgr, addrReply))

	got := client.expect(t, protocol.MsgOnLoginSuccessfully)
	gr := protocol.NewReader(got)
	accountName, err := gr.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "erin", accountName)
	host, err := gr.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", host)
	port, err := gr.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(7777), port, "port must be converted from network byte order at the boundary")
	assert.Zero(t, s.pendingLogin.Len())
}

func TestLoginQueryResult_FreshRegistration(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	baseappmgr := attachBaseappmgr(t, s)
	markReady(s)
	client := newClient(t, s)
	startLogin(t, s, client, dbmgr, "hugo")

	reply := dbLoginReply(errcode.Success, "hugo", 0, 0, 0, nil)
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))

	baseappmgr.expect(t, protocol.MsgRegisterPendingAccountToBaseapp)
	// Запись живёт до ответа директории.
	assert.NotNil(t, s.pendingLogin.Find("hugo"))
	// extra снят сразу после ответа базы.
	assert.Equal(t, "", client.ch.Extra())
}

func TestBaseappAddr_EmptyHostFails(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	baseappmgr := attachBaseappmgr(t, s)
	markReady(s)
	client := newClient(t, s)
	startLogin(t, s, client, dbmgr, "iris")

	reply := protocol.NewWriter().
		WriteString("iris").
		WriteString("iris").
		WriteString("").
		WriteUint16(0).
		Bytes()
	require.NoError(t, s.HandleInternalMessage(baseappmgr.ch, protocol.MsgOnLoginAccountQueryBaseappAddrFromBaseappmgr, reply))

	code, _ := readResult(t, client.expect(t, protocol.MsgOnLoginFailed))
	assert.Equal(t, errcode.SrvNoReady, code)
	assert.Zero(t, s.pendingLogin.Len())
}

func TestCreateMailAccountResult_EnqueuesActivationMail(t *testing.T) {
	sent := make(chan mailTask, 1)
	s := newTestService(t, func(cfg *config.Loginapp) {
		cfg.ExternalAddress = "login.example.com"
		cfg.HTTPCbPort = 21103
	})
	s.mailer.send = func(task mailTask) error {
		sent <- task
		return nil
	}
	s.mailer.Start()
	s.mu.Lock()
	s.groupOrder = 1 // этот узел — лидер
	s.mu.Unlock()

	dbmgr := attachDbmgr(t, s)
	client := newClient(t, s)

	require.NoError(t, s.HandleClientMessage(client.ch, protocol.MsgReqCreateMailAccount, createPayload("mia@example.com", "pw", nil)))
	dbmgr.expect(t, protocol.MsgDbReqCreateAccount)

	reply := protocol.NewWriter().
		WriteUint16(uint16(errcode.Success)).
		WriteString("mia@example.com").
		WriteString("pw").
		WriteBlob([]byte("activation-code-123")).
		Bytes()
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnReqCreateMailAccountResult, reply))

	code, data := readResult(t, client.expect(t, protocol.MsgOnCreateAccountResult))
	assert.Equal(t, errcode.Success, code)
	assert.Empty(t, data, "activation code must not leak to the client")
	assert.Equal(t, "", client.ch.Extra())

	select {
	case task := <-sent:
		assert.Equal(t, "mia@example.com", task.to)
		assert.Contains(t, task.body, "login.example.com:21103")
		assert.Contains(t, task.body, "accountactivate?code=activation-code-123")
	case <-time.After(2 * time.Second):
		t.Fatal("activation mail was not enqueued")
	}
}

func TestCreateAccountResult_ClientGone(t *testing.T) {
	s := newTestService(t, nil)
	dbmgr := attachDbmgr(t, s)
	client := newClient(t, s)

	require.NoError(t, s.HandleClientMessage(client.ch, protocol.MsgReqCreateAccount, createPayload("nina", "pw", nil)))
	dbmgr.expect(t, protocol.MsgDbReqCreateAccount)

	s.onChannelDeregister(client.ch)

	reply := protocol.NewWriter().
		WriteUint16(uint16(errcode.Success)).
		WriteString("nina").
		WriteString("pw").
		WriteBlob(nil).
		Bytes()
	// Канал уже снят — ответ молча отбрасывается.
	require.NoError(t, s.HandleInternalMessage(dbmgr.ch, protocol.MsgOnReqCreateAccountResult, reply))
	assert.Zero(t, s.pendingCreate.Len())
}

func TestBaseappInitProgress_Monotonic(t *testing.T) {
	s := newTestService(t, nil)
	peer := attachDbmgr(t, s) // любой внутренний канал

	set := func(p float32) {
		payload := protocol.NewWriter().WriteFloat32(p).Bytes()
		require.NoError(t, s.HandleInternalMessage(peer.ch, protocol.MsgOnBaseappInitProgress, payload))
	}

	set(0.25)
	assert.InDelta(t, 0.25, s.InitProgress(), 1e-6)
	set(0.75)
	assert.InDelta(t, 0.75, s.InitProgress(), 1e-6)
	set(0.5) // откат игнорируется
	assert.InDelta(t, 0.75, s.InitProgress(), 1e-6)
	set(1.5) // клампится к 1.0
	assert.InDelta(t, 1.0, s.InitProgress(), 1e-6)
}

func TestInternalMessageOnExternalChannelIgnored(t *testing.T) {
	s := newTestService(t, nil)
	client := newClient(t, s)

	reply := dbLoginReply(errcode.Success, "spoof", 0, 0, 0, nil)
	require.NoError(t, s.HandleInternalMessage(client.ch, protocol.MsgOnLoginAccountQueryResultFromDbmgr, reply))
	client.expectSilence(t)
}

func TestComponentRegister(t *testing.T) {
	s := newTestService(t, nil)
	peer := newPeer(t, true)

	payload := protocol.NewWriter().
		WriteUint8(uint8(protocol.KindBaseappmgr)).
		WriteUint64(200).
		WriteString("10.0.0.2:20114").
		WriteString("").
		WriteInt32(1).
		WriteInt32(1).
		Bytes()
	require.NoError(t, s.HandleInternalMessage(peer.ch, protocol.MsgOnComponentRegister, payload))

	rec := s.dir.Baseappmgr()
	require.NotNil(t, rec)
	assert.True(t, rec.Live())
	assert.Equal(t, uint64(200), rec.ID)
}

func TestDbmgrInitCompleted_LeaderStartsCallbacks(t *testing.T) {
	s := newTestService(t, func(cfg *config.Loginapp) {
		cfg.HTTPCbPort = 0 // порт 0: сервер слушает эфемерный порт; проверяем только состояние
	})
	peer := newPeer(t, true)

	payload := protocol.NewWriter().
		WriteInt32(1).
		WriteInt32(1).
		WriteString("digest-abc").
		Bytes()
	require.NoError(t, s.HandleInternalMessage(peer.ch, protocol.MsgOnDbmgrInitCompleted, payload))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "digest-abc", s.digest)
	assert.Equal(t, int32(1), s.groupOrder)
	assert.NotNil(t, s.httpcb, "leader must own the http callback handler")
}
