package dbsrv

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/mmolobby/internal/accountdb"
	"github.com/udisondev/mmolobby/internal/channel"
	"github.com/udisondev/mmolobby/internal/config"
	"github.com/udisondev/mmolobby/internal/errcode"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// MockRepository — мок для accountdb.Repository в unit-тестах.
type MockRepository struct {
	CreateAccountFunc        func(ctx context.Context, accountName, passwordHash string, mail bool, data []byte) (string, error)
	QueryLoginFunc           func(ctx context.Context, loginName string) (*accountdb.Account, error)
	RequestPasswordResetFunc func(ctx context.Context, accountName string) (string, string, error)
	ConsumeCodeFunc          func(ctx context.Context, code string, kind int) (bool, error)
	UpdateLastLoginFunc      func(ctx context.Context, accountName string) error
}

func (m *MockRepository) CreateAccount(ctx context.Context, accountName, passwordHash string, mail bool, data []byte) (string, error) {
	if m.CreateAccountFunc != nil {
		return m.CreateAccountFunc(ctx, accountName, passwordHash, mail, data)
	}
	return "", nil
}

func (m *MockRepository) QueryLogin(ctx context.Context, loginName string) (*accountdb.Account, error) {
	if m.QueryLoginFunc != nil {
		return m.QueryLoginFunc(ctx, loginName)
	}
	return nil, nil
}

func (m *MockRepository) RequestPasswordReset(ctx context.Context, accountName string) (string, string, error) {
	if m.RequestPasswordResetFunc != nil {
		return m.RequestPasswordResetFunc(ctx, accountName)
	}
	return "", "", nil
}

func (m *MockRepository) ConsumeCode(ctx context.Context, code string, kind int) (bool, error) {
	if m.ConsumeCodeFunc != nil {
		return m.ConsumeCodeFunc(ctx, code, kind)
	}
	return false, nil
}

func (m *MockRepository) UpdateLastLogin(ctx context.Context, accountName string) error {
	if m.UpdateLastLoginFunc != nil {
		return m.UpdateLastLoginFunc(ctx, accountName)
	}
	return nil
}

type recvMsg struct {
	id      protocol.MsgID
	payload []byte
	err     error
}

func newLink(t *testing.T) (*channel.Channel, <-chan recvMsg) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	dbCh := channel.New(c1, true)
	loginCh := channel.New(c2, true)

	out := make(chan recvMsg, 16)
	go func() {
		defer close(out)
		for {
			id, payload, err := loginCh.Read()
			if err != nil {
				out <- recvMsg{err: err}
				return
			}
			cp := make([]byte, len(payload))
			copy(cp, payload)
			out <- recvMsg{id: id, payload: cp}
		}
	}()
	return dbCh, out
}

func expect(t *testing.T, in <-chan recvMsg, want protocol.MsgID) []byte {
	t.Helper()
	select {
	case m := <-in:
		require.NoError(t, m.err)
		require.Equal(t, want, m.id)
		return m.payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message %d", want)
		return nil
	}
}

func TestHandle_CreateAccount(t *testing.T) {
	tests := []struct {
		name     string
		kind     protocol.AccountType
		repoErr  error
		wantID   protocol.MsgID
		wantCode errcode.Code
		wantData string
	}{
		{"normal success", protocol.AccountTypeNormal, nil, protocol.MsgOnReqCreateAccountResult, errcode.Success, ""},
		{"mail success carries activation code", protocol.AccountTypeMail, nil, protocol.MsgOnReqCreateMailAccountResult, errcode.Success, "code-1"},
		{"duplicate", protocol.AccountTypeNormal, accountdb.ErrAccountExists, protocol.MsgOnReqCreateAccountResult, errcode.Account, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &MockRepository{
				CreateAccountFunc: func(_ context.Context, accountName, passwordHash string, mail bool, _ []byte) (string, error) {
					assert.Equal(t, accountdb.HashPassword("pw"), passwordHash)
					if tt.repoErr != nil {
						return "", tt.repoErr
					}
					if mail {
						return "code-1", nil
					}
					return "", nil
				},
			}
			srv := New(config.DefaultDBServer(), repo)
			dbCh, in := newLink(t)

			payload := protocol.NewWriter().
				WriteString("kate").
				WriteString("pw").
				WriteUint8(uint8(tt.kind)).
				WriteBlob(nil).
				Bytes()
			require.NoError(t, srv.Handle(dbCh, protocol.MsgDbReqCreateAccount, payload))

			got := expect(t, in, tt.wantID)
			r := protocol.NewReader(got)
			code, err := r.ReadUint16()
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, errcode.Code(code))
			_, err = r.ReadString() // account name
			require.NoError(t, err)
			_, err = r.ReadString() // password
			require.NoError(t, err)
			data, err := r.ReadBlob()
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, string(data))
		})
	}
}

func TestHandle_AccountLogin(t *testing.T) {
	deadline := uint64(time.Now().Add(time.Hour).Unix())
	repo := &MockRepository{
		QueryLoginFunc: func(_ context.Context, loginName string) (*accountdb.Account, error) {
			if loginName != "erin" {
				return nil, nil
			}
			return &accountdb.Account{
				AccountName:  "erin#1",
				LoginName:    "erin",
				PasswordHash: accountdb.HashPassword("pw"),
				Flags:        accountdb.FlagLock,
				Deadline:     deadline,
				DBID:         99,
			}, nil
		},
	}
	srv := New(config.DefaultDBServer(), repo)
	srv.SetOnline("erin#1", OnlineSession{ComponentID: 42, EntityID: 7})
	dbCh, in := newLink(t)

	payload := protocol.NewWriter().
		WriteString("erin").
		WriteString("pw").
		WriteBlob([]byte("d")).
		Bytes()
	require.NoError(t, srv.Handle(dbCh, protocol.MsgDbOnAccountLogin, payload))

	got := expect(t, in, protocol.MsgOnLoginAccountQueryResultFromDbmgr)
	r := protocol.NewReader(got)
	code, _ := r.ReadUint16()
	assert.Equal(t, errcode.Success, errcode.Code(code))
	loginName, _ := r.ReadString()
	assert.Equal(t, "erin", loginName)
	accountName, _ := r.ReadString()
	assert.Equal(t, "erin#1", accountName, "canonical account name comes from the store")
	_, _ = r.ReadString() // password passthrough
	componentID, _ := r.ReadUint64()
	assert.Equal(t, uint64(42), componentID)
	entityID, _ := r.ReadInt32()
	assert.Equal(t, int32(7), entityID)
	dbid, _ := r.ReadUint64()
	assert.Equal(t, uint64(99), dbid)
	flags, _ := r.ReadUint32()
	assert.Equal(t, accountdb.FlagLock, flags)
	gotDeadline, _ := r.ReadUint64()
	assert.Equal(t, deadline, gotDeadline)
}

func TestHandle_AccountLogin_WrongPassword(t *testing.T) {
	repo := &MockRepository{
		QueryLoginFunc: func(_ context.Context, _ string) (*accountdb.Account, error) {
			return &accountdb.Account{AccountName: "finn", PasswordHash: accountdb.HashPassword("right")}, nil
		},
	}
	srv := New(config.DefaultDBServer(), repo)
	dbCh, in := newLink(t)

	payload := protocol.NewWriter().
		WriteString("finn").
		WriteString("wrong").
		WriteBlob(nil).
		Bytes()
	require.NoError(t, srv.Handle(dbCh, protocol.MsgDbOnAccountLogin, payload))

	got := expect(t, in, protocol.MsgOnLoginAccountQueryResultFromDbmgr)
	r := protocol.NewReader(got)
	code, _ := r.ReadUint16()
	assert.Equal(t, errcode.Password, errcode.Code(code))
}

func TestHandle_AccountLogin_Unknown(t *testing.T) {
	srv := New(config.DefaultDBServer(), &MockRepository{})
	dbCh, in := newLink(t)

	payload := protocol.NewWriter().
		WriteString("nobody").
		WriteString("pw").
		WriteBlob(nil).
		Bytes()
	require.NoError(t, srv.Handle(dbCh, protocol.MsgDbOnAccountLogin, payload))

	got := expect(t, in, protocol.MsgOnLoginAccountQueryResultFromDbmgr)
	r := protocol.NewReader(got)
	code, _ := r.ReadUint16()
	assert.Equal(t, errcode.AccountNotFound, errcode.Code(code))
}

func TestHandle_ResetPassword(t *testing.T) {
	repo := &MockRepository{
		RequestPasswordResetFunc: func(_ context.Context, accountName string) (string, string, error) {
			return "erin@example.com", "reset-1", nil
		},
	}
	srv := New(config.DefaultDBServer(), repo)
	dbCh, in := newLink(t)

	payload := protocol.NewWriter().WriteString("erin").Bytes()
	require.NoError(t, srv.Handle(dbCh, protocol.MsgDbAccountReqResetPassword, payload))

	got := expect(t, in, protocol.MsgOnReqAccountResetPasswordCBFromDbmgr)
	r := protocol.NewReader(got)
	accountName, _ := r.ReadString()
	assert.Equal(t, "erin", accountName)
	email, _ := r.ReadString()
	assert.Equal(t, "erin@example.com", email)
	code, _ := r.ReadUint16()
	assert.Equal(t, errcode.Success, errcode.Code(code))
	resetCode, _ := r.ReadString()
	assert.Equal(t, "reset-1", resetCode)
}

func TestHandle_ConsumeCodes(t *testing.T) {
	var gotKind int
	repo := &MockRepository{
		ConsumeCodeFunc: func(_ context.Context, code string, kind int) (bool, error) {
			gotKind = kind
			return code == "valid", nil
		},
	}
	srv := New(config.DefaultDBServer(), repo)

	tests := []struct {
		msg      protocol.MsgID
		reply    protocol.MsgID
		kind     int
		code     string
		wantOK   bool
	}{
		{protocol.MsgDbAccountActivate, protocol.MsgOnAccountActivated, accountdb.CodeKindActivate, "valid", true},
		{protocol.MsgDbAccountBindMail, protocol.MsgOnAccountBindedEmail, accountdb.CodeKindBindMail, "valid", true},
		{protocol.MsgDbAccountResetPassword, protocol.MsgOnAccountResetPassword, accountdb.CodeKindReset, "stale", false},
	}
	for _, tt := range tests {
		dbCh, in := newLink(t)
		payload := protocol.NewWriter().WriteString(tt.code).Bytes()
		require.NoError(t, srv.Handle(dbCh, tt.msg, payload))

		got := expect(t, in, tt.reply)
		r := protocol.NewReader(got)
		code, _ := r.ReadString()
		assert.Equal(t, tt.code, code)
		ok, _ := r.ReadBool()
		assert.Equal(t, tt.wantOK, ok)
		assert.Equal(t, tt.kind, gotKind)
	}
}

func TestOnlineBookkeeping(t *testing.T) {
	srv := New(config.DefaultDBServer(), &MockRepository{})
	srv.SetOnline("a", OnlineSession{ComponentID: 1, EntityID: 2})
	assert.Equal(t, OnlineSession{ComponentID: 1, EntityID: 2}, srv.lookupOnline("a"))
	srv.ClearOnline("a")
	assert.Zero(t, srv.lookupOnline("a"))
}
