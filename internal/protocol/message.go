package protocol

// MsgID — 16-битный идентификатор сообщения в envelope.
type MsgID uint16

// Сообщения, принимаемые login-сервером от клиента.
const (
	MsgHello MsgID = iota + 81
	MsgLogin
	MsgReqCreateAccount
	MsgReqCreateMailAccount
	MsgReqAccountResetPassword
	MsgImportClientMessages
	MsgImportServerErrorsDescr
	MsgOnClientActiveTick
	// Принимается gateway-эндпоинтом после handoff.
	MsgLoginBaseapp
)

// Сообщения, отправляемые клиенту.
const (
	MsgOnHelloCB MsgID = iota + 501
	MsgOnVersionNotMatch
	MsgOnScriptVersionNotMatch
	MsgOnCreateAccountResult
	MsgOnLoginFailed
	MsgOnLoginSuccessfully
	MsgOnReqAccountResetPasswordCB
	MsgOnImportClientMessages
	MsgOnImportServerErrorsDescr
	MsgOnLoginBaseappFailed
	MsgOnReloginBaseappFailed
)

// Внутренние сообщения: регистрация компонентов и login ↔ dbmgr.
const (
	MsgOnComponentRegister MsgID = iota + 201
	MsgOnDbmgrInitCompleted

	// login → dbmgr
	MsgDbReqCreateAccount
	MsgDbOnAccountLogin
	MsgDbAccountReqResetPassword
	MsgDbEraseClientReq
	MsgDbAccountActivate
	MsgDbAccountBindMail
	MsgDbAccountResetPassword

	// dbmgr → login
	MsgOnReqCreateAccountResult
	MsgOnReqCreateMailAccountResult
	MsgOnLoginAccountQueryResultFromDbmgr
	MsgOnReqAccountResetPasswordCBFromDbmgr
	MsgOnAccountActivated
	MsgOnAccountBindedEmail
	MsgOnAccountResetPassword
)

// Внутренние сообщения: login ↔ baseappmgr (и baseapp).
const (
	MsgRegisterPendingAccountToBaseapp MsgID = iota + 231
	MsgRegisterPendingAccountToBaseappAddr
	MsgOnLoginAccountQueryBaseappAddrFromBaseappmgr
	MsgOnBaseappInitProgress
)

// ComponentKind идентифицирует роль компонента в кластере.
type ComponentKind uint8

const (
	KindUnknown ComponentKind = iota
	KindLoginapp
	KindDbmgr
	KindBaseappmgr
	KindBaseapp
	KindClient
)

func (k ComponentKind) String() string {
	switch k {
	case KindLoginapp:
		return "loginapp"
	case KindDbmgr:
		return "dbmgr"
	case KindBaseappmgr:
		return "baseappmgr"
	case KindBaseapp:
		return "baseapp"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// ClientKind — тип фронтенда, с которого логинится клиент.
type ClientKind uint8

const (
	ClientKindUnknown ClientKind = iota
	ClientKindMobile
	ClientKindWin
	ClientKindLinux
	ClientKindMac
	ClientKindBrowser
	ClientKindBots
	ClientKindEnd
)

// AccountType задаёт политику трактовки имени при регистрации.
type AccountType uint8

const (
	AccountTypeNormal AccountType = iota + 1
	AccountTypeMail
	AccountTypeSmart
)

// Битовые флаги аккаунта, приходят в ответе dbmgr.
const (
	AccountFlagLock         uint32 = 0x1
	AccountFlagNotActivated uint32 = 0x2
)

// Идентификаторы типов аргументов в каталоге сообщений.
const (
	ArgTypeUint8 uint8 = iota + 1
	ArgTypeUint16
	ArgTypeUint32
	ArgTypeUint64
	ArgTypeInt8
	ArgTypeInt16
	ArgTypeInt32
	ArgTypeInt64
	ArgTypeFloat
	ArgTypeString
	ArgTypeBlob
	ArgTypeBool
)

// Теги арности сообщения в каталоге.
const (
	ArgsTypeFixed    int8 = 0
	ArgsTypeVariable int8 = 1
)

// VarLen помечает сообщение переменной длины в каталоге (на проводе 0xFFFF).
const VarLen int32 = -1

// Spec описывает схему одного сообщения: id, имя с разделителем пути "::",
// объявленную длину (VarLen для переменной) и типы аргументов.
type Spec struct {
	ID       MsgID
	Name     string
	Length   int32
	ArgsType int8
	ArgTypes []uint8
}

// ClientMessages — сообщения, которые обрабатывает клиент.
var ClientMessages = []Spec{
	{MsgOnHelloCB, "Client::onHelloCB", VarLen, ArgsTypeVariable, []uint8{ArgTypeString, ArgTypeString, ArgTypeString, ArgTypeString, ArgTypeUint8}},
	{MsgOnVersionNotMatch, "Client::onVersionNotMatch", VarLen, ArgsTypeVariable, []uint8{ArgTypeString}},
	{MsgOnScriptVersionNotMatch, "Client::onScriptVersionNotMatch", VarLen, ArgsTypeVariable, []uint8{ArgTypeString}},
	{MsgOnCreateAccountResult, "Client::onCreateAccountResult", VarLen, ArgsTypeVariable, []uint8{ArgTypeUint16, ArgTypeBlob}},
	{MsgOnLoginFailed, "Client::onLoginFailed", VarLen, ArgsTypeVariable, []uint8{ArgTypeUint16, ArgTypeBlob}},
	{MsgOnLoginSuccessfully, "Client::onLoginSuccessfully", VarLen, ArgsTypeVariable, []uint8{ArgTypeString, ArgTypeString, ArgTypeUint16, ArgTypeBlob}},
	{MsgOnReqAccountResetPasswordCB, "Client::onReqAccountResetPasswordCB", 2, ArgsTypeFixed, []uint8{ArgTypeUint16}},
	{MsgOnImportClientMessages, "Client::onImportClientMessages", VarLen, ArgsTypeVariable, []uint8{ArgTypeBlob}},
	{MsgOnImportServerErrorsDescr, "Client::onImportServerErrorsDescr", VarLen, ArgsTypeVariable, []uint8{ArgTypeBlob}},
	{MsgOnLoginBaseappFailed, "Client::onLoginBaseappFailed", 2, ArgsTypeFixed, []uint8{ArgTypeUint16}},
	{MsgOnReloginBaseappFailed, "Client::onReloginBaseappFailed", 2, ArgsTypeFixed, []uint8{ArgTypeUint16}},
}

// ExposedLoginMessages — подмножество обработчиков login-сервера,
// видимое клиенту через importClientMessages.
var ExposedLoginMessages = []Spec{
	{MsgHello, "Loginapp::hello", VarLen, ArgsTypeVariable, []uint8{ArgTypeString, ArgTypeString, ArgTypeBlob}},
	{MsgLogin, "Loginapp::login", VarLen, ArgsTypeVariable, []uint8{ArgTypeUint8, ArgTypeBlob, ArgTypeString, ArgTypeString, ArgTypeString}},
	{MsgReqCreateAccount, "Loginapp::reqCreateAccount", VarLen, ArgsTypeVariable, []uint8{ArgTypeString, ArgTypeString, ArgTypeBlob}},
	{MsgReqCreateMailAccount, "Loginapp::reqCreateMailAccount", VarLen, ArgsTypeVariable, []uint8{ArgTypeString, ArgTypeString, ArgTypeBlob}},
	{MsgReqAccountResetPassword, "Loginapp::reqAccountResetPassword", VarLen, ArgsTypeVariable, []uint8{ArgTypeString}},
	{MsgImportClientMessages, "Loginapp::importClientMessages", 0, ArgsTypeFixed, nil},
	{MsgImportServerErrorsDescr, "Loginapp::importServerErrorsDescr", 0, ArgsTypeFixed, nil},
	{MsgOnClientActiveTick, "Loginapp::onClientActiveTick", 0, ArgsTypeFixed, nil},
}
