package errcode

import "fmt"

// Code — код результата серверной операции, передаётся клиенту по сети.
// Значения фиксированы протоколом и общие для всех компонентов.
type Code uint16

const (
	Success Code = iota
	SrvNoReady
	SrvOverload
	IllegalLogin
	Name
	Password
	Account
	AccountIsOnline
	SrvStarting
	AccountRegisterNotAvailable
	NameMail
	AccountLock
	AccountDeadline
	AccountNotFound
	AccountNotActivated
	VersionNotMatch
	OpFailed
	SrvOverloadPerm
	EntityDefsNotMatch
	InShuttingdown
	NameToLong
	Busy
)

func (c Code) String() string {
	if d, ok := descriptions[c]; ok {
		return d.Name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(c))
}

// Descr возвращает человекочитаемое описание кода.
func (c Code) Descr() string {
	if d, ok := descriptions[c]; ok {
		return d.Descr
	}
	return "unknown error"
}

type descr struct {
	Name  string
	Descr string
}

var descriptions = map[Code]descr{
	Success:                     {"SUCCESS", "success"},
	SrvNoReady:                  {"SRV_NO_READY", "server is not ready"},
	SrvOverload:                 {"SRV_OVERLOAD", "server is overloaded"},
	IllegalLogin:                {"ILLEGAL_LOGIN", "illegal login"},
	Name:                        {"NAME", "name is invalid"},
	Password:                    {"PASSWORD", "password is invalid"},
	Account:                     {"ACCOUNT", "account is invalid"},
	AccountIsOnline:             {"ACCOUNT_IS_ONLINE", "account is already online"},
	SrvStarting:                 {"SRV_STARTING", "server is starting"},
	AccountRegisterNotAvailable: {"ACCOUNT_REGISTER_NOT_AVAILABLE", "account registration is disabled"},
	NameMail:                    {"NAME_MAIL", "email address is invalid"},
	AccountLock:                 {"ACCOUNT_LOCK", "account is frozen"},
	AccountDeadline:             {"ACCOUNT_DEADLINE", "account has expired"},
	AccountNotFound:             {"ACCOUNT_NOT_FOUND", "account not found"},
	AccountNotActivated:         {"ACCOUNT_NOT_ACTIVATED", "account is not activated, check your email"},
	VersionNotMatch:             {"VERSION_NOT_MATCH", "client version does not match the server"},
	OpFailed:                    {"OP_FAILED", "operation failed"},
	SrvOverloadPerm:             {"SRV_OVERLOAD_PERM", "server is permanently overloaded"},
	EntityDefsNotMatch:          {"ENTITYDEFS_NOT_MATCH", "entity definitions do not match"},
	InShuttingdown:              {"IN_SHUTTINGDOWN", "server is shutting down"},
	NameToLong:                  {"NAME_TOO_LONG", "name is too long"},
	Busy:                        {"BUSY", "operation already in progress, try again later"},
}

// All возвращает все известные коды в возрастающем порядке.
// Используется при сборке каталога описаний ошибок для клиента.
func All() []Code {
	codes := make([]Code, 0, len(descriptions))
	for c := Success; c <= Busy; c++ {
		if _, ok := descriptions[c]; ok {
			codes = append(codes, c)
		}
	}
	return codes
}
