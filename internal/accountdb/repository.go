package accountdb

import (
	"context"
	"time"
)

// Флаги аккаунта в колонке flags; значения совпадают с проводом.
const (
	FlagLock         uint32 = 0x1
	FlagNotActivated uint32 = 0x2
)

// Виды одноразовых кодов.
const (
	CodeKindActivate = 1
	CodeKindBindMail = 2
	CodeKindReset    = 3
)

// Account — строка аккаунта, как её видит компонент базы данных.
type Account struct {
	AccountName  string // канонический идентификатор
	LoginName    string // то, что вводит клиент; many-to-one к AccountName
	PasswordHash string
	Email        string
	Flags        uint32
	Deadline     uint64 // unix-секунды, 0 — без срока
	DBID         uint64
	Data         []byte
	CreatedAt    time.Time
}

// Repository определяет операции хранилища аккаунтов.
// Используется для dependency injection в тестах.
type Repository interface {
	// CreateAccount создаёт аккаунт. mail=true — почтовая регистрация:
	// аккаунт помечается NOT_ACTIVATED и возвращается код активации.
	// Возвращает ErrAccountExists при конфликте имени.
	CreateAccount(ctx context.Context, accountName, passwordHash string, mail bool, data []byte) (activationCode string, err error)

	// QueryLogin возвращает аккаунт по login-имени.
	// Возвращает nil, nil если аккаунт не найден.
	QueryLogin(ctx context.Context, loginName string) (*Account, error)

	// RequestPasswordReset генерирует одноразовый код сброса.
	RequestPasswordReset(ctx context.Context, accountName string) (email, code string, err error)

	// ConsumeCode гасит одноразовый код указанного вида и применяет его
	// эффект (активация, привязка почты, разрешение сброса).
	// Возвращает false если код неизвестен или уже погашен.
	ConsumeCode(ctx context.Context, code string, kind int) (bool, error)

	// UpdateLastLogin обновляет отметку входа.
	UpdateLastLogin(ctx context.Context, accountName string) error
}
