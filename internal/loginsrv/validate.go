package loginsrv

import "regexp"

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	emailRe = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
)

// validName проверяет синтаксис обычного имени аккаунта.
func validName(name string) bool {
	return name != "" && nameRe.MatchString(name)
}

// validEmail проверяет синтаксис почтового адреса.
func validEmail(addr string) bool {
	return emailRe.MatchString(addr)
}
