package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/udisondev/mmolobby/internal/errcode"
)

// Каталоги собираются лениво один раз и дальше только копируются:
// после сборки они read-only и безопасны для конкурентной отправки.
var (
	clientMessagesOnce   sync.Once
	clientMessagesBundle []byte

	serverErrorsOnce   sync.Once
	serverErrorsBundle []byte

	catalogDigestOnce sync.Once
	catalogDigest     string
)

// ClientMessagesBundle возвращает копию самоописывающего каталога
// (count, [id, declaredLen, name, argsTypeTag, argc, argTypes…]) по двум
// группам: клиентские обработчики и экспонированные обработчики
// login-сервера. Разделитель пути "::" в именах заменяется на "_".
func ClientMessagesBundle() []byte {
	clientMessagesOnce.Do(func() {
		w := NewWriter()
		w.WriteUint16(uint16(len(ClientMessages) + len(ExposedLoginMessages)))
		for _, group := range [][]Spec{ClientMessages, ExposedLoginMessages} {
			for _, spec := range group {
				writeSpec(w, spec)
			}
		}
		clientMessagesBundle = w.Bytes()
	})
	out := make([]byte, len(clientMessagesBundle))
	copy(out, clientMessagesBundle)
	return out
}

func writeSpec(w *Writer, spec Spec) {
	w.WriteUint16(uint16(spec.ID))
	w.WriteUint16(uint16(spec.Length)) // VarLen кодируется как 0xFFFF
	w.WriteString(strings.ReplaceAll(spec.Name, "::", "_"))
	w.WriteUint8(uint8(spec.ArgsType))
	w.WriteUint8(uint8(len(spec.ArgTypes)))
	for _, at := range spec.ArgTypes {
		w.WriteUint8(at)
	}
}

// ServerErrorsBundle возвращает копию каталога описаний кодов ошибок:
// (count, [id, blob(name), blob(descr)…]).
func ServerErrorsBundle() []byte {
	serverErrorsOnce.Do(func() {
		codes := errcode.All()
		w := NewWriter()
		w.WriteUint16(uint16(len(codes)))
		for _, c := range codes {
			w.WriteUint16(uint16(c))
			w.WriteBlob([]byte(c.String()))
			w.WriteBlob([]byte(c.Descr()))
		}
		serverErrorsBundle = w.Bytes()
	})
	out := make([]byte, len(serverErrorsBundle))
	copy(out, serverErrorsBundle)
	return out
}

// CatalogDigest — отпечаток схемы сообщений, отправляется в onHelloCB,
// чтобы клиент мог обнаружить рассинхронизацию протокола.
func CatalogDigest() string {
	catalogDigestOnce.Do(func() {
		sum := md5.Sum(ClientMessagesBundle())
		catalogDigest = hex.EncodeToString(sum[:])
	})
	return catalogDigest
}
