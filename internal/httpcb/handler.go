// Package httpcb реализует HTTP-поверхность out-of-band ссылок из писем:
// активация аккаунта, привязка почты, сброс пароля. Обработчиком владеет
// только login-узел-лидер.
package httpcb

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// CallbackKind — вид callback-операции.
type CallbackKind int

const (
	KindActivate CallbackKind = iota
	KindBindMail
	KindResetPassword
)

func (k CallbackKind) String() string {
	switch k {
	case KindActivate:
		return "accountactivate"
	case KindBindMail:
		return "bindmail"
	case KindResetPassword:
		return "resetpassword"
	default:
		return "unknown"
	}
}

// Forwarder пересылает код из HTTP-запроса компоненту базы данных.
type Forwarder func(kind CallbackKind, code string) error

// DefaultWaitTimeout — сколько HTTP-запрос ждёт ответа dbmgr.
const DefaultWaitTimeout = 10 * time.Second

// Handler связывает входящий HTTP-запрос с асинхронным ответом dbmgr:
// запрос паркуется по code, ответ dbmgr будит его через On*-методы.
type Handler struct {
	forward Forwarder
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]chan bool
}

// NewHandler создаёт Handler с указанным форвардером.
func NewHandler(forward Forwarder) *Handler {
	return &Handler{
		forward: forward,
		timeout: DefaultWaitTimeout,
		waiters: make(map[string]chan bool),
	}
}

// Router возвращает mux-роутер callback-поверхности.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/accountactivate", h.handle(KindActivate)).Methods(http.MethodGet)
	r.HandleFunc("/bindmail", h.handle(KindBindMail)).Methods(http.MethodGet)
	r.HandleFunc("/resetpassword", h.handle(KindResetPassword)).Methods(http.MethodGet)
	return r
}

func (h *Handler) handle(kind CallbackKind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		code := req.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		wait := h.park(code)
		defer h.unpark(code)

		if err := h.forward(kind, code); err != nil {
			slog.Error("http callback forward failed", "kind", kind, "err", err)
			http.Error(w, "server is not ready", http.StatusServiceUnavailable)
			return
		}

		select {
		case ok := <-wait:
			if ok {
				fmt.Fprintf(w, "%s: success\n", kind)
			} else {
				http.Error(w, fmt.Sprintf("%s: failed", kind), http.StatusForbidden)
			}
		case <-time.After(h.timeout):
			http.Error(w, "timed out", http.StatusGatewayTimeout)
		case <-req.Context().Done():
		}
	}
}

func (h *Handler) park(code string) chan bool {
	ch := make(chan bool, 1)
	h.mu.Lock()
	h.waiters[code] = ch
	h.mu.Unlock()
	return ch
}

func (h *Handler) unpark(code string) {
	h.mu.Lock()
	delete(h.waiters, code)
	h.mu.Unlock()
}

func (h *Handler) complete(code string, success bool) {
	h.mu.Lock()
	ch := h.waiters[code]
	h.mu.Unlock()
	if ch == nil {
		slog.Warn("http callback result without waiter", "code", code)
		return
	}
	select {
	case ch <- success:
	default:
	}
}

// OnAccountActivated будит запрос активации.
func (h *Handler) OnAccountActivated(code string, success bool) {
	h.complete(code, success)
}

// OnAccountBindedEmail будит запрос привязки почты.
func (h *Handler) OnAccountBindedEmail(code string, success bool) {
	h.complete(code, success)
}

// OnAccountResetPassword будит запрос сброса пароля.
func (h *Handler) OnAccountResetPassword(code string, success bool) {
	h.complete(code, success)
}
