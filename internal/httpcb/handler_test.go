package httpcb

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// asyncForward имитирует dbmgr: отвечает на переданный код чуть позже.
func asyncForward(h **Handler, results map[string]bool) Forwarder {
	var mu sync.Mutex
	return func(kind CallbackKind, code string) error {
		mu.Lock()
		ok, known := results[code]
		mu.Unlock()
		if !known {
			return fmt.Errorf("dbmgr is not ready")
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			switch kind {
			case KindActivate:
				(*h).OnAccountActivated(code, ok)
			case KindBindMail:
				(*h).OnAccountBindedEmail(code, ok)
			case KindResetPassword:
				(*h).OnAccountResetPassword(code, ok)
			}
		}()
		return nil
	}
}

func newTestHandler(results map[string]bool) *Handler {
	var h *Handler
	h = NewHandler(asyncForward(&h, results))
	return h
}

func TestHandler_ActivateSuccess(t *testing.T) {
	h := newTestHandler(map[string]bool{"good": true})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/accountactivate?code=good")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_ActivateFailure(t *testing.T) {
	h := newTestHandler(map[string]bool{"bad": false})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/accountactivate?code=bad")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandler_MissingCode(t *testing.T) {
	h := newTestHandler(nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/resetpassword")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_ForwardFailure(t *testing.T) {
	h := newTestHandler(map[string]bool{}) // любой код неизвестен → forward падает
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bindmail?code=whatever")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(func(CallbackKind, string) error { return nil }) // dbmgr молчит
	h.timeout = 50 * time.Millisecond
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/accountactivate?code=silent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestHandler_ResultWithoutWaiterIsIgnored(t *testing.T) {
	h := newTestHandler(nil)
	// Не должно паниковать и что-либо менять.
	h.OnAccountActivated("orphan", true)
}
