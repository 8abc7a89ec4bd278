package loginsrv

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/udisondev/mmolobby/internal/httpcb"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// startHTTPCallbacks поднимает HTTP callback-обработчик узла-лидера.
// Идемпотентен: повторные onDbmgrInitCompleted не плодят серверы.
func (s *Service) startHTTPCallbacks() {
	s.httpcbOnce.Do(func() {
		handler := httpcb.NewHandler(s.forwardHTTPCallback)

		s.mu.Lock()
		s.httpcb = handler
		s.mu.Unlock()

		router := handler.Router()
		router.Handle("/metrics", promhttp.Handler())

		addr := fmt.Sprintf(":%d", s.cfg.HTTPCbPort)
		srv := &http.Server{Addr: addr, Handler: router}
		go func() {
			slog.Info("http callback handler started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http callback handler failed", "err", err)
			}
		}()
	})
}

// forwardHTTPCallback пересылает код из HTTP-запроса компоненту базы.
func (s *Service) forwardHTTPCallback(kind httpcb.CallbackKind, code string) error {
	dbmgr := s.dir.Dbmgr()
	if !dbmgr.Live() {
		return fmt.Errorf("dbmgr is not ready")
	}

	var id protocol.MsgID
	switch kind {
	case httpcb.KindActivate:
		id = protocol.MsgDbAccountActivate
	case httpcb.KindBindMail:
		id = protocol.MsgDbAccountBindMail
	case httpcb.KindResetPassword:
		id = protocol.MsgDbAccountResetPassword
	default:
		return fmt.Errorf("unknown callback kind %d", kind)
	}

	payload := protocol.NewWriter().WriteString(code).Bytes()
	return dbmgr.Channel.Send(id, payload)
}
