package loginsrv

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"sync"

	"github.com/udisondev/mmolobby/internal/config"
)

const mailQueueSize = 128

// mailTask — одно письмо на отправку воркером.
type mailTask struct {
	to      string
	subject string
	body    string
}

// mailResult всплывает в основном цикле на следующем тике.
type mailResult struct {
	to  string
	err error
}

// Mailer — пул воркеров фиксированного размера для блокирующей отправки
// SMTP-писем. Воркеры не трогают состояние сервиса: результаты
// складываются в очередь и дренируются на тике (OnMainThreadTick).
type Mailer struct {
	cfg     config.SMTPConfig
	tasks   chan mailTask
	results chan mailResult

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// send подменяется в тестах.
	send func(task mailTask) error
}

// NewMailer создаёт Mailer (воркеры стартуют в Start).
func NewMailer(cfg config.SMTPConfig) *Mailer {
	m := &Mailer{
		cfg:     cfg,
		tasks:   make(chan mailTask, mailQueueSize),
		results: make(chan mailResult, mailQueueSize),
	}
	m.send = m.sendSMTP
	return m
}

// Start запускает воркеров.
func (m *Mailer) Start() {
	m.startOnce.Do(func() {
		workers := m.cfg.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.worker()
			}()
		}
	})
}

// Stop закрывает очередь и дожидается воркеров.
func (m *Mailer) Stop() {
	m.stopOnce.Do(func() {
		close(m.tasks)
		m.wg.Wait()
	})
}

func (m *Mailer) worker() {
	for task := range m.tasks {
		err := m.send(task)
		select {
		case m.results <- mailResult{to: task.to, err: err}:
		default:
			// Очередь результатов переполнена — логируем из воркера.
			if err != nil {
				slog.Error("mail send failed", "to", task.to, "err", err)
			}
		}
	}
}

// OnMainThreadTick дренирует завершённые задачи; вызывается планировщиком.
func (m *Mailer) OnMainThreadTick() {
	for {
		select {
		case res := <-m.results:
			if res.err != nil {
				slog.Error("mail send failed", "to", res.to, "err", res.err)
			} else {
				slog.Info("mail sent", "to", res.to)
			}
		default:
			return
		}
	}
}

// EnqueueActivation ставит письмо активации: ссылка ведёт на HTTP
// callback-поверхность узла-лидера.
func (m *Mailer) EnqueueActivation(account, code, httpHost string, httpPort int) {
	m.enqueue(mailTask{
		to:      account,
		subject: "Account activation",
		body: fmt.Sprintf(
			"Follow the link to activate your account:\r\nhttp://%s:%d/accountactivate?code=%s\r\n",
			httpHost, httpPort, code),
	})
}

// EnqueueReset ставит письмо сброса пароля.
func (m *Mailer) EnqueueReset(email, code, httpHost string, httpPort int) {
	m.enqueue(mailTask{
		to:      email,
		subject: "Password reset",
		body: fmt.Sprintf(
			"Follow the link to reset your password:\r\nhttp://%s:%d/resetpassword?code=%s\r\n",
			httpHost, httpPort, code),
	})
}

func (m *Mailer) enqueue(task mailTask) {
	select {
	case m.tasks <- task:
	default:
		slog.Error("mail queue is full, dropping", "to", task.to)
	}
}

func (m *Mailer) sendSMTP(task mailTask) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.cfg.From, task.to, task.subject, task.body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{task.to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", task.to, err)
	}
	return nil
}
