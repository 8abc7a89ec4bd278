package channel

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/udisondev/mmolobby/internal/crypto"
	"github.com/udisondev/mmolobby/internal/protocol"
)

// DefaultBufSize — размер буферов чтения/записи кадров.
const DefaultBufSize = 16384

// Channel — двунаправленный упорядоченный канал сообщений поверх TCP.
// Несёт метаданные: адрес, внутренняя/внешняя классификация, опциональный
// симметричный фильтр (устанавливается после hello) и "extra"-слот, в
// котором внешний канал запоминает имя аккаунта-владельца — по нему
// серверная очистка уведомляет dbmgr при разрыве.
//
// Контракт конкурентности: читает канал ровно одна горутина (Read не
// защищён), Send потокобезопасен.
type Channel struct {
	conn     net.Conn
	addr     string
	internal bool

	mu         sync.Mutex
	extra      string
	cipher     *crypto.ChannelCipher
	lastActive time.Time

	sendMu  sync.Mutex
	sendBuf []byte

	readBuf []byte
}

// New оборачивает соединение в Channel.
func New(conn net.Conn, internal bool) *Channel {
	return &Channel{
		conn:       conn,
		addr:       conn.RemoteAddr().String(),
		internal:   internal,
		lastActive: time.Now(),
		sendBuf:    make([]byte, DefaultBufSize),
		readBuf:    make([]byte, DefaultBufSize),
	}
}

// Addr возвращает удалённый адрес канала.
func (c *Channel) Addr() string {
	return c.addr
}

// IsInternal сообщает, принадлежит ли канал доверенному компоненту.
func (c *Channel) IsInternal() bool {
	return c.internal
}

// IsExternal сообщает, является ли канал клиентским.
func (c *Channel) IsExternal() bool {
	return !c.internal
}

// Extra возвращает содержимое extra-слота.
func (c *Channel) Extra() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extra
}

// SetExtra записывает extra-слот.
func (c *Channel) SetExtra(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extra = s
}

// InstallCipher устанавливает симметричный фильтр. До вызова канал
// работает в открытом виде; все последующие кадры шифруются.
func (c *Channel) InstallCipher(cipher *crypto.ChannelCipher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cipher = cipher
}

// Cipher возвращает установленный фильтр (nil до установки).
func (c *Channel) Cipher() *crypto.ChannelCipher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cipher
}

// Send кодирует и отправляет одно сообщение. Потокобезопасен.
func (c *Channel) Send(id protocol.MsgID, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteMessage(c.conn, c.Cipher(), c.sendBuf, id, payload)
}

// Read блокирующе читает одно сообщение. Возвращаемый payload —
// subslice внутреннего буфера, действителен до следующего Read.
// Фильтр берётся после прихода заголовка кадра: InstallCipher, вызванный
// во время ожидания, действует уже на этот кадр.
func (c *Channel) Read() (protocol.MsgID, []byte, error) {
	var header [protocol.FrameHeaderSize]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return 0, nil, fmt.Errorf("reading frame header: %w", err)
	}
	r := io.MultiReader(bytes.NewReader(header[:]), c.conn)
	id, payload, err := protocol.ReadMessage(r, c.Cipher(), c.readBuf)
	if err == nil {
		c.Touch()
	}
	return id, payload, err
}

// Touch обновляет отметку активности канала.
func (c *Channel) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// Expired сообщает, превышен ли таймаут неактивности.
func (c *Channel) Expired(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive) > timeout
}

// Close закрывает нижележащее соединение.
func (c *Channel) Close() error {
	return c.conn.Close()
}
