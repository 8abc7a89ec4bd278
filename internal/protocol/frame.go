package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/udisondev/mmolobby/internal/crypto"
)

const (
	// FrameHeaderSize — u16 LE длина всего кадра.
	FrameHeaderSize = 2
	// envelopeSize — u16 msgID + u16 длина payload внутри тела кадра.
	envelopeSize = 4
	// MaxFrameSize ограничивает размер одного кадра на проводе.
	MaxFrameSize = 65535
	// encryptReserve — запас под контрольную сумму и padding шифра.
	encryptReserve = crypto.BlockSize + crypto.ChecksumSize
)

// WriteMessage кодирует одно сообщение в buf и пишет кадр в w.
// Формат кадра: u16 LE totalLen | body, где body = u16 msgID | u16
// payloadLen | payload. При установленном cipher тело шифруется in-place
// (payload дополняется до кратности блока, envelope-длина позволяет
// отбросить padding после расшифровки).
func WriteMessage(w io.Writer, cipher *crypto.ChannelCipher, buf []byte, id MsgID, payload []byte) error {
	bodyLen := envelopeSize + len(payload)
	needed := FrameHeaderSize + bodyLen + encryptReserve
	if needed > MaxFrameSize {
		return fmt.Errorf("write message %d: frame too large: %d", id, needed)
	}
	if len(buf) < needed {
		return fmt.Errorf("write message %d: buffer too small (need %d, have %d)", id, needed, len(buf))
	}

	binary.LittleEndian.PutUint16(buf[FrameHeaderSize:], uint16(id))
	binary.LittleEndian.PutUint16(buf[FrameHeaderSize+2:], uint16(len(payload)))
	copy(buf[FrameHeaderSize+envelopeSize:], payload)

	if cipher != nil {
		encLen, err := cipher.EncryptBody(buf, FrameHeaderSize, bodyLen)
		if err != nil {
			return fmt.Errorf("write message %d: %w", id, err)
		}
		bodyLen = encLen
	}

	totalLen := FrameHeaderSize + bodyLen
	binary.LittleEndian.PutUint16(buf[:FrameHeaderSize], uint16(totalLen))

	if _, err := w.Write(buf[:totalLen]); err != nil {
		return fmt.Errorf("write message %d: %w", id, err)
	}
	return nil
}

// ReadMessage читает один кадр из r в buf и возвращает msgID и payload.
// Возвращаемый payload — subslice buf, действителен до следующего чтения.
func ReadMessage(r io.Reader, cipher *crypto.ChannelCipher, buf []byte) (MsgID, []byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("reading frame header: %w", err)
	}

	totalLen := int(binary.LittleEndian.Uint16(header[:]))
	bodyLen := totalLen - FrameHeaderSize
	if bodyLen < envelopeSize {
		return 0, nil, fmt.Errorf("invalid frame length: %d", totalLen)
	}
	if bodyLen > len(buf) {
		return 0, nil, fmt.Errorf("frame body %d exceeds buffer size %d", bodyLen, len(buf))
	}

	body := buf[:bodyLen]
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reading frame body: %w", err)
	}

	if cipher != nil {
		n, err := cipher.DecryptBody(buf, 0, bodyLen)
		if err != nil {
			return 0, nil, err
		}
		body = buf[:n]
	}

	if len(body) < envelopeSize {
		return 0, nil, fmt.Errorf("frame body too short: %d", len(body))
	}
	id := MsgID(binary.LittleEndian.Uint16(body))
	payloadLen := int(binary.LittleEndian.Uint16(body[2:]))
	if envelopeSize+payloadLen > len(body) {
		return 0, nil, fmt.Errorf("message %d: declared payload %d exceeds body %d", id, payloadLen, len(body)-envelopeSize)
	}
	return id, body[envelopeSize : envelopeSize+payloadLen], nil
}
