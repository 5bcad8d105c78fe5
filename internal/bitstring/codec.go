// codec.go — кодек хранения: GZIP + multibase base64url.
// Текстовая форма (encodedList) — строка с префиксом "u".
package bitstring

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/multiformats/go-multibase"
)

// ErrCorruptPayload — сохранённое представление не удалось раскодировать.
var ErrCorruptPayload = errors.New("повреждённое представление битовой строки")

// Compress сжимает буфер GZIP.
func Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	zw, err := gzip.NewWriterLevel(&out, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("создание gzip writer: %w", err)
	}
	if _, err := zw.Write(buf); err != nil {
		return nil, fmt.Errorf("сжатие битовой строки: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("завершение gzip: %w", err)
	}
	return out.Bytes(), nil
}

// Decompress распаковывает GZIP. maxBytes ограничивает размер результата
// (защита от zip-бомбы); 0 — без ограничения.
func Decompress(data []byte, maxBytes int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	defer zr.Close()

	var r io.Reader = zr
	if maxBytes > 0 {
		r = io.LimitReader(zr, int64(maxBytes)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if maxBytes > 0 && len(out) > maxBytes {
		return nil, fmt.Errorf("%w: распакованный размер превышает %d байт", ErrCorruptPayload, maxBytes)
	}
	return out, nil
}

// Encode сжимает буфер и кодирует в multibase base64url (без padding).
func Encode(buf []byte) (string, error) {
	compressed, err := Compress(buf)
	if err != nil {
		return "", err
	}
	return EncodeCompressed(compressed)
}

// EncodeCompressed кодирует уже сжатые байты в multibase base64url.
func EncodeCompressed(compressed []byte) (string, error) {
	s, err := multibase.Encode(multibase.Base64url, compressed)
	if err != nil {
		return "", fmt.Errorf("multibase кодирование: %w", err)
	}
	return s, nil
}

// DecodeCompressed возвращает сжатые байты из текстовой формы.
func DecodeCompressed(encoded string) ([]byte, error) {
	_, data, err := multibase.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return data, nil
}

// Decode раскодирует текстовую форму в рабочий буфер sizeBits бит.
func Decode(encoded string, sizeBits int) ([]byte, error) {
	compressed, err := DecodeCompressed(encoded)
	if err != nil {
		return nil, err
	}
	buf, err := Decompress(compressed, sizeBits/8)
	if err != nil {
		return nil, err
	}
	if len(buf) != sizeBits/8 {
		return nil, fmt.Errorf("%w: длина %d байт, ожидалось %d", ErrCorruptPayload, len(buf), sizeBits/8)
	}
	return buf, nil
}
