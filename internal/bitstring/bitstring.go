// Пакет bitstring — байтовый движок Bitstring Status List.
//
// Бит i хранится в байте i>>3, позиция i&7 (LSB-first: бит 0 — младший
// бит нулевого байта). Чтение за пределами ёмкости возвращает false,
// мутации за пределами ёмкости — no-op. Пакетный путь (ApplyOperations)
// сначала валидирует все операции и только затем применяет их.
package bitstring

import (
	"errors"
	"fmt"
)

// DefaultSize — ёмкость нового списка по умолчанию (131072 бит = 16 KiB).
const DefaultSize = 131072

// ErrIndexOutOfRange — индекс за пределами ёмкости буфера.
var ErrIndexOutOfRange = errors.New("индекс вне диапазона битовой строки")

// ErrUnknownOperation — неизвестный тип операции в пакете.
var ErrUnknownOperation = errors.New("неизвестная операция над битом")

// OpKind — тип операции над битом.
type OpKind string

const (
	// OpSet — установить бит (отозвать / приостановить).
	OpSet OpKind = "set"
	// OpClear — сбросить бит (активировать).
	OpClear OpKind = "clear"
	// OpFlip — инвертировать бит.
	OpFlip OpKind = "flip"
)

// Operation — одна операция пакета.
type Operation struct {
	Op    OpKind `json:"op"`
	Index int    `json:"index"`
}

// New создаёт буфер из sizeBits нулевых битов.
// sizeBits должен быть положительным и кратным 8.
func New(sizeBits int) ([]byte, error) {
	if sizeBits <= 0 || sizeBits%8 != 0 {
		return nil, fmt.Errorf("некорректный размер битовой строки %d: ожидается положительное число, кратное 8", sizeBits)
	}
	return make([]byte, sizeBits/8), nil
}

// Capacity возвращает ёмкость буфера в битах.
func Capacity(buf []byte) int {
	return len(buf) * 8
}

func inRange(buf []byte, i int) bool {
	return i >= 0 && i < len(buf)*8
}

// CheckBit возвращает значение бита i. Для индекса вне ёмкости — false.
func CheckBit(buf []byte, i int) bool {
	if !inRange(buf, i) {
		return false
	}
	return buf[i>>3]&(1<<uint(i&7)) != 0
}

// SetBit устанавливает бит i.
func SetBit(buf []byte, i int) {
	if !inRange(buf, i) {
		return
	}
	buf[i>>3] |= 1 << uint(i&7)
}

// ClearBit сбрасывает бит i.
func ClearBit(buf []byte, i int) {
	if !inRange(buf, i) {
		return
	}
	buf[i>>3] &^= 1 << uint(i&7)
}

// FlipBit инвертирует бит i.
func FlipBit(buf []byte, i int) {
	if !inRange(buf, i) {
		return
	}
	buf[i>>3] ^= 1 << uint(i&7)
}

// ValidateIndex возвращает ErrIndexOutOfRange, если i вне [0, 8*len(buf)).
func ValidateIndex(buf []byte, i int) error {
	if !inRange(buf, i) {
		return fmt.Errorf("%w: %d (ёмкость %d)", ErrIndexOutOfRange, i, Capacity(buf))
	}
	return nil
}

// ValidateOperations проверяет индексы и типы всех операций, не изменяя буфер.
func ValidateOperations(buf []byte, ops []Operation) error {
	for n, op := range ops {
		switch op.Op {
		case OpSet, OpClear, OpFlip:
		default:
			return fmt.Errorf("операция #%d: %w: %q", n, ErrUnknownOperation, op.Op)
		}
		if err := ValidateIndex(buf, op.Index); err != nil {
			return fmt.Errorf("операция #%d: %w", n, err)
		}
	}
	return nil
}

// ApplyOperations применяет пакет операций атомарно по валидации:
// при любой невалидной операции буфер остаётся нетронутым.
// Операции применяются в заданном порядке, flip композируется.
func ApplyOperations(buf []byte, ops []Operation) error {
	if err := ValidateOperations(buf, ops); err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Op {
		case OpSet:
			SetBit(buf, op.Index)
		case OpClear:
			ClearBit(buf, op.Index)
		case OpFlip:
			FlipBit(buf, op.Index)
		}
	}
	return nil
}
