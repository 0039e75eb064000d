package sqlitebridge

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// nativeUTF16 is the UTF-16 flavour the engine's *16 entry points speak: host byte order, no BOM.
var nativeUTF16 encoding.Encoding = func() encoding.Encoding {
	one := uint16(1)
	if *(*byte)(unsafe.Pointer(&one)) == 1 {
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	}
	return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
}()

// emptyBuf backs zero-length text and blob values: a NULL pointer would bind SQL NULL instead.
var emptyBuf [2]byte

// exitProcess terminates on allocation failure; replaced in tests.
var exitProcess = os.Exit

// outOfMemory is the fatal path for an allocation failure seen while moving a buffer
// across the boundary. Partially bound or partially read native state is never
// surfaced as a recoverable error.
func outOfMemory(op string) {
	logger.Logf("[ERROR] %s: out of memory, terminating", op)
	exitProcess(3)
}

// checkCString rejects a string the engine would read as NUL-terminated and so see truncated.
func checkCString(op, s string) error {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return throwexmsg(ErrEmbeddedNul, "%s: NUL at byte %d", op, i)
	}
	return nil
}

func tooBig(op string, n int) error {
	return throw(&Error{Op: op, Code: SQLITE_TOOBIG, Msg: fmt.Sprintf("value of %d bytes is too big", n)})
}

// encodeText16 converts a Go (UTF-8) string to native UTF-16 bytes.
// Invalid UTF-8 sequences become U+FFFD.
func encodeText16(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	out, err := nativeUTF16.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("sqlitebridge: encode utf-16: %w", err)
	}
	return out, nil
}

// decodeText16 converts native UTF-16 bytes back to a Go string.
// Unpaired surrogates become U+FFFD; use the []uint16 accessors for an exact copy.
func decodeText16(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out, err := nativeUTF16.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// unitsAsBytes views UTF-16 code units as raw bytes without copying.
// A nil slice stays nil so it still marshals to SQL NULL.
func unitsAsBytes(units []uint16) []byte {
	if units == nil {
		return nil
	}
	if len(units) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&units[0])), len(units)*2)
}

// withPinned passes buf to call as a pointer and byte length, keeping buf immovable
// for the duration of that one call only. call must be a single native function that
// cannot re-enter Go.
//
//	nil        -> (NULL, 0)
//	empty      -> (non-NULL, 0)
//	otherwise  -> (&buf[0], len(buf))
func withPinned(buf []byte, call func(p unsafe.Pointer, n int32)) {
	switch {
	case buf == nil:
		call(nil, 0)
	case len(buf) == 0:
		call(unsafe.Pointer(&emptyBuf[0]), 0)
	default:
		var pinner runtime.Pinner
		pinner.Pin(&buf[0])
		call(unsafe.Pointer(&buf[0]), int32(len(buf)))
		pinner.Unpin()
	}
}

func checkLen(op string, buf []byte) error {
	if len(buf) > math.MaxInt32 {
		return tooBig(op, len(buf))
	}
	return nil
}

// readText16 copies nbytes of native UTF-16 into fresh code units.
// A NULL pointer is SQL NULL and yields nil.
func readText16(p unsafe.Pointer, nbytes int32) []uint16 {
	if p == nil {
		return nil
	}
	n := int(nbytes) / 2
	out := make([]uint16, n)
	if n > 0 {
		copy(out, unsafe.Slice((*uint16)(p), n))
	}
	return out
}

// readBlob copies n native bytes. A NULL pointer yields nil.
func readBlob(p unsafe.Pointer, n int32) []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, int(n))
	if n > 0 {
		copy(out, unsafe.Slice((*byte)(p), int(n)))
	}
	return out
}

func nullString(units []uint16) sql.NullString {
	if units == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: decodeText16(unitsAsBytes(units)), Valid: true}
}

// copyCString16 copies a NUL-terminated native UTF-16 string.
func copyCString16(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	base := uintptr(p)
	n := 0
	for *(*uint16)(unsafe.Pointer(base + uintptr(n)*2)) != 0 {
		n++
	}
	return decodeText16(readBlob(p, int32(n*2)))
}

func copyCString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	base := uintptr(p)
	n := 0
	for *(*byte)(unsafe.Pointer(base + uintptr(n))) != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// Libversion reports the version string of the loaded engine, or "" if it cannot be loaded.
func Libversion() string {
	if err := ensureLibrary(); err != nil {
		return ""
	}
	return libversion()
}

func libversion() string {
	return copyCString(c_sqlite3_libversion())
}
