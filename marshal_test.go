package sqlitebridge

import (
	"bytes"
	"testing"
	"unicode/utf16"
	"unsafe"
)

func TestEncodeDecodeText16(t *testing.T) {
	for _, s := range []string{"", "alice", "żółw", "a😀b", "日本語"} {
		buf, err := encodeText16(s)
		if err != nil {
			t.Fatalf("encode %q: %v", s, err)
		}
		units := utf16.Encode([]rune(s))
		if len(buf) != len(units)*2 {
			t.Fatalf("%q: expected %d bytes, got %d", s, len(units)*2, len(buf))
		}
		if !bytes.Equal(buf, unitsAsBytes(units)) {
			t.Fatalf("%q: encoding differs from native code units", s)
		}
		if got := decodeText16(buf); got != s {
			t.Fatalf("round trip: expected %q, got %q", s, got)
		}
	}
}

func TestEncodeText16EmptyIsNotNil(t *testing.T) {
	buf, err := encodeText16("")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf == nil {
		t.Fatalf("empty text must not encode to nil")
	}
}

func TestUnitsAsBytes(t *testing.T) {
	if unitsAsBytes(nil) != nil {
		t.Fatalf("nil units must stay nil")
	}
	if b := unitsAsBytes([]uint16{}); b == nil || len(b) != 0 {
		t.Fatalf("empty units must give empty, non-nil bytes")
	}
	units := []uint16{0xD83D, 0xDE00}
	b := unitsAsBytes(units)
	if len(b) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(b))
	}
	back := readText16(unsafe.Pointer(&b[0]), int32(len(b)))
	if len(back) != 2 || back[0] != 0xD83D || back[1] != 0xDE00 {
		t.Fatalf("surrogate pair corrupted: %x", back)
	}
}

func TestWithPinned(t *testing.T) {
	var gotPtr unsafe.Pointer
	var gotLen int32

	withPinned(nil, func(p unsafe.Pointer, n int32) { gotPtr, gotLen = p, n })
	if gotPtr != nil || gotLen != 0 {
		t.Fatalf("nil buffer must pass NULL")
	}

	withPinned([]byte{}, func(p unsafe.Pointer, n int32) { gotPtr, gotLen = p, n })
	if gotPtr == nil || gotLen != 0 {
		t.Fatalf("empty buffer must pass a non-NULL pointer and zero length")
	}

	buf := []byte{1, 2, 3}
	withPinned(buf, func(p unsafe.Pointer, n int32) { gotPtr, gotLen = p, n })
	if gotPtr != unsafe.Pointer(&buf[0]) || gotLen != 3 {
		t.Fatalf("expected the buffer itself with length 3")
	}
}

func TestReadBlob(t *testing.T) {
	if readBlob(nil, 10) != nil {
		t.Fatalf("NULL pointer must read as nil")
	}
	src := []byte{9, 8, 7}
	got := readBlob(unsafe.Pointer(&src[0]), 3)
	if !bytes.Equal(got, src) {
		t.Fatalf("expected %v, got %v", src, got)
	}
	src[0] = 0
	if got[0] != 9 {
		t.Fatalf("readBlob must copy")
	}
	if b := readBlob(unsafe.Pointer(&src[0]), 0); b == nil || len(b) != 0 {
		t.Fatalf("zero length must read as empty, non-nil")
	}
}

func TestCopyCStrings(t *testing.T) {
	c := []byte("hello\x00ignored")
	if got := copyCString(unsafe.Pointer(&c[0])); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if copyCString(nil) != "" {
		t.Fatalf("NULL must read as empty")
	}
	w := append(utf16.Encode([]rune("naïve😀")), 0, 'x')
	if got := copyCString16(unsafe.Pointer(&w[0])); got != "naïve😀" {
		t.Fatalf("expected naïve😀, got %q", got)
	}
}

func TestNullString(t *testing.T) {
	if nullString(nil).Valid {
		t.Fatalf("nil units must be SQL NULL")
	}
	ns := nullString([]uint16{})
	if !ns.Valid || ns.String != "" {
		t.Fatalf("empty units must be valid empty text, got %+v", ns)
	}
}

func TestOutOfMemoryIsFatal(t *testing.T) {
	var code int
	orig := exitProcess
	exitProcess = func(c int) { code = c }
	defer func() { exitProcess = orig }()

	outOfMemory("column_text")
	if code == 0 {
		t.Fatalf("out of memory must terminate with a non-zero code")
	}
}
