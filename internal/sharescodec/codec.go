// Package sharescodec implements the shares file protocol (C4): the
// position-sensitive binary framing used to hand replicated shares to, and
// recover results from, the external inference binary.
//
// Grounded on original_source/mpc/task_manager.py's write_shares/read_shares
// for the exact header bytes and the read-tail/write-append semantics.
package sharescodec

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/crypto/sha3"
)

// header is the literal 38-byte prefix the inference binary uses to
// validate ring type: an 8-byte little-endian length (30, the byte count of
// everything that follows) || "malicious replicated Z2^64" || "@\0\0\0".
var header = []byte{
	0x1e, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x6d, 0x61, 0x6c, 0x69, 0x63, 0x69, 0x6f, 0x75,
	0x73, 0x20, 0x72, 0x65, 0x70, 0x6c, 0x69, 0x63,
	0x61, 0x74, 0x65, 0x64, 0x20, 0x5a, 0x32, 0x5e,
	0x36, 0x34, 0x40, 0x00, 0x00, 0x00,
}

const headerLen = 38
const wordLen = 8
const shareLen = 2 * wordLen

// Pair is one replicated share (x_i, x_{i+1}) over Z/2^64Z.
type Pair [2]uint64

// Codec reads and writes the shares file at path.
type Codec struct {
	path string
}

// New returns a Codec bound to the inference binary's persistence file.
func New(path string) *Codec {
	return &Codec{path: path}
}

// Write truncates (or appends to, if append is true) the shares file and
// writes shares as a sequence of little-endian signed 64-bit words, two
// words per share, in write order. The header is written only when
// append is false.
func (c *Codec) Write(shares []Pair, append_ bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if append_ {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(c.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("sharescodec: opening %s: %w", c.path, err)
	}
	defer f.Close()

	if !append_ {
		if _, err := f.Write(header); err != nil {
			return fmt.Errorf("sharescodec: writing header: %w", err)
		}
	}

	buf := make([]byte, shareLen)
	for _, p := range shares {
		binary.LittleEndian.PutUint64(buf[0:8], p[0])
		binary.LittleEndian.PutUint64(buf[8:16], p[1])
		if _, err := f.Write(buf); err != nil {
			return fmt.Errorf("sharescodec: writing share: %w", err)
		}
	}
	return nil
}

// Read seeks to file_size - 16*n, reads 16*n bytes, and unpacks n pairs.
// Per the wire contract with the inference binary, each written pair
// (x_i, x_{i+1}) comes back reversed: Read returns [x_{i+1}, x_i].
func (c *Codec) Read(n int) ([]Pair, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("sharescodec: opening %s: %w", c.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sharescodec: stat %s: %w", c.path, err)
	}

	want := int64(n) * shareLen
	if want > info.Size() {
		return nil, fmt.Errorf("sharescodec: requested %d shares (%d bytes) exceeds file size %d", n, want, info.Size())
	}

	if _, err := f.Seek(info.Size()-want, 0); err != nil {
		return nil, fmt.Errorf("sharescodec: seeking: %w", err)
	}

	buf := make([]byte, want)
	if _, err := readFull(f, buf); err != nil {
		return nil, fmt.Errorf("sharescodec: reading tail: %w", err)
	}

	out := make([]Pair, n)
	for i := 0; i < n; i++ {
		a := binary.LittleEndian.Uint64(buf[i*shareLen : i*shareLen+8])
		b := binary.LittleEndian.Uint64(buf[i*shareLen+8 : i*shareLen+16])
		out[i] = Pair{b, a} // swap on read
	}
	return out, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Checksum computes a SHA3-256 digest of the shares file's current body
// (everything after the header). The task manager logs this after every
// Write so operators can confirm two parties wrote the same shares without
// comparing the files directly; the inference binary itself never reads it.
func (c *Codec) Checksum() ([]byte, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("sharescodec: reading %s: %w", c.path, err)
	}
	body := raw
	if len(raw) >= headerLen {
		body = raw[headerLen:]
	}
	sum := sha3.Sum256(body)
	return sum[:], nil
}

// HeaderBytes exposes the literal header for tests that want to assert on
// framing without re-deriving it.
func HeaderBytes() []byte {
	out := make([]byte, len(header))
	copy(out, header)
	return out
}
