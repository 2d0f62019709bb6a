package export

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Stream layout:
//
//	magic | salt(32) | iterations(u32) | nonce prefix(8) | frame...
//	frame = length(u32) | AES-256-GCM seal(chunk, nonce = prefix|counter, ad = final flag)
//
// The last frame carries the final flag so a truncated stream never
// decrypts cleanly.
const (
	Magic             = "BSYNC1\n"
	SaltSize          = 32
	KeySize           = 32
	DefaultIterations = 600000
	ChunkSize         = 64 * 1024

	noncePrefixSize = 8
	maxFrameSize    = ChunkSize + 16
)

var (
	ErrBadHeader  = errors.New("not an encrypted backup stream")
	ErrTruncated  = errors.New("encrypted backup stream is truncated")
	ErrAuthFailed = errors.New("decryption failed: wrong passphrase or corrupted data")
)

// DeriveKey stretches secret into an AES-256 key.
func DeriveKey(secret string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(secret), salt, iterations, KeySize, sha256.New)
}

func nonceFor(prefix []byte, counter uint32) []byte {
	nonce := make([]byte, noncePrefixSize+4)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], counter)
	return nonce
}

func adFor(final bool) []byte {
	if final {
		return []byte{1}
	}
	return []byte{0}
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type encryptWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	prefix  []byte
	counter uint32
	buf     []byte
	closed  bool
}

// NewEncryptWriter writes the stream header to w and returns a writer that
// encrypts everything written to it. Close must be called to emit the final frame.
func NewEncryptWriter(w io.Writer, secret string, iterations int) (io.WriteCloser, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt := make([]byte, SaltSize)
	prefix := make([]byte, noncePrefixSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(prefix); err != nil {
		return nil, err
	}
	aead, err := newAEAD(DeriveKey(secret, salt, iterations))
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(Magic)+SaltSize+4+noncePrefixSize)
	header = append(header, Magic...)
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, uint32(iterations))
	header = append(header, prefix...)
	if _, err := w.Write(header); err != nil {
		return nil, err
	}
	return &encryptWriter{w: w, aead: aead, prefix: prefix, buf: make([]byte, 0, ChunkSize)}, nil
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write to closed encrypt writer")
	}
	n := len(p)
	for len(p) > 0 {
		if len(e.buf) == ChunkSize {
			if err := e.seal(false); err != nil {
				return n - len(p), err
			}
		}
		take := min(ChunkSize-len(e.buf), len(p))
		e.buf = append(e.buf, p[:take]...)
		p = p[take:]
	}
	return n, nil
}

func (e *encryptWriter) seal(final bool) error {
	if e.counter == ^uint32(0) {
		return errors.New("encrypted stream too long")
	}
	sealed := e.aead.Seal(nil, nonceFor(e.prefix, e.counter), e.buf, adFor(final))
	e.counter++
	e.buf = e.buf[:0]

	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(sealed)), uint32(len(sealed)))
	frame = append(frame, sealed...)
	_, err := e.w.Write(frame)
	return err
}

func (e *encryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.seal(true)
}

type decryptReader struct {
	r       *bufio.Reader
	aead    cipher.AEAD
	prefix  []byte
	counter uint32
	plain   bytes.Buffer
	done    bool
}

// Decrypt validates the stream header read from r and returns a reader of
// the plaintext.
func Decrypt(r io.Reader, secret string) (io.Reader, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(Magic)+SaltSize+4+noncePrefixSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, ErrBadHeader
	}
	if string(header[:len(Magic)]) != Magic {
		return nil, ErrBadHeader
	}
	salt := header[len(Magic) : len(Magic)+SaltSize]
	iterations := binary.BigEndian.Uint32(header[len(Magic)+SaltSize:])
	prefix := header[len(Magic)+SaltSize+4:]
	if iterations == 0 {
		return nil, ErrBadHeader
	}

	aead, err := newAEAD(DeriveKey(secret, salt, int(iterations)))
	if err != nil {
		return nil, err
	}
	return &decryptReader{r: br, aead: aead, prefix: append([]byte(nil), prefix...)}, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for d.plain.Len() == 0 {
		if d.done {
			if _, err := d.r.Peek(1); err != io.EOF {
				return 0, fmt.Errorf("%w: data after final frame", ErrAuthFailed)
			}
			return 0, io.EOF
		}
		if err := d.nextFrame(); err != nil {
			return 0, err
		}
	}
	return d.plain.Read(p)
}

func (d *decryptReader) nextFrame() error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return ErrTruncated
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size < uint32(d.aead.Overhead()) || size > maxFrameSize {
		return ErrAuthFailed
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		return ErrTruncated
	}

	nonce := nonceFor(d.prefix, d.counter)
	plain, err := d.aead.Open(nil, nonce, sealed, adFor(false))
	if err != nil {
		plain, err = d.aead.Open(nil, nonce, sealed, adFor(true))
		if err != nil {
			return ErrAuthFailed
		}
		d.done = true
	}
	d.counter++
	d.plain.Write(plain)
	return nil
}
