package crypto

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxRecordSize is the largest plaintext carried by one record.
	MaxRecordSize = 32 * 1024

	recordHeaderSize = 4
)

// Conn is an encrypted duplex stream. Each Write is split into records of
// at most MaxRecordSize bytes: a 4-byte big-endian ciphertext length
// followed by the sealed payload.
type Conn struct {
	rw  io.ReadWriteCloser
	key *SessionKey

	readMu  sync.Mutex
	pending []byte
	header  [recordHeaderSize]byte

	writeMu sync.Mutex
	wbuf    []byte

	closeOnce sync.Once
	closeErr  error
}

func newConn(rw io.ReadWriteCloser, key *SessionKey) *Conn {
	return &Conn{rw: rw, key: key}
}

// Read decrypts data from the underlying stream.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		if err := c.readRecord(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Conn) readRecord() error {
	if _, err := io.ReadFull(c.rw, c.header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(c.header[:])
	if size < TagSize || size > MaxRecordSize+TagSize {
		return fmt.Errorf("%w: record length %d", ErrDecrypt, size)
	}
	ciphertext := make([]byte, size)
	if _, err := io.ReadFull(c.rw, ciphertext); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	plaintext, err := c.key.Open(ciphertext[:0], ciphertext)
	if err != nil {
		return err
	}
	c.pending = plaintext
	return nil
}

// Write encrypts p and writes it to the underlying stream.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxRecordSize {
			chunk = chunk[:MaxRecordSize]
		}

		c.wbuf = append(c.wbuf[:0], 0, 0, 0, 0)
		sealed, err := c.key.Seal(c.wbuf, chunk)
		if err != nil {
			return written, err
		}
		binary.BigEndian.PutUint32(sealed[:recordHeaderSize], uint32(len(sealed)-recordHeaderSize))
		c.wbuf = sealed

		if _, err := c.rw.Write(sealed); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}
