// Package rcon implements the Source remote-console protocol used by game
// servers such as Rust and Minecraft: little-endian length-prefixed packets
// carrying a request ID, a packet type, and a NUL-terminated body.
package rcon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Packet types defined by the protocol. The auth response reuses the exec
// type code; it is distinguished by arriving in reply to an auth request.
const (
	TypeResponseValue int32 = 0
	TypeExecCommand   int32 = 2
	TypeAuthResponse  int32 = 2
	TypeAuth          int32 = 3
)

// maxPacketSize bounds a single inbound packet body. The protocol caps
// server responses at 4096 bytes of body plus the header fields.
const maxPacketSize = 4096 + 10

// ErrAuthFailed is returned when the server rejects the password. The
// server signals rejection with a response ID of -1.
var ErrAuthFailed = errors.New("rcon: authentication rejected")

// Packet is a single protocol frame.
type Packet struct {
	ID   int32
	Type int32
	Body string
}

// WritePacket frames and writes a single packet.
func WritePacket(w io.Writer, p Packet) error {
	body := []byte(p.Body)
	size := int32(4 + 4 + len(body) + 2)
	buf := make([]byte, 0, 4+size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.ID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Type))
	buf = append(buf, body...)
	buf = append(buf, 0x00, 0x00)
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads a single packet, validating the declared size.
func ReadPacket(r io.Reader) (Packet, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return Packet{}, err
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 10 || size > maxPacketSize {
		return Packet{}, fmt.Errorf("rcon: invalid packet size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Packet{}, err
	}
	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		Type: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Body: string(buf[8 : len(buf)-2]),
	}, nil
}

// Client speaks the protocol over an established connection. Writes are
// serialized; reads are expected from a single reader goroutine.
type Client struct {
	conn io.ReadWriteCloser

	wmu    sync.Mutex
	nextID int32
}

func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn, nextID: 1}
}

// Authenticate performs the password handshake. Some servers precede the
// auth response with an empty response-value packet; both are consumed.
// The timeout bounds the handshake when the connection supports deadlines.
func (c *Client) Authenticate(password string, timeout time.Duration) error {
	if nc, ok := c.conn.(net.Conn); ok && timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = nc.SetDeadline(time.Time{}) }()
	}

	id := c.claimID()
	if err := WritePacket(c.conn, Packet{ID: id, Type: TypeAuth, Body: password}); err != nil {
		return fmt.Errorf("rcon: auth write: %w", err)
	}
	for {
		p, err := ReadPacket(c.conn)
		if err != nil {
			return fmt.Errorf("rcon: auth read: %w", err)
		}
		if p.ID == -1 {
			return ErrAuthFailed
		}
		if p.Type == TypeAuthResponse && p.ID == id {
			return nil
		}
		// Empty response-value preamble; keep reading.
	}
}

// Exec writes a command packet and returns the request ID used.
func (c *Client) Exec(command string) (int32, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	id := c.claimIDLocked()
	if err := WritePacket(c.conn, Packet{ID: id, Type: TypeExecCommand, Body: command}); err != nil {
		return 0, fmt.Errorf("rcon: exec write: %w", err)
	}
	return id, nil
}

// Read returns the next inbound packet.
func (c *Client) Read() (Packet, error) {
	return ReadPacket(c.conn)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) claimID() int32 {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.claimIDLocked()
}

func (c *Client) claimIDLocked() int32 {
	id := c.nextID
	c.nextID++
	if c.nextID < 1 {
		c.nextID = 1
	}
	return id
}
