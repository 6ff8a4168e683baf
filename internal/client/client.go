// Package client drives the lobby protocol from the client side: the
// framed connection, the full logon handshake including the SRP proof,
// and the post-login chat operations used by the CLI.
package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bnetd/bnetd/internal/protocol"
	"github.com/bnetd/bnetd/internal/srp"
)

// ErrLogonRejected is returned when the server answers the proof with a
// non-success code.
var ErrLogonRejected = errors.New("logon rejected")

// Client is one framed connection to a lobby server. Reads are
// sequential; writes are serialised by a mutex.
type Client struct {
	conn net.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	serverToken uint32
	clientToken uint32
}

// Dial connects to addr within the given timeout and waits for the
// server's opening SID_AUTH_INFO.
func Dial(addr string, timeout time.Duration, log *slog.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c := &Client{conn: conn, log: log}
	if err := c.readAuthInfo(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) readAuthInfo() error {
	p, err := c.ReadPacket()
	if err != nil {
		return fmt.Errorf("waiting for auth info: %w", err)
	}
	if p.Opcode != protocol.SidAuthInfo {
		return fmt.Errorf("expected %s, got %s: %w", protocol.SidAuthInfo, p.Opcode, protocol.ErrProtocol)
	}

	if _, err := p.Buffer.ReadUint32(); err != nil { // platform
		return err
	}
	if _, err := p.Buffer.ReadUint32(); err != nil { // product
		return err
	}
	version, err := p.Buffer.ReadUint32()
	if err != nil {
		return err
	}
	if _, err := p.Buffer.ReadUint32(); err != nil { // exe hash
		return err
	}
	c.serverToken, err = p.Buffer.ReadUint32()
	if err != nil {
		return err
	}
	if _, err := p.Buffer.ReadUint32(); err != nil { // client token slot
		return err
	}
	banner, err := p.Buffer.ReadString()
	if err != nil {
		return err
	}
	c.log.Info("connected", "version", version, "banner", banner)
	return nil
}

// Login runs the whole handshake: keepalive, version check, auth info
// and the SRP proof for the given credentials.
func (c *Client) Login(username, password string) error {
	// Keepalive: empty ping, empty echo, then the server pushes its
	// version-check challenge.
	c.SendPacket(protocol.NewPacket(protocol.SidBncsPing))

	p, err := c.ReadPacket()
	if err != nil {
		return err
	}
	if p.Opcode != protocol.SidBncsPing {
		return fmt.Errorf("expected %s, got %s: %w", protocol.SidBncsPing, p.Opcode, protocol.ErrProtocol)
	}

	p, err = c.ReadPacket()
	if err != nil {
		return err
	}
	if p.Opcode != protocol.SidAuthCheck {
		return fmt.Errorf("expected %s, got %s: %w", protocol.SidAuthCheck, p.Opcode, protocol.ErrProtocol)
	}
	token, err := p.Buffer.ReadUint32()
	if err != nil {
		return err
	}
	version, err := p.Buffer.ReadUint32()
	if err != nil {
		return err
	}
	c.serverToken = token

	// Version check.
	c.clientToken = rand.Uint32()
	check := protocol.NewPacket(protocol.SidAuthCheck)
	check.Buffer.WriteUint32(c.clientToken)
	check.Buffer.WriteUint32(version)
	check.Buffer.WriteUint32(0)
	check.Buffer.WriteString(username)
	c.SendPacket(check)

	p, err = c.ReadPacket()
	if err != nil {
		return err
	}
	if p.Opcode != protocol.SidAuthCheck {
		return fmt.Errorf("expected %s echo, got %s: %w", protocol.SidAuthCheck, p.Opcode, protocol.ErrProtocol)
	}

	// Auth info with the account name.
	info := protocol.NewPacket(protocol.SidAuthInfo)
	info.Buffer.WriteUint32(c.clientToken)
	info.Buffer.WriteUint32(version)
	info.Buffer.WriteUint32(0)
	info.Buffer.WriteString(username)
	c.SendPacket(info)

	p, err = c.ReadPacket()
	if err != nil {
		return err
	}
	if p.Opcode != protocol.SidLogonChallenge {
		return fmt.Errorf("expected %s, got %s: %w", protocol.SidLogonChallenge, p.Opcode, protocol.ErrProtocol)
	}
	saltHex, err := p.Buffer.ReadString()
	if err != nil {
		return err
	}
	bHex, err := p.Buffer.ReadString()
	if err != nil {
		return err
	}

	// SRP proof. Accounts are keyed by the lower-cased name, so the
	// private key is derived from it as well.
	sc := srp.NewClient()
	aHex, err := sc.GenerateEphemeral()
	if err != nil {
		return err
	}
	m1Hex, err := sc.ComputeProof(saltHex, bHex, strings.ToLower(username), password)
	if err != nil {
		return err
	}

	proof := protocol.NewPacket(protocol.SidLogonProof)
	proof.Buffer.WriteString(aHex)
	proof.Buffer.WriteString(m1Hex)
	c.SendPacket(proof)

	p, err = c.ReadPacket()
	if err != nil {
		return err
	}
	if p.Opcode != protocol.SidLogonProof {
		return fmt.Errorf("expected %s verdict, got %s: %w", protocol.SidLogonProof, p.Opcode, protocol.ErrProtocol)
	}
	code, err := p.Buffer.ReadUint8()
	if err != nil {
		return err
	}
	if protocol.AuthProofCode(code) != protocol.ProofSuccess {
		return fmt.Errorf("code 0x%02X: %w", code, ErrLogonRejected)
	}
	c.log.Info("logged in", "user", username)
	return nil
}

// EnterChat joins a channel and returns the echoed account name.
func (c *Client) EnterChat(account, channel string) (string, error) {
	p := protocol.NewPacket(protocol.SidEnterChat)
	p.Buffer.WriteString(account)
	p.Buffer.WriteString(channel)
	c.SendPacket(p)

	reply, err := c.ReadPacket()
	if err != nil {
		return "", err
	}
	if reply.Opcode != protocol.SidEnterChat {
		return "", fmt.Errorf("expected %s, got %s: %w", protocol.SidEnterChat, reply.Opcode, protocol.ErrProtocol)
	}
	return reply.Buffer.ReadString()
}

// ChatCommand sends a raw chat command; the server does not reply.
func (c *Client) ChatCommand(command string) {
	p := protocol.NewPacket(protocol.SidChatCommand)
	p.Buffer.WriteString(command)
	c.SendPacket(p)
}

// Ping sends an echo request and waits for the matching reply.
func (c *Client) Ping(cookie uint32) (uint32, error) {
	p := protocol.NewPacket(protocol.SidPing)
	p.Buffer.WriteUint32(cookie)
	c.SendPacket(p)

	reply, err := c.ReadPacket()
	if err != nil {
		return 0, err
	}
	if reply.Opcode != protocol.SidPing {
		return 0, fmt.Errorf("expected %s, got %s: %w", protocol.SidPing, reply.Opcode, protocol.ErrProtocol)
	}
	return reply.Buffer.ReadUint32()
}

// SendPing fires an echo request without waiting, for keepalive loops
// where another goroutine drains replies.
func (c *Client) SendPing(cookie uint32) {
	p := protocol.NewPacket(protocol.SidPing)
	p.Buffer.WriteUint32(cookie)
	c.SendPacket(p)
}

// SendPacket serialises and writes one frame.
func (c *Client) SendPacket(p *protocol.Packet) {
	frame := p.Serialize()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		c.log.Error("write failed", "err", err)
	}
}

// ReadPacket blocks for the next complete frame.
func (c *Client) ReadPacket() (*protocol.Packet, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header)
	if length == 0 || length > protocol.MaxFrameSize {
		return nil, fmt.Errorf("frame length %d: %w", length, protocol.ErrProtocol)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}
	return protocol.Deserialize(body)
}

// SetReadDeadline bounds the next ReadPacket.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close shuts the connection down.
func (c *Client) Close() {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = c.conn.Close()
}
