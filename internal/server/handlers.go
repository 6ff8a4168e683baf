package server

import (
	"strings"

	"github.com/bnetd/bnetd/internal/protocol"
	"github.com/bnetd/bnetd/internal/srp"
)

// dispatch routes one packet by opcode, enforcing the state machine:
// every opcode is accepted in exactly one state (or LOGGED_IN for the
// post-auth set); anything else closes the session.
func dispatch(s *Session, p *protocol.Packet) {
	switch p.Opcode {
	case protocol.SidBncsPing:
		if !s.expect(StateConnected, p.Opcode) {
			return
		}
		handleBncsPing(s, p)
	case protocol.SidAuthCheck:
		if !s.expect(StateAuthCheckSent, p.Opcode) {
			return
		}
		handleAuthCheck(s, p)
	case protocol.SidAuthInfo:
		if !s.expect(StateAuthCheckReceived, p.Opcode) {
			return
		}
		handleAuthInfo(s, p)
	case protocol.SidLogonProof:
		if !s.expect(StateAuthInfoReceived, p.Opcode) {
			return
		}
		handleLogonProof(s, p)
	case protocol.SidPing:
		if !s.expect(StateLoggedIn, p.Opcode) {
			return
		}
		handlePing(s, p)
	case protocol.SidEnterChat:
		if !s.expect(StateLoggedIn, p.Opcode) {
			return
		}
		handleEnterChat(s, p)
	case protocol.SidChatCommand:
		if !s.expect(StateLoggedIn, p.Opcode) {
			return
		}
		handleChatCommand(s, p)
	default:
		s.log.Warn("unknown opcode", "opcode", p.Opcode.String())
		s.protocolViolation()
	}
}

// expect validates the session state for an opcode; on mismatch it logs,
// records the protocol error and closes the session.
func (s *Session) expect(want State, op protocol.Opcode) bool {
	if got := s.State(); got != want {
		s.log.Warn("opcode in wrong state", "opcode", op.String(), "state", got.String())
		s.protocolViolation()
		return false
	}
	return true
}

func (s *Session) protocolViolation() {
	if s.server.metrics != nil {
		s.server.metrics.ProtocolError()
	}
	s.Close()
}

// handleBncsPing answers the keepalive and pushes the version check:
// an empty SID_BNCS_PING reply followed by SID_AUTH_CHECK carrying the
// server token.
func handleBncsPing(s *Session, _ *protocol.Packet) {
	s.setState(StateBncsPing)

	s.SendPacket(protocol.NewPacket(protocol.SidBncsPing))

	check := protocol.NewPacket(protocol.SidAuthCheck)
	check.Buffer.WriteUint32(s.serverToken)
	check.Buffer.WriteUint32(s.server.cfg.Version)
	check.Buffer.WriteUint32(0) // EXE hash
	check.Buffer.WriteString("")
	s.SendPacket(check)

	s.setState(StateAuthCheckSent)
}

// handleAuthCheck stores the client token and echoes the version fields
// with clean key/account status. No database work happens here.
func handleAuthCheck(s *Session, p *protocol.Packet) {
	clientToken, err := p.Buffer.ReadUint32()
	if err != nil {
		s.malformed("auth check", err)
		return
	}
	exeVersion, err := p.Buffer.ReadUint32()
	if err != nil {
		s.malformed("auth check", err)
		return
	}
	exeHash, err := p.Buffer.ReadUint32()
	if err != nil {
		s.malformed("auth check", err)
		return
	}
	owner, err := p.Buffer.ReadString()
	if err != nil {
		s.malformed("auth check", err)
		return
	}

	s.clientToken = clientToken
	s.log.Debug("auth check", "client_token", clientToken, "exe_version", exeVersion,
		"exe_hash", exeHash, "owner", owner)

	reply := protocol.NewPacket(protocol.SidAuthCheck)
	reply.Buffer.WriteUint32(clientToken)
	reply.Buffer.WriteUint32(exeVersion)
	reply.Buffer.WriteUint32(exeHash)
	reply.Buffer.WriteString(owner)
	reply.Buffer.WriteUint32(0) // key status
	reply.Buffer.WriteUint32(0) // account status
	s.SendPacket(reply)

	s.setState(StateAuthCheckReceived)
}

// handleAuthInfo looks the account up and issues the SRP challenge. An
// unknown username gets a fake challenge of identical shape, so the
// reply never reveals whether the account exists.
func handleAuthInfo(s *Session, p *protocol.Packet) {
	if _, err := p.Buffer.ReadUint32(); err != nil { // client token
		s.malformed("auth info", err)
		return
	}
	if _, err := p.Buffer.ReadUint32(); err != nil { // exe version
		s.malformed("auth info", err)
		return
	}
	if _, err := p.Buffer.ReadUint32(); err != nil { // exe hash
		s.malformed("auth info", err)
		return
	}
	originName, err := p.Buffer.ReadString()
	if err != nil {
		s.malformed("auth info", err)
		return
	}

	s.setUserName(originName)
	lowerName := strings.ToLower(originName)
	s.log.Info("auth info", "user", lowerName)

	account, err := s.server.store.FindAccount(s.ctx, lowerName)
	if err != nil {
		s.log.Error("account lookup failed", "user", lowerName, "err", err)
		s.Close()
		return
	}

	sr := srp.NewServer()
	if account != nil {
		if err := sr.LoadVerifier(account.Salt, account.Verifier); err != nil {
			s.log.Error("stored verifier unusable", "user", lowerName, "err", err)
			s.Close()
			return
		}
		if err := sr.GenerateEphemeral(); err != nil {
			s.log.Error("ephemeral generation failed", "err", err)
			s.Close()
			return
		}
		s.isInDB = true
	} else {
		s.log.Info("unknown account, issuing fake challenge", "user", lowerName)
		if err := sr.GenerateFakeChallenge(); err != nil {
			s.log.Error("fake challenge generation failed", "err", err)
			s.Close()
			return
		}
	}
	s.srp = sr

	reply := protocol.NewPacket(protocol.SidLogonChallenge)
	reply.Buffer.WriteString(sr.SaltHex())
	reply.Buffer.WriteString(sr.PublicHex())
	s.SendPacket(reply)

	s.setState(StateAuthInfoReceived)
}

// handleLogonProof finishes the handshake. Known accounts verify the
// proof against their stored verifier; first-seen usernames are
// auto-registered with a transcript-derived verifier and the proof is
// accepted as the registration commitment.
func handleLogonProof(s *Session, p *protocol.Packet) {
	aHex, err := p.Buffer.ReadString()
	if err != nil {
		s.malformed("logon proof", err)
		return
	}
	m1Hex, err := p.Buffer.ReadString()
	if err != nil {
		s.malformed("logon proof", err)
		return
	}

	sr := s.srp
	if sr == nil {
		s.Close()
		return
	}
	if err := sr.ProcessClientPublic(aHex); err != nil {
		s.log.Warn("client public rejected", "err", err)
		s.failLogon()
		return
	}

	lowerName := strings.ToLower(s.UserName())
	registered := false
	if !s.isInDB {
		saltHex := sr.SaltHex()
		verifierHex := srp.DeriveRegistrationVerifier(saltHex, aHex, m1Hex)
		id, err := s.server.store.InsertAccount(s.ctx, lowerName, saltHex, verifierHex)
		if err != nil {
			s.log.Error("auto-registration failed", "user", lowerName, "err", err)
			s.failLogon()
			return
		}
		s.log.Info("account auto-registered", "user", lowerName, "id", id)
		if err := sr.LoadVerifier(saltHex, verifierHex); err != nil {
			s.failLogon()
			return
		}
		s.isInDB = true
		registered = true
	}

	if !registered && !sr.VerifyProof(m1Hex) {
		s.log.Warn("proof rejected", "user", lowerName)
		s.failLogon()
		return
	}

	s.isAuth = true
	s.setState(StateLoggedIn)
	s.log.Info("logged in", "user", lowerName)
	if s.server.metrics != nil {
		s.server.metrics.AuthResult("success")
	}

	reply := protocol.NewPacket(protocol.SidLogonProof)
	reply.Buffer.WriteUint8(uint8(protocol.ProofSuccess))
	s.SendPacket(reply)
}

// failLogon sends the failure verdict and closes. The reply never says
// why: wrong password and unknown account look identical on the wire.
func (s *Session) failLogon() {
	if s.server.metrics != nil {
		s.server.metrics.AuthResult("fail")
	}
	reply := protocol.NewPacket(protocol.SidLogonProof)
	reply.Buffer.WriteUint8(uint8(protocol.ProofFail))
	s.sendAndClose(reply)
}

// sendAndClose writes one last frame directly, bypassing the queue the
// close is about to drop, then tears the session down.
func (s *Session) sendAndClose(p *protocol.Packet) {
	frame := p.Serialize()
	if s.server.metrics != nil {
		s.server.metrics.PacketSent(p.Opcode.String())
	}
	if _, err := s.conn.Write(frame); err != nil && !s.closed.Load() {
		s.log.Debug("final write failed", "err", err)
	}
	s.Close()
}

// handlePing echoes the client's cookie. The idle timer was already
// reset by the read loop.
func handlePing(s *Session, p *protocol.Packet) {
	cookie, err := p.Buffer.ReadUint32()
	if err != nil {
		s.malformed("ping", err)
		return
	}
	reply := protocol.NewPacket(protocol.SidPing)
	reply.Buffer.WriteUint32(cookie)
	s.SendPacket(reply)
}

// handleEnterChat echoes the account name back, confirming the join.
func handleEnterChat(s *Session, p *protocol.Packet) {
	account, err := p.Buffer.ReadString()
	if err != nil {
		s.malformed("enter chat", err)
		return
	}
	channel, err := p.Buffer.ReadString()
	if err != nil {
		s.malformed("enter chat", err)
		return
	}
	s.log.Info("enter chat", "account", account, "channel", channel)

	reply := protocol.NewPacket(protocol.SidEnterChat)
	reply.Buffer.WriteString(account)
	s.SendPacket(reply)
}

// handleChatCommand logs the command. Command parsing (/who, /join, …)
// lives above the session layer.
func handleChatCommand(s *Session, p *protocol.Packet) {
	command, err := p.Buffer.ReadString()
	if err != nil {
		s.malformed("chat command", err)
		return
	}
	s.log.Info("chat command", "user", s.UserName(), "command", command)
}

// malformed handles payloads that fail to parse: log, count, close.
func (s *Session) malformed(what string, err error) {
	s.log.Warn("malformed "+what, "err", err)
	s.protocolViolation()
}
