package session

import (
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/wire"
)

// ServerValidate drives the server half of spec.md §4.5's connection-
// validation exchange over the wire: send CONNECTION_VALIDATION
// (offered plugin names), read back the client's chosen plugin, run
// that plugin's handshake, and send CONNECTION_VALIDATED with the
// outcome.
func (s *Session) ServerValidate() error {
	s.setState(AwaitValidation)
	if err := s.writeConnectionValidation(s.secReg.Names()); err != nil {
		s.setState(Closed)
		return err
	}
	s.setState(Authenticating)
	chosen, err := s.readChosenPlugin()
	if err != nil {
		s.setState(Closed)
		return err
	}
	st := cos.OK()
	if err := s.Authenticate(chosen, s.conn.RemoteAddr().String()); err != nil {
		if asStatus, ok := err.(cos.Status); ok {
			st = asStatus
		} else {
			st = cos.Status{Kind: cos.KindFatal, Message: err.Error()}
		}
	}
	if err := s.writeConnectionValidated(st); err != nil {
		s.setState(Closed)
		return err
	}
	if !st.IsOK() {
		return st
	}
	return nil
}

// ClientValidate drives the client half: read the server's offered
// plugin names, select preferred if it was offered (else the first
// name offered), reply with the choice, then await
// CONNECTION_VALIDATED.
func (s *Session) ClientValidate(preferred string) error {
	s.setState(AwaitValidation)
	names, err := s.readOfferedPlugins()
	if err != nil {
		s.setState(Closed)
		return err
	}
	chosen := preferred
	if !containsStr(names, chosen) {
		if len(names) == 0 {
			s.setState(Closed)
			return cos.Status{Kind: cos.KindFatal, Message: "server offered no security plugins"}
		}
		chosen = names[0]
	}
	s.setState(Authenticating)
	if err := s.writeChosenPlugin(chosen); err != nil {
		s.setState(Closed)
		return err
	}
	st, err := s.readConnectionValidated()
	if err != nil {
		s.setState(Closed)
		return err
	}
	if !st.IsOK() {
		s.setState(Closed)
		return st
	}
	plugin, err := s.secReg.Select(chosen)
	if err != nil {
		s.setState(Closed)
		return err
	}
	sess, err := plugin.CreateSession(s.conn.RemoteAddr().String())
	if err != nil {
		s.setState(Closed)
		return err
	}
	s.mu.Lock()
	s.secSess = sess
	s.mu.Unlock()
	s.sendReg.Reset()
	s.recvReg.Reset()
	s.setState(Verified)
	return nil
}

func containsStr(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// writeConnectionValidation/readOfferedPlugins are the server-sends /
// client-reads half of the plugin-name exchange; writeChosenPlugin/
// readChosenPlugin are the reverse. Handshake frames are written/read
// directly against s.writer/s.reader rather than through the send
// queue: they happen synchronously, once, before RunSendQ/RunRecv's
// goroutines start.
func (s *Session) writeConnectionValidation(names []string) error {
	s.writer.StartMessage(wire.CmdConnectionValidation)
	if err := s.writer.EnsureBuffer(2); err != nil {
		return err
	}
	if err := s.writer.Buf().PutUint16(uint16(len(names))); err != nil {
		return err
	}
	for _, n := range names {
		if err := s.writer.EnsureBuffer(wire.StringWireLen(n)); err != nil {
			return err
		}
		if err := wire.PutString(s.writer.Buf(), n); err != nil {
			return err
		}
	}
	if err := s.writer.EndMessage(); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) readOfferedPlugins() ([]string, error) {
	fr, err := s.reader.NextFrame()
	if err != nil {
		return nil, err
	}
	if fr.Control || fr.Command != wire.CmdConnectionValidation {
		return nil, cos.Status{Kind: cos.KindInvalidDataStream, Message: "expected CONNECTION_VALIDATION"}
	}
	buf, err := readAllBuf(fr)
	if err != nil {
		return nil, err
	}
	n, err := buf.GetUint16()
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		names[i], err = wire.GetString(buf)
		if err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (s *Session) writeChosenPlugin(name string) error {
	s.writer.StartMessage(wire.CmdConnectionValidation)
	if err := s.writer.EnsureBuffer(wire.StringWireLen(name)); err != nil {
		return err
	}
	if err := wire.PutString(s.writer.Buf(), name); err != nil {
		return err
	}
	if err := s.writer.EndMessage(); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) readChosenPlugin() (string, error) {
	fr, err := s.reader.NextFrame()
	if err != nil {
		return "", err
	}
	if fr.Control || fr.Command != wire.CmdConnectionValidation {
		return "", cos.Status{Kind: cos.KindInvalidDataStream, Message: "expected CONNECTION_VALIDATION reply"}
	}
	buf, err := readAllBuf(fr)
	if err != nil {
		return "", err
	}
	return wire.GetString(buf)
}

func (s *Session) writeConnectionValidated(st cos.Status) error {
	s.writer.StartMessage(wire.CmdConnectionValidated)
	if err := s.writer.EnsureBuffer(1 + wire.StringWireLen(st.Message)); err != nil {
		return err
	}
	if err := s.writer.Buf().PutUint8(uint8(st.Kind)); err != nil {
		return err
	}
	if err := wire.PutString(s.writer.Buf(), st.Message); err != nil {
		return err
	}
	if err := s.writer.EndMessage(); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) readConnectionValidated() (cos.Status, error) {
	fr, err := s.reader.NextFrame()
	if err != nil {
		return cos.Status{}, err
	}
	if fr.Control || fr.Command != wire.CmdConnectionValidated {
		return cos.Status{}, cos.Status{Kind: cos.KindInvalidDataStream, Message: "expected CONNECTION_VALIDATED"}
	}
	buf, err := readAllBuf(fr)
	if err != nil {
		return cos.Status{}, err
	}
	k, err := buf.GetUint8()
	if err != nil {
		return cos.Status{}, err
	}
	msg, err := wire.GetString(buf)
	if err != nil {
		return cos.Status{}, err
	}
	return cos.Status{Kind: cos.Kind(k), Message: msg}, nil
}
