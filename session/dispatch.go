package session

import (
	"io"

	"github.com/pvaccess-go/pva/bytebuf"
	"github.com/pvaccess-go/pva/cmn/cos"
	"github.com/pvaccess-go/pva/cmn/nlog"
	"github.com/pvaccess-go/pva/transport"
	"github.com/pvaccess-go/pva/wire"
)

// Handler receives every application frame this Session's read
// goroutine decodes once VERIFIED, and is told exactly once when the
// transport closes (spec.md §4.5: "all channels and operations MUST
// receive a connection-state-change(DISCONNECTED) callback exactly
// once"). A client.Client/Channel set or a server.Server/ServerChannel
// set implements this to turn decoded bytes into the CID/SID/IOID
// registry lookups and Operation callbacks spec.md §4.7/§4.8 describe;
// session itself only owns framing and never looks inside a payload
// beyond the header.
type Handler interface {
	HandleFrame(cmd wire.Command, order bytebuf.Order, payload *bytebuf.Buffer) error
	HandleClosed(cause error)
}

// RunRecv drives the read side: decode one frame at a time, dispatch
// control frames to the session's own onControl (ECHO) and everything
// else to h, until the socket closes or a frame decode reports
// InvalidDataStream (spec.md §4.2 failure semantics). Meant to run on
// its own goroutine for the session's lifetime, mirroring RunSendQ on
// the write side.
func (s *Session) RunRecv(h Handler) {
	for {
		fr, err := s.reader.NextFrame()
		if err != nil {
			cause := err
			if cos.IsEOF(err) || err == io.EOF {
				cause = cos.ErrConnectionClosed
			}
			_ = s.Close(cause)
			h.HandleClosed(cause)
			return
		}
		if fr.Control {
			s.onControl(fr.Command, fr.Param)
			continue
		}
		buf, err := readAllBuf(fr)
		if err != nil {
			_ = s.Close(cos.ErrConnectionClosed)
			h.HandleClosed(cos.ErrConnectionClosed)
			return
		}
		if err := h.HandleFrame(fr.Command, fr.Order, buf); err != nil {
			if st, ok := err.(cos.Status); ok && st.FatalToTransport() {
				_ = s.Close(err)
				h.HandleClosed(err)
				return
			}
			nlog.Warningf("session %s: frame %v handling error: %v", s.guid, fr.Command, err)
		}
	}
}

// readAllBuf drains a frame's (possibly segmented) logical body into a
// single bytebuf.Buffer positioned at 0, ready for typed gets -- the
// de-segmentation transparency spec.md §4.2 promises means callers
// never see segment boundaries.
func readAllBuf(fr transport.Frame) (*bytebuf.Buffer, error) {
	if fr.Body == nil {
		return bytebuf.Wrap(nil), nil
	}
	raw, err := io.ReadAll(fr.Body)
	if err != nil {
		return nil, err
	}
	b := bytebuf.Wrap(raw)
	b.SetOrder(fr.Order)
	return b, nil
}
