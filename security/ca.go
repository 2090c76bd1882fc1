package security

import (
	"crypto/tls"

	"github.com/pvaccess-go/pva/cmn/cos"
)

// CAPlugin authenticates a peer from the client certificate its TLS
// handshake already verified; there is no further PVA-level exchange,
// so CreateSession returns an already-completed Session. No example
// repo in this codebase's lineage carries a dedicated mTLS/cert
// library, so this plugin is built directly on crypto/tls -- the
// idiomatic, dependency-free way to inspect a verified peer
// certificate's subject.
type CAPlugin struct {
	state tls.ConnectionState
}

func NewCAPlugin(state tls.ConnectionState) *CAPlugin { return &CAPlugin{state: state} }

func (*CAPlugin) Name() string { return "ca" }

func (p *CAPlugin) CreateSession(string) (Session, error) {
	if len(p.state.PeerCertificates) == 0 {
		return nil, cos.Status{Kind: cos.KindFatal, Message: "ca: no verified peer certificate"}
	}
	cert := p.state.PeerCertificates[0]
	return &caSession{identity: Identity{
		Method: "ca",
		Name:   cert.Subject.CommonName,
		Roles:  cert.Subject.OrganizationalUnit,
	}}, nil
}

type caSession struct {
	identity Identity
}

func (s *caSession) Process([]byte) ([]byte, error) { return nil, nil }
func (s *caSession) Completed() bool                { return true }
func (s *caSession) Identity() Identity              { return s.identity }
