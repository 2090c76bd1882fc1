package security

// AnonymousPlugin grants every peer an unauthenticated identity in a
// single round trip; the default and only mandatory plugin per
// spec.md §4.10.
type AnonymousPlugin struct{}

func NewAnonymousPlugin() *AnonymousPlugin { return &AnonymousPlugin{} }

func (*AnonymousPlugin) Name() string { return "anonymous" }

func (*AnonymousPlugin) CreateSession(peerAddr string) (Session, error) {
	return &anonymousSession{identity: Identity{Method: "anonymous", Name: peerAddr}}, nil
}

type anonymousSession struct {
	identity Identity
}

func (s *anonymousSession) Process([]byte) ([]byte, error) { return nil, nil }
func (s *anonymousSession) Completed() bool                { return true }
func (s *anonymousSession) Identity() Identity              { return s.identity }
