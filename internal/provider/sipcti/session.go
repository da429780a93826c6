package sipcti

import (
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/ctibridge/internal/media"
)

// callDirection distinguishes who originated the active call.
type callDirection int

const (
	dirNone callDirection = iota
	dirOutbound
	dirInbound
)

// session is the gateway's per-extension state: registration credentials,
// the active call's dialog identifiers, and the anchor leg carrying its
// audio. All fields are guarded by mu.
type session struct {
	extension string

	mu         sync.Mutex
	password   string
	registered bool
	subscribed bool

	// active call dialog state
	direction callDirection
	callID    string
	peer      string
	localTag  string
	remoteTag string
	localFrom sip.Uri
	remoteTo  sip.Uri
	remoteURI sip.Uri // Request-URI for in-dialog requests (remote Contact)
	answered  bool

	// outbound: the in-flight INVITE, for CANCEL
	invite *sip.Request

	// inbound: the held INVITE transaction, answered or declined later
	inboundReq *sip.Request
	inboundTx  sip.ServerTransaction

	// tokens correlating gateway events back to issued commands
	hangupToken string
	answerToken string

	anchor *media.Anchor
}

// beginCallLocked records a new active call. The previous call, if any, is
// torn down first.
func (s *session) beginCallLocked(dir callDirection, callID, peer string) {
	s.closeAnchorLocked()
	s.direction = dir
	s.callID = callID
	s.peer = peer
	s.localTag = ""
	s.remoteTag = ""
	s.answered = false
	s.invite = nil
	s.inboundReq = nil
	s.inboundTx = nil
	s.hangupToken = ""
	s.answerToken = ""
}

// clearCallLocked resets call state after the call ends.
func (s *session) clearCallLocked() {
	s.closeAnchorLocked()
	s.direction = dirNone
	s.callID = ""
	s.peer = ""
	s.localTag = ""
	s.remoteTag = ""
	s.answered = false
	s.invite = nil
	s.inboundReq = nil
	s.inboundTx = nil
	s.hangupToken = ""
	s.answerToken = ""
}

func (s *session) closeAnchorLocked() {
	if s.anchor != nil {
		_ = s.anchor.Close()
		s.anchor = nil
	}
}
