package hub

import (
	"fmt"
	"strconv"

	"github.com/ncsurobotics/libseawolf/internal/hublog"
)

// dispatch routes one received frame by namespace/verb (§4.4). COMM.AUTH
// and COMM.SHUTDOWN are handled regardless of session state; everything
// else requires CONNECTED. Any frame the table doesn't recognize kicks the
// session with "Illegal message" (§4.2, §4.4, §7).
func (s *Server) dispatch(sess *Session, frame *Frame) {
	comp := frame.Comp
	if len(comp) < 2 {
		sess.kick(ReasonIllegalMessage)
		return
	}

	ns, verb := comp[0], comp[1]

	if ns == NsComm {
		s.dispatchComm(sess, frame, verb)
		return
	}

	if sess.State() != StateConnected {
		sess.kick(ReasonIllegalMessage)
		return
	}

	switch ns {
	case NsNotify:
		s.dispatchNotify(sess, frame, verb)
	case NsVar:
		s.dispatchVar(sess, frame, verb)
	case NsWatch:
		s.dispatchWatch(sess, frame, verb)
	case NsLog:
		s.dispatchLog(sess, frame)
	default:
		sess.kick(ReasonIllegalMessage)
	}
}

// dispatchComm handles AUTH and SHUTDOWN, the two frames legal in any
// session state (§4.2 state machine).
func (s *Server) dispatchComm(sess *Session, frame *Frame, verb string) {
	comp := frame.Comp

	switch verb {
	case VerbAuth:
		if len(comp) != 3 {
			sess.kick(ReasonIllegalMessage)
			return
		}
		if comp[2] != s.cfg.Password {
			_ = sess.Send(NewFrame(frame.RequestID, NsComm, VerbFailure))
			sess.kick(ReasonAuthFailure)
			return
		}
		sess.setAuthenticated()
		_ = sess.Send(NewFrame(frame.RequestID, NsComm, VerbSuccess))

	case VerbShutdown:
		if len(comp) != 2 {
			sess.kick(ReasonIllegalMessage)
			return
		}
		sess.closeGraceful()

	default:
		sess.kick(ReasonIllegalMessage)
	}
}

// dispatchNotify handles NOTIFY.OUT/ADD_FILTER/CLEAR_FILTERS (§4.4, §4.5).
func (s *Server) dispatchNotify(sess *Session, frame *Frame, verb string) {
	comp := frame.Comp

	switch verb {
	case VerbOut:
		if len(comp) != 3 {
			sess.kick(ReasonIllegalMessage)
			return
		}
		_ = Broadcast(s.activeSessions(), comp[2])

	case VerbAddFilter:
		if len(comp) != 4 {
			sess.kick(ReasonIllegalMessage)
			return
		}
		kindInt, err := strconv.Atoi(comp[2])
		if err != nil {
			sess.kick(ReasonIllegalMessage)
			return
		}
		kind := FilterKind(kindInt)
		if !kind.Valid() {
			sess.kick(ReasonIllegalMessage)
			return
		}
		sess.addFilter(kind, comp[3])

	case VerbClearFilters:
		if len(comp) != 2 {
			sess.kick(ReasonIllegalMessage)
			return
		}
		sess.clearFilters()

	default:
		sess.kick(ReasonIllegalMessage)
	}
}

// dispatchVar handles VAR.GET/SET (§4.4, §4.6).
func (s *Server) dispatchVar(sess *Session, frame *Frame, verb string) {
	comp := frame.Comp

	switch verb {
	case VerbGet:
		if len(comp) != 3 {
			sess.kick(ReasonIllegalMessage)
			return
		}
		name := comp[2]
		value, readonly, err := s.vars.GetValue(name)
		if err != nil {
			sess.kick(fmt.Sprintf(ReasonInvalidVarAccess, name))
			return
		}
		roStr := "RW"
		if readonly {
			roStr = "RO"
		}
		_ = sess.Send(NewFrame(frame.RequestID, NsVar, VerbValue, roStr, formatValue(value)))

	case VerbSet:
		if len(comp) != 4 {
			sess.kick(ReasonIllegalMessage)
			return
		}
		name := comp[2]
		val, err := strconv.ParseFloat(comp[3], 64)
		if err != nil {
			sess.kick(ReasonIllegalMessage)
			return
		}
		if err := s.vars.SetValue(name, val, func() { s.persist.Signal() }); err != nil {
			sess.kick(fmt.Sprintf(ReasonInvalidVarAccess, name))
			return
		}

	default:
		sess.kick(ReasonIllegalMessage)
	}
}

// dispatchWatch handles WATCH.ADD/DEL (§4.4, §4.6).
func (s *Server) dispatchWatch(sess *Session, frame *Frame, verb string) {
	comp := frame.Comp
	if len(comp) != 3 {
		sess.kick(ReasonIllegalMessage)
		return
	}
	name := comp[2]

	switch verb {
	case VerbWatchAdd:
		if err := s.vars.Subscribe(name, sess); err != nil {
			sess.kick(fmt.Sprintf(ReasonInvalidSubscribe, name))
		}

	case VerbWatchDel:
		if err := s.vars.Unsubscribe(name, sess); err != nil {
			sess.kick(fmt.Sprintf(ReasonInvalidUnsubscribe, name))
		}

	default:
		sess.kick(ReasonIllegalMessage)
	}
}

// dispatchLog handles the LOG namespace, whose component[1] is an
// application name rather than a verb (§4.4, §6): LOG, app-name,
// severity-int, msg.
func (s *Server) dispatchLog(sess *Session, frame *Frame) {
	comp := frame.Comp
	if len(comp) != 4 {
		sess.kick(ReasonIllegalMessage)
		return
	}

	appName := comp[1]
	sevInt, err := strconv.Atoi(comp[2])
	if err != nil || sevInt < int(hublog.DEBUG) || sevInt > int(hublog.CRITICAL) {
		sess.kick(ReasonIllegalMessage)
		return
	}

	s.log.LogAs(appName, hublog.Level(sevInt), "%s", comp[3])
}
