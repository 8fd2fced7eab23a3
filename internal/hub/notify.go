package hub

// Broadcast rewrites a NOTIFY.OUT body into a NOTIFY.IN frame and delivers
// it to every session in targets whose filter set accepts body (§4.5). The
// frame is packed once and reused for every recipient; a send failure marks
// that one session Closed and broadcast continues with the rest
// (best-effort, §4.5/§5).
func Broadcast(targets []*Session, body string) error {
	frame := NewFrame(NoResponse, NsNotify, VerbIn, body)
	packed, err := frame.Pack()
	if err != nil {
		return err
	}

	for _, sess := range targets {
		if sess.State() != StateConnected {
			continue
		}
		if !sess.checkFilters(body) {
			continue
		}
		_ = sess.SendBytes(packed)
	}

	return nil
}
