package subscription

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.psa.dev/core/wire"
)

// receiveLoop is the single dedicated thread per TopicSubscription (spec
// §4.3, §5). It drains pending connect/disconnect queues, then
// epoll_waits with a 250ms ceiling, then dispatches ready fds.
func (ts *TopicSubscription) receiveLoop() {
	defer close(ts.doneCh)

	var events = make([]unix.EpollEvent, MaxEpollEvents)
	for {
		ts.drainPendingConnects()
		ts.drainPendingDisconnects()

		select {
		case <-ts.stopCh:
			return
		default:
		}

		n, err := unix.EpollWait(ts.epollFd, events, int(PollTimeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.WithError(err).Warn("subscription: epoll_wait failed")
			continue
		}

		for i := 0; i < n; i++ {
			var fd = int(events[i].Fd)
			if fd == ts.selfPipeR {
				var buf = make([]byte, 16)
				_, _ = unix.Read(ts.selfPipeR, buf)
				continue
			}
			ts.handleReadable(fd)
		}

		select {
		case <-ts.stopCh:
			return
		default:
		}
	}
}

// drainPendingConnects opens a receive socket for every queued peer URL
// and registers it in the epoll set (spec §4.3 Connect). Modifying the
// epoll set concurrently with a blocked epoll_wait is unsafe, which is why
// this runs only on the receive thread between poll iterations.
func (ts *TopicSubscription) drainPendingConnects() {
	ts.tsLock.Lock()
	var pending = ts.pendingConnects
	ts.pendingConnects = nil
	ts.tsLock.Unlock()

	for _, url := range pending {
		ts.tsLock.Lock()
		_, exists := ts.peers[url]
		ts.tsLock.Unlock()
		if exists {
			continue
		}

		fd, err := ts.dial(url)
		if err != nil {
			log.WithError(err).WithField("peer", url).Warn("subscription: connect failed")
			continue
		}

		if err := unix.EpollCtl(ts.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
			log.WithError(err).WithField("peer", url).Warn("subscription: epoll_ctl add failed")
			_ = unix.Close(fd)
			continue
		}

		ts.tsLock.Lock()
		ts.peers[url] = &peerConn{url: url, fd: fd, state: stateConnected}
		ts.tsLock.Unlock()

		ts.runDeferredInits()
	}
}

// drainPendingDisconnects unregisters and closes peer sockets queued for
// disconnect (spec §4.3).
func (ts *TopicSubscription) drainPendingDisconnects() {
	ts.tsLock.Lock()
	var pending = ts.pendingDisconnects
	ts.pendingDisconnects = nil
	ts.tsLock.Unlock()

	for _, url := range pending {
		ts.tsLock.Lock()
		p, ok := ts.peers[url]
		if ok {
			delete(ts.peers, url)
		}
		ts.tsLock.Unlock()
		if !ok {
			continue
		}
		_ = unix.EpollCtl(ts.epollFd, unix.EPOLL_CTL_DEL, p.fd, nil)
		_ = unix.Close(p.fd)
	}
}

// runDeferredInits invokes Init on any subscriber that has not yet been
// initialized, on the receive thread (spec §4.3 "Subscriber tracking":
// "Initialization of a subscriber ... is deferred to the receive thread").
func (ts *TopicSubscription) runDeferredInits() {
	ts.tsLock.Lock()
	var toInit []*Subscriber
	for _, s := range ts.subscribers {
		if !s.initDone && s.Init != nil {
			toInit = append(toInit, s)
		}
	}
	ts.tsLock.Unlock()

	for _, s := range toInit {
		if err := s.Init(); err != nil {
			log.WithError(err).WithField("endpoint", s.Endpoint.ID()).Warn("subscriber init failed")
		}
		s.initDone = true
	}
}

// handleReadable performs one LargeUdp.dataAvailable step on fd and, if a
// message completed assembly, dispatches it (spec §4.3 step 4-6). ZMQ peers
// are demultiplexed separately since their fds are not raw sockets and
// carry multipart framing of their own (spec §9(b)).
func (ts *TopicSubscription) handleReadable(fd int) {
	if ts.cfg.Transport == TransportZMQ {
		ts.handleReadableZMQ(fd)
		return
	}

	idx, _, ok, err := ts.largeUDP.DataAvailable(fd)
	if err != nil {
		log.WithError(err).Debug("subscription: dataAvailable error")
		return
	}
	if !ok {
		return
	}
	buf, err := ts.largeUDP.Read(idx)
	if err != nil {
		log.WithError(err).Warn("subscription: read reassembled buffer failed")
		return
	}
	ts.dispatch(buf)
}

// dispatch implements spec §4.3 step 5: parse the frame header, look up
// msgTypeId in each tracked subscriber's serializer map, version-check,
// deserialize, and invoke Receive.
func (ts *TopicSubscription) dispatch(buf []byte) {
	hdr, err := wire.ParseFrameHeader(buf)
	if err != nil {
		log.WithError(err).Warn("subscription: malformed frame header, dropping")
		return
	}
	var off = wire.FrameHeaderSize
	payloadSize, err := wire.ParsePayloadSize(buf[off:])
	if err != nil {
		log.WithError(err).Warn("subscription: malformed payload size, dropping")
		return
	}
	off += 4
	if off+int(payloadSize) > len(buf) {
		log.Warn("subscription: payload size exceeds frame, dropping")
		return
	}
	var payload = buf[off : off+int(payloadSize)]

	ts.tsLock.Lock()
	var subs = append([]*Subscriber(nil), ts.subscribers...)
	ts.tsLock.Unlock()

	for _, s := range subs {
		if !s.initDone && s.Init != nil {
			if err := s.Init(); err != nil {
				log.WithError(err).WithField("endpoint", s.Endpoint.ID()).Warn("subscriber init failed")
			}
			s.initDone = true
		}
		if s.Map == nil {
			log.WithField("endpoint", s.Endpoint.ID()).Debug("subscription: no serializer map, dropping")
			continue
		}
		entry, ok := s.Map.Lookup(hdr.MsgTypeID)
		if !ok {
			log.WithFields(log.Fields{"endpoint": s.Endpoint.ID(), "msgTypeId": hdr.MsgTypeID}).
				Debug("subscription: no serializer entry, dropping")
			continue
		}
		if !checkVersion(hdr.MsgVersion, entry.MsgVersion) {
			log.WithFields(log.Fields{
				"endpoint": s.Endpoint.ID(),
				"sender":   hdr.MsgVersion,
				"receiver": entry.MsgVersion,
			}).Warn("subscription: incompatible message version, dropping")
			continue
		}

		msgInst, err := entry.Deserialize(payload)
		if err != nil {
			log.WithError(err).WithField("endpoint", s.Endpoint.ID()).Warn("subscription: deserialize failed, dropping")
			continue
		}

		release, err := s.Receive(entry.MsgName, hdr.MsgTypeID, msgInst)
		if err != nil {
			log.WithError(err).WithField("endpoint", s.Endpoint.ID()).Warn("subscriber receive returned error")
		}
		if release && entry.FreeMsg != nil {
			entry.FreeMsg(msgInst)
		}
	}
}
