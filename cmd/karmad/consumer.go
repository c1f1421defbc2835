package main

import (
	"context"

	"github.com/icemail/karma/karma/engine"
	"github.com/icemail/karma/karma/stream"
)

// RunConsumer subscribes to results for every session and feeds them into
// the engine, tracking scoring state per session ID.
func (s *Server) RunConsumer(ctx context.Context) error {
	sub, err := s.events.Subscribe(ctx, "*")
	if err != nil {
		return err
	}
	defer sub.Close()

	s.logger.Info("consuming result stream")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			resultsReceived.Inc()
			s.handleMessage(msg)
		}
	}
}

func (s *Server) handleMessage(msg stream.Message) {
	if msg.Session == "" {
		s.logger.Warn("dropping result with no session", "producer", msg.Event.Producer)
		return
	}
	sess, ok := s.sessions.Get(msg.Session)
	if !ok {
		sess = s.engine.NewSession(context.Background(), engine.SessionInfo{ID: msg.Session})
		s.sessions.Add(msg.Session, sess)
		sessionsStarted.Inc()
	}
	s.engine.HandleResult(sess, msg.Event)
	trackedSessions.Set(float64(s.sessions.Len()))
}
