package hub

import (
	"context"
	"errors"

	"github.com/collabhub/hub/internal/access"
	"github.com/collabhub/hub/internal/documents"
	"github.com/collabhub/hub/internal/presence"
	"go.uber.org/zap"
)

func (s *Server) dispatch(ctx context.Context, session *Session, msg envelope) {
	switch msg.Type {
	case typeJoinDocument:
		s.handleJoin(ctx, session, msg, false)
	case typeRejoinDocument:
		s.handleJoin(ctx, session, msg, true)
	case typeLeaveDocument:
		s.handleLeave(session, msg)
	case typeYjsUpdate:
		s.handleUpdate(ctx, session, msg)
	case typeYjsAwareness:
		s.handleAwareness(session, msg)
	default:
		s.logger.Debug("dropping envelope with unknown type", zap.String("type", msg.Type))
	}
}

func (s *Server) handleJoin(ctx context.Context, session *Session, msg envelope, isRejoin bool) {
	documentID, err := documents.NewDocumentID(msg.DocumentID)
	if err != nil {
		s.direct(session, envelope{Type: typeAck, DocumentID: msg.DocumentID, Success: false, Error: "invalid_document_id"})
		return
	}
	userID, err := documents.NewUserID(session.user.ID)
	if err != nil {
		s.direct(session, envelope{Type: typeAck, DocumentID: msg.DocumentID, Success: false, Error: "invalid_document_id"})
		return
	}

	role, err := s.access.ResolveRole(ctx, documentID, userID)
	if errors.Is(err, access.ErrAccessDenied) {
		s.direct(session, envelope{Type: typeAck, DocumentID: msg.DocumentID, Success: false, Error: "access_denied"})
		return
	}
	if err != nil {
		s.logger.Error("access resolution failed", zap.Error(err))
		s.direct(session, envelope{Type: typeAck, DocumentID: msg.DocumentID, Success: false, Error: "internal_error"})
		return
	}

	doc, err := s.replicas.Acquire(ctx, documentID.String())
	if err != nil {
		s.logger.Error("replica acquisition failed", zap.String("document_id", documentID.String()), zap.Error(err))
		s.direct(session, envelope{Type: typeAck, DocumentID: msg.DocumentID, Success: false, Error: "internal_error"})
		return
	}

	var syncUpdate []byte
	if isRejoin {
		syncUpdate = doc.EncodeDiff(msg.StateVector)
	} else {
		syncUpdate = doc.EncodeStateAsUpdate()
	}
	s.direct(session, envelope{Type: typeYjsSync, DocumentID: documentID.String(), Update: syncUpdate})

	session.setRole(documentID.String(), role)
	subscribers := s.rooms.Join(documentID.String(), presence.Subscriber{
		SessionID: session.id,
		UserID:    session.user.ID,
		Email:     session.user.Email,
		Role:      string(role),
	})

	users := make([]userInfo, 0, len(subscribers))
	for _, subscriber := range subscribers {
		users = append(users, userInfo{UserID: subscriber.UserID, Email: subscriber.Email})
	}
	s.direct(session, envelope{Type: typeAck, DocumentID: documentID.String(), Success: true, Users: users})

	s.broadcast(documentID.String(), session.id, envelope{
		Type:       typeUserJoined,
		DocumentID: documentID.String(),
		UserID:     session.user.ID,
		Email:      session.user.Email,
	})
}

func (s *Server) handleLeave(session *Session, msg envelope) {
	documentID := msg.DocumentID
	if documentID == "" {
		return
	}
	// Leaving a document the session never joined is a silent no-op.
	if _, joined := session.roleFor(documentID); !joined {
		return
	}
	session.dropDocument(documentID)
	s.rooms.Leave(documentID, session.id)

	s.broadcast(documentID, session.id, envelope{
		Type:       typeUserLeft,
		DocumentID: documentID,
		UserID:     session.user.ID,
	})
	s.replicas.Retire(context.Background(), documentID)
}

func (s *Server) handleUpdate(ctx context.Context, session *Session, msg envelope) {
	documentID, err := documents.NewDocumentID(msg.DocumentID)
	if err != nil {
		return
	}
	userID, err := documents.NewUserID(session.user.ID)
	if err != nil {
		return
	}

	role, err := s.access.ResolveRole(ctx, documentID, userID)
	if err != nil && !errors.Is(err, access.ErrAccessDenied) {
		s.logger.Error("access resolution failed during update", zap.String("document_id", documentID.String()), zap.Error(err))
		return
	}
	if err != nil || !access.CanMutate(role) {
		if s.metrics != nil {
			s.metrics.PermissionDenials.Inc()
		}
		s.direct(session, envelope{
			Type:       typePermissionDenied,
			DocumentID: documentID.String(),
			Message:    "cannot edit: insufficient role",
		})
		return
	}

	doc, err := s.replicas.Acquire(ctx, documentID.String())
	if err != nil {
		s.logger.Error("replica acquisition failed during update", zap.Error(err))
		return
	}

	if err := doc.ApplyUpdate(msg.Update); err != nil {
		s.logger.Debug("dropping unconvergeable update", zap.String("document_id", documentID.String()), zap.Error(err))
		if s.metrics != nil {
			s.metrics.UpdatesRejected.Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.UpdatesApplied.Inc()
	}

	s.replicas.Touch(documentID.String())
	if s.replicas.RecordUpdate(documentID.String()) {
		go s.replicas.Save(context.Background(), documentID.String())
	}

	s.broadcast(documentID.String(), session.id, envelope{
		Type:       typeYjsUpdate,
		DocumentID: documentID.String(),
		Update:     msg.Update,
		UserID:     session.user.ID,
	})
}

func (s *Server) handleAwareness(session *Session, msg envelope) {
	documentID := msg.DocumentID
	if _, joined := session.roleFor(documentID); !joined {
		return
	}
	s.broadcast(documentID, session.id, envelope{
		Type:       typeYjsAwareness,
		DocumentID: documentID,
		Update:     msg.Update,
		UserID:     session.user.ID,
	})
}
