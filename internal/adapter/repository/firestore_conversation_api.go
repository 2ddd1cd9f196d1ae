package repository

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"swiftservice/internal/domain/entity"
	"swiftservice/internal/domain/repository"
	"swiftservice/pkg/errors"
	"swiftservice/pkg/logger"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	usersCollection         = "users"
)

// UserIDFunc returns the id of the signed-in user, or "" when signed out.
type UserIDFunc func() string

type firestoreConversationAPI struct {
	client *firestore.Client
	userID UserIDFunc
}

// NewFirestoreConversationAPI reads conversations straight from Firestore
// instead of going through the REST backend.
func NewFirestoreConversationAPI(client *firestore.Client, userID UserIDFunc) repository.ConversationAPI {
	return &firestoreConversationAPI{
		client: client,
		userID: userID,
	}
}

func (r *firestoreConversationAPI) currentUser() (string, error) {
	uid := r.userID()
	if uid == "" {
		return "", errors.NoToken(nil)
	}
	return uid, nil
}

func (r *firestoreConversationAPI) CreateOrGetConversation(ctx context.Context, otherUserID string) (string, error) {
	uid, err := r.currentUser()
	if err != nil {
		return "", err
	}
	if otherUserID == "" || otherUserID == uid {
		return "", errors.BadRequest("invalid other user id", nil)
	}

	existing, err := r.findConversationWith(ctx, uid, otherUserID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	conv := entity.Conversation{
		ID:             uuid.New().String(),
		ParticipantIDs: []string{uid, otherUserID},
		ParticipantInfo: map[string]entity.Participant{
			uid:         r.participant(ctx, uid),
			otherUserID: r.participant(ctx, otherUserID),
		},
		LastMessageTime: time.Now(),
		UnreadCount:     map[string]int{uid: 0, otherUserID: 0},
	}

	_, err = r.client.Collection(conversationsCollection).Doc(conv.ID).Create(ctx, conv)
	if err != nil {
		return "", errors.Upstream("Failed to create conversation", 0, err)
	}
	return conv.ID, nil
}

func (r *firestoreConversationAPI) findConversationWith(ctx context.Context, uid, otherUserID string) (string, error) {
	iter := r.client.Collection(conversationsCollection).
		Where("participantIds", "array-contains", uid).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return "", nil
		}
		if err != nil {
			return "", errors.Upstream("Failed to query conversations", 0, err)
		}

		var conv entity.Conversation
		if err := doc.DataTo(&conv); err != nil {
			logger.Warn("firestore: skipping conversation %s: %v", doc.Ref.ID, err)
			continue
		}
		if conv.HasParticipant(otherUserID) {
			return doc.Ref.ID, nil
		}
	}
}

func (r *firestoreConversationAPI) participant(ctx context.Context, userID string) entity.Participant {
	doc, err := r.client.Collection(usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) != codes.NotFound {
			logger.Warn("firestore: participant lookup for %s failed: %v", userID, err)
		}
		return entity.Participant{}
	}
	var p entity.Participant
	if err := doc.DataTo(&p); err != nil {
		logger.Warn("firestore: participant %s unreadable: %v", userID, err)
	}
	return p
}

// ListConversations returns the current user's conversations, most
// recent first.
func (r *firestoreConversationAPI) ListConversations(ctx context.Context) ([]entity.Conversation, error) {
	uid, err := r.currentUser()
	if err != nil {
		return nil, err
	}

	iter := r.client.Collection(conversationsCollection).
		Where("participantIds", "array-contains", uid).
		Documents(ctx)
	defer iter.Stop()

	convs := []entity.Conversation{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Upstream("Failed to iterate conversations", 0, err)
		}

		var conv entity.Conversation
		if err := doc.DataTo(&conv); err != nil {
			return nil, errors.Internal("Failed to parse conversation data", err)
		}
		conv.ID = doc.Ref.ID
		convs = append(convs, conv)
	}

	// sorted here rather than with OrderBy to avoid a composite index
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageTime.After(convs[j].LastMessageTime)
	})
	return convs, nil
}

func (r *firestoreConversationAPI) ListMessages(ctx context.Context, conversationID string) ([]entity.Message, error) {
	if _, err := r.currentUser(); err != nil {
		return nil, err
	}

	iter := r.client.Collection(conversationsCollection).Doc(conversationID).
		Collection(messagesCollection).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	msgs := []entity.Message{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Upstream("Failed to iterate messages", 0, err)
		}

		var msg entity.Message
		if err := doc.DataTo(&msg); err != nil {
			return nil, errors.Internal("Failed to parse message data", err)
		}
		msg.ID = doc.Ref.ID
		msg.ConversationID = conversationID
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkConversationRead zeroes the current user's unread counter.
func (r *firestoreConversationAPI) MarkConversationRead(ctx context.Context, conversationID string) error {
	uid, err := r.currentUser()
	if err != nil {
		return err
	}

	_, err = r.client.Collection(conversationsCollection).Doc(conversationID).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"unreadCount", uid}, Value: 0},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return errors.NotFound("Conversation", err)
		}
		return errors.Upstream("Failed to mark conversation as read", 0, err)
	}
	return nil
}
