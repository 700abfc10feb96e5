package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/talkwire/chat-gateway/internal/chatstore"
)

// fakeStore is an in-memory chatstore.Store for tests. Error fields, when
// set, are returned by the corresponding method to simulate store outages.
type fakeStore struct {
	mu           sync.Mutex
	chats        map[string]*chatstore.Chat
	messages     []chatstore.Message
	participants map[string]string // projectID + "/" + externalID -> userID

	recentCount int
	findErr     error
	listErr     error
	createErr   error
	countErr    error
	markReadErr error

	touched []string
	marked  []string
}

func newFakeStore(chats ...*chatstore.Chat) *fakeStore {
	f := &fakeStore{
		chats:        make(map[string]*chatstore.Chat),
		participants: make(map[string]string),
	}
	for _, c := range chats {
		f.chats[c.ID] = c
	}
	return f
}

func (f *fakeStore) FindChatByID(ctx context.Context, chatID string) (*chatstore.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	c, ok := f.chats[chatID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) FindChatByParticipants(ctx context.Context, operatorID, participantID string) (*chatstore.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chats {
		if c.OperatorID == operatorID && c.ParticipantID == participantID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListChatsForUser(ctx context.Context, userID string) ([]chatstore.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []chatstore.Chat
	for _, c := range f.chats {
		if c.IsMember(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) ListChatsForUserInProject(ctx context.Context, userID, projectID string) ([]chatstore.Chat, error) {
	all, err := f.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []chatstore.Chat
	for _, c := range all {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, in *chatstore.NewMessage) (*chatstore.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	msg := chatstore.Message{
		ID:        fmt.Sprintf("msg-%d", len(f.messages)+1),
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		FileURL:   in.FileURL,
		FileName:  in.FileName,
		MimeType:  in.MimeType,
		CreatedAt: time.Now(),
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeStore) CountRecentMessagesBySender(ctx context.Context, userID string, window time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.recentCount, nil
}

func (f *fakeStore) GetUnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if m.ChatID == chatID && m.SenderID != userID && !m.Read {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkChatRead(ctx context.Context, chatID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadErr != nil {
		return f.markReadErr
	}
	f.marked = append(f.marked, chatID+"/"+userID)
	for i := range f.messages {
		if f.messages[i].ChatID == chatID && f.messages[i].SenderID != userID {
			f.messages[i].Read = true
		}
	}
	return nil
}

func (f *fakeStore) TouchChat(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, chatID)
	return nil
}

func (f *fakeStore) ResolveParticipantUserID(ctx context.Context, externalParticipantID, projectID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participants[projectID+"/"+externalParticipantID], nil
}
