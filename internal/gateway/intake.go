package gateway

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/talkwire/chat-gateway/internal/chatstore"
	"github.com/talkwire/chat-gateway/internal/protocol"
)

// IntakeConfig holds content limits for message submission.
type IntakeConfig struct {
	MaxContentChars int // maximum content length in characters
}

// DefaultIntakeConfig returns the standard 1000-character content cap.
func DefaultIntakeConfig() IntakeConfig {
	return IntakeConfig{MaxContentChars: 1000}
}

// Rejection is an expected submission failure: the message was refused by
// policy, no state was mutated, and the client gets a structured error. It
// is distinct from infrastructure errors, which wrap the underlying cause.
type Rejection struct {
	Code   string // protocol error code
	Reason string // human-readable detail
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("gateway: message rejected (%s): %s", r.Code, r.Reason)
}

func reject(code, reason string) *Rejection {
	return &Rejection{Code: code, Reason: reason}
}

// imageExtensions is the allow-list used for IMAGE type inference and
// validation.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".svg":  true,
}

// isImageName reports whether the file name carries an allow-listed image
// extension.
func isImageName(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// Intake is the message submission pipeline: authorization, chat-state
// check, content validation, spam throttling, type inference, then
// persistence, strictly in that order. Nothing is persisted for a rejected message, and
// no broadcast happens before successful persistence.
type Intake struct {
	config IntakeConfig
	store  chatstore.Store
	guard  *SpamGuard
}

// NewIntake creates an Intake persisting via store and throttling via guard.
func NewIntake(config IntakeConfig, store chatstore.Store, guard *SpamGuard) *Intake {
	return &Intake{config: config, store: store, guard: guard}
}

// Submit runs the full pipeline for one message. On policy refusal it
// returns a *Rejection; any other non-nil error is an infrastructure
// failure that the caller must surface, not swallow. On success the
// persisted message is returned and the caller is responsible for
// broadcasting it.
func (i *Intake) Submit(ctx context.Context, senderID, chatID, content, msgType string, meta *protocol.MessageMetadata) (*chatstore.Message, error) {
	// Authorization against the chat record, re-fetched every time.
	chat, err := i.store.FindChatByID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("gateway: submit chat lookup: %w", err)
	}
	if chat == nil {
		return nil, reject(protocol.CodeNotFound, "chat not found")
	}
	if !chat.IsMember(senderID) {
		return nil, reject(protocol.CodeAccessDenied, "sender is not a member of this chat")
	}
	if !chat.Active {
		return nil, reject(protocol.CodeChatInactive, "chat is deactivated")
	}

	// Content validation.
	if content == "" {
		return nil, reject(protocol.CodeInvalidContent, "message content is empty")
	}
	if !utf8.ValidString(content) {
		return nil, reject(protocol.CodeInvalidContent, "message content is not valid UTF-8")
	}
	if utf8.RuneCountInString(content) > i.config.MaxContentChars {
		return nil, reject(protocol.CodeInvalidContent,
			fmt.Sprintf("message exceeds %d character limit", i.config.MaxContentChars))
	}

	// Spam throttle, checked before persistence so throttled messages
	// never hit the store. The guard fails open on store errors.
	remaining, err := i.guard.Check(ctx, senderID)
	if err != nil {
		log.Printf("gateway: spam guard check failed for user=%s (failing open): %v", senderID, err)
	}
	if remaining > 0 {
		secs := int(remaining.Round(time.Second).Seconds())
		return nil, reject(protocol.CodeMessageSpam,
			fmt.Sprintf("throttled, retry in %d seconds", secs))
	}

	// Type inference and attachment validation.
	resolvedType, err := resolveMessageType(msgType, meta)
	if err != nil {
		return nil, err
	}

	in := &chatstore.NewMessage{
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
		Type:     resolvedType,
	}
	if meta != nil {
		in.FileURL = meta.FileURL
		in.FileName = meta.FileName
		in.MimeType = meta.MimeType
	}

	msg, err := i.store.CreateMessage(ctx, in)
	if err != nil {
		// Past authorization, a persistence failure is a hard error, not a
		// validation rejection.
		return nil, fmt.Errorf("gateway: persist message: %w", err)
	}

	// The message exists; a failed activity bump is not worth failing the
	// submission over.
	if err := i.store.TouchChat(ctx, chatID); err != nil {
		log.Printf("gateway: touch chat %s: %v", chatID, err)
	}

	return msg, nil
}

// resolveMessageType validates an explicit message type or infers one from
// the metadata: an image mime-type or image-named file means IMAGE, any
// other attachment means FILE, everything else is TEXT. IMAGE messages,
// explicit or inferred, must carry a file URL and an image-named file.
func resolveMessageType(msgType string, meta *protocol.MessageMetadata) (string, error) {
	resolved := msgType
	switch resolved {
	case chatstore.MessageText, chatstore.MessageImage, chatstore.MessageFile:
	case "":
		resolved = inferMessageType(meta)
	default:
		return "", reject(protocol.CodeInvalidContent,
			fmt.Sprintf("unknown message type %q", msgType))
	}

	if resolved == chatstore.MessageImage {
		if meta == nil || meta.FileURL == "" || !isImageName(meta.FileName) {
			return "", reject(protocol.CodeInvalidContent,
				"image messages require a file URL and an image file name")
		}
	}
	return resolved, nil
}

func inferMessageType(meta *protocol.MessageMetadata) string {
	if meta == nil {
		return chatstore.MessageText
	}
	if strings.HasPrefix(strings.ToLower(meta.MimeType), "image/") || isImageName(meta.FileName) {
		return chatstore.MessageImage
	}
	if meta.FileURL != "" || meta.FileName != "" {
		return chatstore.MessageFile
	}
	return chatstore.MessageText
}
