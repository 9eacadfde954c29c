package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatConversation encodes a chat and optional forum thread as a conversation id:
// "<chat>" or "<chat>:<thread>".
func FormatConversation(chatID int64, threadID int) string {
	s := strconv.FormatInt(chatID, 10)
	if threadID > 0 {
		s += ":" + strconv.Itoa(threadID)
	}
	return s
}

// ParseConversation is the inverse of FormatConversation.
func ParseConversation(id string) (chatID int64, threadID int, err error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(id), ":")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid telegram conversation id %q", id)
	}
	if hasThread {
		threadID, err = strconv.Atoi(thread)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("invalid telegram thread in conversation id %q", id)
		}
	}
	return chatID, threadID, nil
}
