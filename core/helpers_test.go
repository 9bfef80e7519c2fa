package core

import (
	"context"
	"testing"
)

var (
	owner   = User{Username: "owner", Password: "password", Name: "Owner"}
	member1 = User{Username: "member1", Password: "password", Name: "Member 1"}
	member2 = User{Username: "member2", Password: "password", Name: "Member 2"}
)

func seedUsers(ctx context.Context, t *testing.T, userStore UserStore, users ...User) {
	for _, u := range users {
		if err := userStore.CreateUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
}

// seedChat creates a chat owned by owner with the given members.
func seedChat(f *ChatFixture, name string, owner User, members ...User) string {
	usernames := make([]string, 0, len(members))
	for _, m := range members {
		usernames = append(usernames, m.Username)
	}
	id, err := f.chatStore.CreateChat(f.ctx, name, owner.Username, usernames...)
	if err != nil {
		f.t.Fatal(err)
	}
	return id
}

func seedMessages(f *ChatFixture, chatID string, sender User, contents ...string) []Message {
	messages := make([]Message, 0, len(contents))
	for _, c := range contents {
		m, err := f.chatStore.SendMessage(f.ctx, MessageCreateInput{
			ChatID:  chatID,
			Sender:  sender.Username,
			Content: c,
		})
		if err != nil {
			f.t.Fatal(err)
		}
		messages = append(messages, *m)
	}
	return messages
}

func messageIDs(messages []Message) []int64 {
	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}
