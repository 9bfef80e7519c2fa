package core

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

// NewBaseFixture opens a migrated in-memory database that is private to the test.
func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3",
		fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString()))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(db, "../migrations"); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

type ChatFixture struct {
	*BaseFixture
	userStore UserStore
	chatStore ChatStore
}

func NewChatFixture(t *testing.T) *ChatFixture {
	base := NewBaseFixture(t)
	userStore := NewSQLiteUserStore(base.db)
	return &ChatFixture{
		BaseFixture: base,
		userStore:   userStore,
		chatStore:   NewSQLiteChatStore(base.db, userStore),
	}
}

type UserFixture struct {
	*BaseFixture
	userStore UserStore
}

func NewUserFixture(t *testing.T) *UserFixture {
	base := NewBaseFixture(t)
	return &UserFixture{
		BaseFixture: base,
		userStore:   NewSQLiteUserStore(base.db),
	}
}

type AuthFixture struct {
	*BaseFixture
	userStore UserStore
	authStore AuthStore
}

func NewAuthFixture(t *testing.T) *AuthFixture {
	base := NewBaseFixture(t)
	userStore := NewSQLiteUserStore(base.db)
	return &AuthFixture{
		BaseFixture: base,
		userStore:   userStore,
		authStore:   NewSQLiteAuthStore(base.db, userStore, secret),
	}
}
