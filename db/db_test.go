package db

import (
	"path/filepath"
	"testing"
	"time"

	"messapp/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	database, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func TestUserLifecycle(t *testing.T) {
	database := setupTestDB(t)

	exists, err := database.UserExists("alice")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, database.AddUser("alice", "hash-a", "pubkey-a"))

	exists, err = database.UserExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)

	hash, err := database.GetPasswordHash("alice")
	require.NoError(t, err)
	assert.Equal(t, "hash-a", hash)

	pubkey, err := database.GetPublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "pubkey-a", pubkey)

	// Логин уникален
	assert.Error(t, database.AddUser("alice", "hash-b", ""))

	_, err = database.GetPasswordHash("ghost")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestLoginReplacesActiveSession(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.AddUser("alice", "hash", ""))

	now := time.Now().UTC()
	require.NoError(t, database.LoginUser("alice", "10.0.0.1", 1111, "pk1", now))
	require.NoError(t, database.LoginUser("alice", "10.0.0.2", 2222, "pk2", now.Add(time.Second)))

	sessions, err := database.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1, "at most one active session per user")
	assert.Equal(t, "alice", sessions[0].Login)
	assert.Equal(t, "10.0.0.2", sessions[0].IP)
	assert.Equal(t, 2222, sessions[0].Port)

	pubkey, err := database.GetPublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "pk2", pubkey, "login updates the stored public key")
}

func TestLogoutAndHistory(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.AddUser("alice", "hash", ""))

	now := time.Now().UTC()
	require.NoError(t, database.LoginUser("alice", "10.0.0.1", 1111, "", now))
	require.NoError(t, database.LogoutUser("alice", "10.0.0.1", 1111, now.Add(time.Minute)))

	sessions, err := database.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	events, err := database.GetConnectionHistory("alice", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Новейшие события первыми
	assert.Equal(t, models.EventDisconnect, events[0].Event)
	assert.Equal(t, models.EventConnect, events[1].Event)
	assert.Equal(t, "10.0.0.1", events[0].IP)
}

func TestActiveSessionsClearedAtStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")

	database, err := New(path)
	require.NoError(t, err)
	require.NoError(t, database.AddUser("alice", "hash", ""))
	require.NoError(t, database.LoginUser("alice", "10.0.0.1", 1111, "", time.Now().UTC()))
	require.NoError(t, database.Close())

	// Сервер перезапустился: от старых сессий не должно остаться следа
	database, err = New(path)
	require.NoError(t, err)
	defer database.Close()

	sessions, err := database.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestContacts(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.AddUser("alice", "hash", ""))
	require.NoError(t, database.AddUser("bob", "hash", ""))

	require.NoError(t, database.AddContact("alice", "bob"))
	// Повторное добавление не плодит дубликаты
	require.NoError(t, database.AddContact("alice", "bob"))

	contacts, err := database.GetContacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, contacts)

	// Контакты направленные: у bob список пуст
	contacts, err = database.GetContacts("bob")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	require.NoError(t, database.RemoveContact("alice", "bob"))
	// Удаление отсутствующего контакта — не ошибка
	require.NoError(t, database.RemoveContact("alice", "bob"))

	contacts, err = database.GetContacts("alice")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestMessageCounters(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.AddUser("alice", "hash", ""))
	require.NoError(t, database.AddUser("bob", "hash", ""))

	counters, err := database.GetCounters("alice")
	require.NoError(t, err)
	assert.Zero(t, counters.Sent)
	assert.Zero(t, counters.Received)

	require.NoError(t, database.CountMessage("alice", "bob"))
	require.NoError(t, database.CountMessage("alice", "bob"))
	require.NoError(t, database.CountMessage("bob", "alice"))

	counters, err = database.GetCounters("alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, counters.Sent)
	assert.EqualValues(t, 1, counters.Received)

	counters, err = database.GetCounters("bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters.Sent)
	assert.EqualValues(t, 2, counters.Received)
}

func TestUsersList(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.AddUser("bob", "hash", ""))
	require.NoError(t, database.AddUser("alice", "hash", ""))

	users, err := database.UsersList()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
}

func TestRemoveUserCascades(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.AddUser("alice", "hash", ""))
	require.NoError(t, database.AddUser("bob", "hash", ""))

	require.NoError(t, database.LoginUser("alice", "10.0.0.1", 1111, "", time.Now().UTC()))
	require.NoError(t, database.AddContact("alice", "bob"))
	require.NoError(t, database.AddContact("bob", "alice"))
	require.NoError(t, database.CountMessage("alice", "bob"))

	require.NoError(t, database.RemoveUser("alice"))

	exists, err := database.UserExists("alice")
	require.NoError(t, err)
	assert.False(t, exists)

	sessions, err := database.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	events, err := database.GetConnectionHistory("alice", 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Уходят оба направления: и контакты alice, и alice из чужих списков
	contacts, err := database.GetContacts("bob")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	counters, err := database.GetCounters("alice")
	require.NoError(t, err)
	assert.Zero(t, counters.Sent)

	assert.ErrorIs(t, database.RemoveUser("alice"), ErrNoRows)
}
