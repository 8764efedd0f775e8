package db

import (
	"database/sql"
	"errors"
	"time"

	"messapp/models"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNoRows = errors.New("no rows found")

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	// Активные сессии живут только пока жив процесс сервера
	if err := db.ClearActiveSessions(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			pubkey TEXT NOT NULL DEFAULT '',
			last_connect TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			login TEXT UNIQUE NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			connect_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS connection_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			event TEXT NOT NULL CHECK (event IN ('connect', 'disconnect')),
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS action_counters (
			login TEXT UNIQUE NOT NULL,
			sent INTEGER NOT NULL DEFAULT 0,
			received INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_login ON connection_history(login, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

func (db *DB) AddUser(login, passwordHash, pubkey string) error {
	_, err := db.conn.Exec(
		"INSERT INTO users (login, password_hash, pubkey, last_connect) VALUES (?, ?, ?, ?)",
		login, passwordHash, pubkey, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// RemoveUser удаляет пользователя вместе со всеми ссылающимися на него
// строками: сессией, историей подключений, контактами и счётчиками.
func (db *DB) RemoveUser(login string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM users WHERE login = ?", login)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}

	queries := []string{
		"DELETE FROM active_sessions WHERE login = ?",
		"DELETE FROM connection_history WHERE login = ?",
		"DELETE FROM action_counters WHERE login = ?",
	}
	for _, query := range queries {
		if _, err := tx.Exec(query, login); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("DELETE FROM contacts WHERE owner = ? OR contact = ?", login, login); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetPasswordHash(login string) (string, error) {
	var hash string
	err := db.conn.QueryRow("SELECT password_hash FROM users WHERE login = ?", login).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNoRows
	}
	return hash, err
}

func (db *DB) GetPublicKey(login string) (string, error) {
	var pubkey string
	err := db.conn.QueryRow("SELECT pubkey FROM users WHERE login = ?", login).Scan(&pubkey)
	if err == sql.ErrNoRows {
		return "", ErrNoRows
	}
	return pubkey, err
}

func (db *DB) UsersList() ([]string, error) {
	rows, err := db.conn.Query("SELECT login FROM users ORDER BY login")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}

	return logins, rows.Err()
}

// Session methods

// LoginUser записывает успешную аутентификацию: обновляет ключ и время
// последнего подключения, заменяет активную сессию и дописывает событие
// connect в историю. Повторный логин заменяет старую сессию, а не
// дублирует её.
func (db *DB) LoginUser(login, ip string, port int, pubkey string, t time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := t.UTC().Format(time.RFC3339)

	if _, err := tx.Exec(
		"UPDATE users SET pubkey = ?, last_connect = ? WHERE login = ?",
		pubkey, ts, login,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO active_sessions (login, ip, port, connect_time) VALUES (?, ?, ?, ?)",
		login, ip, port, ts,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO connection_history (login, ip, port, event, timestamp) VALUES (?, ?, ?, ?, ?)",
		login, ip, port, models.EventConnect, ts,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// LogoutUser снимает активную сессию и дописывает событие disconnect.
func (db *DB) LogoutUser(login, ip string, port int, t time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM active_sessions WHERE login = ?", login); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO connection_history (login, ip, port, event, timestamp) VALUES (?, ?, ?, ?, ?)",
		login, ip, port, models.EventDisconnect, t.UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) ClearActiveSessions() error {
	_, err := db.conn.Exec("DELETE FROM active_sessions")
	return err
}

func (db *DB) ActiveSessions() ([]models.ActiveSession, error) {
	rows, err := db.conn.Query("SELECT login, ip, port, connect_time FROM active_sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.ActiveSession
	for rows.Next() {
		var s models.ActiveSession
		var ts string
		if err := rows.Scan(&s.Login, &s.IP, &s.Port, &ts); err != nil {
			return nil, err
		}
		s.ConnectTime, _ = time.Parse(time.RFC3339, ts)
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

func (db *DB) GetConnectionHistory(login string, limit int) ([]models.ConnectionEvent, error) {
	rows, err := db.conn.Query(
		"SELECT id, login, ip, port, event, timestamp FROM connection_history WHERE login = ? ORDER BY id DESC LIMIT ?",
		login, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ConnectionEvent
	for rows.Next() {
		var e models.ConnectionEvent
		var ts string
		if err := rows.Scan(&e.ID, &e.Login, &e.IP, &e.Port, &e.Event, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		events = append(events, e)
	}

	return events, rows.Err()
}

// Contact methods

func (db *DB) GetContacts(owner string) ([]string, error) {
	rows, err := db.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}

	return contacts, rows.Err()
}

func (db *DB) AddContact(owner, contact string) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)", owner, contact)
	return err
}

// RemoveContact идемпотентен: удаление отсутствующего контакта не ошибка.
func (db *DB) RemoveContact(owner, contact string) error {
	_, err := db.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	return err
}

// Counter methods

// CountMessage увеличивает счётчики после успешной доставки: sent у
// отправителя и received у получателя.
func (db *DB) CountMessage(sender, recipient string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO action_counters (login, sent, received) VALUES (?, 1, 0)
		 ON CONFLICT(login) DO UPDATE SET sent = sent + 1`,
		sender,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO action_counters (login, sent, received) VALUES (?, 0, 1)
		 ON CONFLICT(login) DO UPDATE SET received = received + 1`,
		recipient,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) GetCounters(login string) (models.ActionCounters, error) {
	c := models.ActionCounters{Login: login}
	err := db.conn.QueryRow(
		"SELECT sent, received FROM action_counters WHERE login = ?", login,
	).Scan(&c.Sent, &c.Received)
	if err == sql.ErrNoRows {
		return c, nil
	}
	return c, err
}
