package server

import (
	"errors"
	"log"
	"time"

	"messapp/db"
	"messapp/protocol"
)

// handleFrame продвигает машину состояний соединения на один кадр.
// Возвращает false, когда соединение пора закрывать.
func (s *Server) handleFrame(sess *Session, msg protocol.Message) bool {
	// В состоянии authenticating ждём только ответ на challenge:
	// кадр со статусом 511 и дайджестом, без action
	if sess.state == stateAuthenticating {
		if _, ok := msg.Response(); ok {
			return s.handleChallengeReply(sess, msg)
		}
		s.sendError(sess, "challenge response expected")
		return false
	}

	switch msg.Action() {
	case protocol.ActionPresence:
		return s.handlePresence(sess, msg)
	case protocol.ActionMessage:
		return s.requireAuth(sess, func() bool { return s.handleMessage(sess, msg) })
	case protocol.ActionGetContacts:
		return s.requireAuth(sess, func() bool { return s.handleGetContacts(sess) })
	case protocol.ActionAddContact:
		return s.requireAuth(sess, func() bool { return s.handleAddContact(sess, msg) })
	case protocol.ActionDelContact:
		return s.requireAuth(sess, func() bool { return s.handleDelContact(sess, msg) })
	case protocol.ActionUsersRequest:
		return s.requireAuth(sess, func() bool { return s.handleUsersRequest(sess) })
	case protocol.ActionPubkeyRequest:
		return s.requireAuth(sess, func() bool { return s.handlePubkeyRequest(sess, msg) })
	case protocol.ActionExit:
		return s.handleExit(sess)
	default:
		s.sendError(sess, "unknown action")
		return true
	}
}

func (s *Server) requireAuth(sess *Session, handler func() bool) bool {
	if sess.state != stateAuthenticated {
		s.sendError(sess, "not authenticated")
		return true
	}
	return handler()
}

func (s *Server) handlePresence(sess *Session, msg protocol.Message) bool {
	if sess.state != stateConnected {
		s.sendError(sess, "unexpected presence")
		return false
	}

	user, _ := msg[protocol.KeyUser].(map[string]any)
	login, _ := user[protocol.KeyAccountName].(string)
	pubkey, _ := user[protocol.KeyPublicKey].(string)

	if login == "" {
		s.sendError(sess, "account name required")
		return false
	}

	// Имя уже занято живой сессией — второй логин отклоняем
	if _, ok := s.getSession(login); ok {
		s.sendError(sess, "name already taken")
		return false
	}

	exists, err := s.db.UserExists(login)
	if err != nil {
		log.Printf("[%s] presence error: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return false
	}
	if !exists {
		s.sendError(sess, "not registered")
		return false
	}

	nonce, err := s.issueNonce()
	if err != nil {
		log.Printf("[%s] failed to issue nonce: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return false
	}

	sess.Login = login
	sess.pubkey = pubkey
	sess.nonce = nonce
	sess.state = stateAuthenticating

	s.send(sess, protocol.Message{
		protocol.KeyResponse: protocol.ResponseChallenge,
		protocol.KeyData:     nonce,
	})
	return true
}

func (s *Server) handleChallengeReply(sess *Session, msg protocol.Message) bool {
	nonce := sess.nonce
	sess.nonce = ""

	// Нонс одноразовый: сгорает при первой же проверке, удачной или нет
	if !s.retireNonce(nonce) {
		s.sendError(sess, "invalid password")
		return false
	}

	hash, err := s.db.GetPasswordHash(sess.Login)
	if err != nil {
		log.Printf("[%s] auth error for %s: %v", sess.ID, sess.Login, err)
		s.sendError(sess, "internal error")
		return false
	}

	expected := protocol.ChallengeDigest(hash, nonce)
	if !protocol.DigestsEqual(expected, msg.Str(protocol.KeyData)) {
		log.Printf("[%s] invalid password for %s", sess.ID, sess.Login)
		s.sendError(sess, "invalid password")
		return false
	}

	if !s.registerSession(sess.Login, sess) {
		s.sendError(sess, "name already taken")
		return false
	}

	if err := s.db.LoginUser(sess.Login, sess.IP, sess.Port, sess.pubkey, time.Now().UTC()); err != nil {
		log.Printf("[%s] failed to record login for %s: %v", sess.ID, sess.Login, err)
	}

	sess.state = stateAuthenticated
	s.sendResponse(sess, protocol.ResponseOK)
	log.Printf("[%s] client %s authenticated", sess.ID, sess.Login)
	return true
}

func (s *Server) handleMessage(sess *Session, msg protocol.Message) bool {
	from := msg.Str(protocol.KeyFrom)
	to := msg.Str(protocol.KeyTo)
	text := msg.Str(protocol.KeyMessageText)

	if from == "" || to == "" || text == "" {
		s.sendError(sess, "message requires from, to and text")
		return true
	}
	if from != sess.Login {
		s.sendError(sess, "sender mismatch")
		return true
	}

	recipient, ok := s.getSession(to)
	if !ok {
		// Получатель оффлайн: сообщение не хранится и не ставится в очередь
		s.sendError(sess, "recipient not connected")
		return true
	}

	// Пересылаем кадр получателю как есть
	if err := s.send(recipient, msg); err != nil {
		s.sendError(sess, "recipient not connected")
		return true
	}

	if err := s.db.CountMessage(from, to); err != nil {
		log.Printf("[%s] failed to count message %s -> %s: %v", sess.ID, from, to, err)
	}

	s.sendResponse(sess, protocol.ResponseOK)
	return true
}

func (s *Server) handleGetContacts(sess *Session) bool {
	contacts, err := s.db.GetContacts(sess.Login)
	if err != nil {
		log.Printf("[%s] get contacts error: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return true
	}

	s.sendList(sess, contacts)
	return true
}

func (s *Server) handleAddContact(sess *Session, msg protocol.Message) bool {
	contact := msg.Str(protocol.KeyContact)
	if contact == "" {
		s.sendError(sess, "contact required")
		return true
	}

	exists, err := s.db.UserExists(contact)
	if err != nil {
		log.Printf("[%s] add contact error: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return true
	}
	if !exists {
		s.sendError(sess, "user not found")
		return true
	}

	if err := s.db.AddContact(sess.Login, contact); err != nil {
		log.Printf("[%s] add contact error: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return true
	}

	s.sendResponse(sess, protocol.ResponseOK)
	return true
}

func (s *Server) handleDelContact(sess *Session, msg protocol.Message) bool {
	contact := msg.Str(protocol.KeyContact)
	if contact == "" {
		s.sendError(sess, "contact required")
		return true
	}

	// Удаление отсутствующего контакта не ошибка
	if err := s.db.RemoveContact(sess.Login, contact); err != nil {
		log.Printf("[%s] del contact error: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return true
	}

	s.sendResponse(sess, protocol.ResponseOK)
	return true
}

func (s *Server) handleUsersRequest(sess *Session) bool {
	users, err := s.db.UsersList()
	if err != nil {
		log.Printf("[%s] users request error: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return true
	}

	s.sendList(sess, users)
	return true
}

func (s *Server) handlePubkeyRequest(sess *Session, msg protocol.Message) bool {
	target := msg.Str(protocol.KeyAccountName)
	if target == "" {
		s.sendError(sess, "account name required")
		return true
	}

	pubkey, err := s.db.GetPublicKey(target)
	if err != nil && !errors.Is(err, db.ErrNoRows) {
		log.Printf("[%s] pubkey request error: %v", sess.ID, err)
		s.sendError(sess, "internal error")
		return true
	}
	if pubkey == "" {
		s.sendError(sess, "no public key for user")
		return true
	}

	// После аутентификации код 511 означает открытый ключ, не challenge
	s.send(sess, protocol.Message{
		protocol.KeyResponse: protocol.ResponseChallenge,
		protocol.KeyData:     pubkey,
	})
	return true
}

func (s *Server) handleExit(sess *Session) bool {
	s.disconnect(sess)
	return false
}
