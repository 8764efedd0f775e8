package server

import (
	"errors"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"messapp/db"
	"messapp/protocol"

	"github.com/google/uuid"
)

// maxRetiredNonces ограничивает память под отработавшие нонсы: при
// переполнении вытесняется самый старый. Проверка дайджеста всё равно
// идёт только против нонса собственной сессии, так что давно выданный
// нонс чужую аутентификацию пройти не может.
const maxRetiredNonces = 4096

type Server struct {
	db         *db.DB
	config     *ServerConfig
	sessions   map[string]*Session
	usedNonces map[string]struct{}
	nonceOrder []string
	mu         sync.RWMutex
	listener   net.Listener
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Состояние соединения: connected -> authenticating -> authenticated.
// Закрытие состоянием не является, соединение просто умирает.
type connState int

const (
	stateConnected connState = iota
	stateAuthenticating
	stateAuthenticated
)

type Session struct {
	ID    string // идентификатор соединения в логах
	Login string // заявленный логин; в реестр попадает только после проверки
	Conn  net.Conn
	IP    string
	Port  int

	state  connState
	nonce  string // выданный challenge, одноразовый
	pubkey string

	writeMu sync.Mutex
}

func New(database *db.DB, config *ServerConfig) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}

	return &Server{
		db:         database,
		config:     config,
		sessions:   make(map[string]*Session),
		usedNonces: make(map[string]struct{}),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}

	log.Printf("Server started on port %d", s.config.Port)
	return s.Serve(listener)
}

// Serve runs the accept loop on an already bound listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sess := &Session{
		ID:    uuid.NewString(),
		Conn:  conn,
		state: stateConnected,
	}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sess.IP = addr.IP.String()
		sess.Port = addr.Port
	}

	defer func() {
		conn.Close()
		s.disconnect(sess)
	}()

	// Паника в обработчике роняет только это соединение, не весь сервер
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] panic in connection handler: %v", sess.ID, r)
		}
	}()

	log.Printf("[%s] client connected from %s", sess.ID, conn.RemoteAddr())

	reader := protocol.NewFrameReader(conn)
	for {
		msg, err := reader.ReadFrame(s.config.ReadTimeout)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrReadTimeout):
				// Тишина в пределах таймаута допустима, ждём дальше
				continue
			case errors.Is(err, protocol.ErrDecode), errors.Is(err, protocol.ErrFrameTooLarge):
				// Битый поток не прощаем: логируем и рвём соединение
				log.Printf("[%s] protocol error: %v", sess.ID, err)
				s.sendError(sess, "malformed frame")
				return
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return
			default:
				log.Printf("[%s] read error: %v", sess.ID, err)
				return
			}
		}

		if !s.handleFrame(sess, msg) {
			return
		}
	}
}

// send пишет кадр в соединение сессии. Запись сериализуется мьютексом,
// потому что в один сокет пишут и обработчик самой сессии, и чужие
// горутины при пересылке сообщений.
func (s *Server) send(sess *Session, msg protocol.Message) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	if err := protocol.WriteFrame(sess.Conn, msg, s.config.WriteTimeout); err != nil {
		log.Printf("[%s] error writing to connection: %v", sess.ID, err)
		return err
	}
	return nil
}

func (s *Server) sendResponse(sess *Session, code int) {
	s.send(sess, protocol.Message{protocol.KeyResponse: code})
}

func (s *Server) sendError(sess *Session, text string) {
	s.send(sess, protocol.Message{
		protocol.KeyResponse: protocol.ResponseError,
		protocol.KeyError:    text,
	})
}

func (s *Server) sendList(sess *Session, items []string) {
	if items == nil {
		items = []string{}
	}
	s.send(sess, protocol.Message{
		protocol.KeyResponse: protocol.ResponseAccepted,
		protocol.KeyDataList: items,
	})
}

// registerSession заносит проверенную сессию в реестр. Возвращает false,
// если логин уже занят: между presence и ответом на challenge мог успеть
// авторизоваться другой клиент с тем же именем.
func (s *Server) registerSession(login string, sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[login]; ok {
		return false
	}
	s.sessions[login] = sess
	return true
}

func (s *Server) getSession(login string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[login]
	return sess, ok
}

// disconnect снимает сессию с учёта, если она всё ещё числится в реестре,
// и записывает событие disconnect. Повторный вызов безвреден.
func (s *Server) disconnect(sess *Session) {
	if sess.Login == "" {
		log.Printf("[%s] client disconnected", sess.ID)
		return
	}

	s.mu.Lock()
	registered := s.sessions[sess.Login] == sess
	if registered {
		delete(s.sessions, sess.Login)
	}
	s.mu.Unlock()

	if !registered {
		return
	}

	if err := s.db.LogoutUser(sess.Login, sess.IP, sess.Port, time.Now().UTC()); err != nil {
		log.Printf("[%s] failed to record logout for %s: %v", sess.ID, sess.Login, err)
	}
	log.Printf("[%s] client %s disconnected", sess.ID, sess.Login)
}

// issueNonce выдаёт новый одноразовый нонс. Выданные нонсы запоминаются,
// чтобы однажды использованный challenge нельзя было проиграть повторно.
func (s *Server) issueNonce() (string, error) {
	for {
		nonce, err := protocol.NewNonce()
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		_, used := s.usedNonces[nonce]
		s.mu.Unlock()
		if !used {
			return nonce, nil
		}
	}
}

// retireNonce помечает нонс использованным независимо от исхода проверки.
func (s *Server) retireNonce(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.usedNonces[nonce]; used {
		return false
	}

	if len(s.nonceOrder) >= maxRetiredNonces {
		oldest := s.nonceOrder[0]
		s.nonceOrder = s.nonceOrder[1:]
		delete(s.usedNonces, oldest)
	}

	s.usedNonces[nonce] = struct{}{}
	s.nonceOrder = append(s.nonceOrder, nonce)
	return true
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for login := range s.sessions {
		users = append(users, login)
	}
	sort.Strings(users)

	return "connections=" + strconv.Itoa(len(users)) + ",users=" + strings.Join(users, ";")
}

// Shutdown уведомляет подключенных клиентов и закрывает все соединения
// вместе со слушающим сокетом.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	listener := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	for _, sess := range sessions {
		s.sendError(sess, "server shutting down: "+reason)
		sess.Conn.Close()
		s.disconnect(sess)
	}
}
