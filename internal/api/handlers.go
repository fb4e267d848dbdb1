package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/restxmpp/gateway/internal/stats"
	"github.com/restxmpp/gateway/internal/types"
)

const (
	defaultPollTimeout = 30 * time.Second
	maxPollTimeout     = 60 * time.Second
)

type StartSessionRequest struct {
	Jid             string `json:"jid"`
	Password        string `json:"password"`
	PushToken       string `json:"push_token"`
	ClientId        string `json:"client_id"`
	SendMessageBody bool   `json:"send_message_body"`
}

type StartSessionResponse struct {
	SessionId string `json:"session_id"`
	Token     string `json:"token"`
}

type SessionInfo struct {
	SessionId   string `json:"session_id"`
	Jid         string `json:"jid"`
	UnreadCount int    `json:"unread_count"`
}

type SendMessageRequest struct {
	ContactId string `json:"contact_id"`
	Jid       string `json:"jid"`
	Text      string `json:"text"`
}

type AddContactRequest struct {
	Jid    string   `json:"jid"`
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

type UpdateContactRequest struct {
	Name          *string  `json:"name"`
	Groups        []string `json:"groups"`
	ReadOffset    *int64   `json:"read_offset"`
	HistoryOffset *int64   `json:"history_offset"`
}

type AuthorizeRequest struct {
	Authorization string `json:"authorization"`
}

type CreateRoomRequest struct {
	Node string `json:"node"`
	Name string `json:"name"`
	Jid  string `json:"jid"`
}

type InviteRequest struct {
	ContactIds []string `json:"contact_ids"`
}

type NotificationResponse struct {
	Notification bool `json:"notification"`
}

type FeedResponse struct {
	Contacts []types.Contact `json:"contacts"`
	Rooms    []types.Room    `json:"rooms"`
}

type ServerStatus struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	Sessions      int   `json:"sessions"`
	Connections   int   `json:"connections"`
}

func (s *GatewayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func parseOffset(r *http.Request) (int64, bool) {
	offsetStr := r.URL.Query().Get("offset")
	if offsetStr == "" {
		return 0, true
	}

	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return offset, true
}

func (s *GatewayApp) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Jid == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sessionId, token, err := s.pool.StartSession(req.Jid, req.Password, req.PushToken, req.ClientId)
	if err != nil {
		s.log.Printf("start session for %s: %v", req.Jid, err)
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if session, err := s.pool.SessionFor(sessionId); err == nil {
		session.SetSendMessageBody(req.SendMessageBody)
	}

	s.writeJson(w, http.StatusCreated, StartSessionResponse{
		SessionId: sessionId,
		Token:     token,
	})
}

func (s *GatewayApp) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, SessionInfo{
		SessionId:   session.Id,
		Jid:         session.Address(),
		UnreadCount: session.UnreadCount(),
	})
}

func (s *GatewayApp) closeSession(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.pool.CloseSession(session.Id, false); err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GatewayApp) pollNotification(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	timeout := defaultPollTimeout
	if timeoutStr := r.URL.Query().Get("timeout"); timeoutStr != "" {
		seconds, err := strconv.Atoi(timeoutStr)
		if err != nil || seconds < 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		timeout = time.Duration(seconds) * time.Second
		if timeout > maxPollTimeout {
			timeout = maxPollTimeout
		}
	}

	woken := session.WaitForNotification(timeout)
	if woken && s.stats != nil {
		s.stats.Incr(stats.NotificationWakes)
	}

	s.writeJson(w, http.StatusOK, NotificationResponse{Notification: woken})
}

func (s *GatewayApp) getMessages(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	offset, ok := parseOffset(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := session.Messages(nil, offset)
	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GatewayApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Text == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var msg types.Message
	var err error
	switch {
	case req.ContactId != "":
		msg, err = session.Send(req.ContactId, req.Text)
	case req.Jid != "":
		msg, err = session.SendByAddress(req.Jid, req.Text)
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if s.stats != nil {
		s.stats.Incr(stats.MessagesSent)
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GatewayApp) listContacts(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	offset, ok := parseOffset(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	contacts, err := session.Contacts(offset)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if contacts == nil {
		contacts = []types.Contact{}
	}

	s.writeJson(w, http.StatusOK, contacts)
}

func (s *GatewayApp) addContact(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Jid == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := session.AddContact(req.Jid, req.Name, req.Groups); err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, nil)
}

func (s *GatewayApp) getContact(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	contact, err := session.Contact(r.PathValue("cid"))
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, contact)
}

func (s *GatewayApp) updateContact(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	contactId := r.PathValue("cid")

	var req UpdateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name != nil || req.Groups != nil {
		name := ""
		if req.Name != nil {
			name = *req.Name
		}
		if err := session.UpdateContact(contactId, name, req.Groups); err != nil {
			errResp := apiErrorFor(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if req.ReadOffset != nil {
		if err := session.SetReadOffset(contactId, *req.ReadOffset); err != nil {
			errResp := apiErrorFor(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if req.HistoryOffset != nil {
		if err := session.SetHistoryOffset(contactId, *req.HistoryOffset); err != nil {
			errResp := apiErrorFor(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	contact, err := session.Contact(contactId)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, contact)
}

func (s *GatewayApp) removeContact(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := session.RemoveContact(r.PathValue("cid")); err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GatewayApp) authorizeContact(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var authorization types.Authorization
	switch req.Authorization {
	case string(types.AuthorizationGranted):
		authorization = types.AuthorizationGranted
	case string(types.AuthorizationNone):
		authorization = types.AuthorizationNone
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := session.SetAuthorization(r.PathValue("cid"), authorization); err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GatewayApp) getContactMessages(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	contactId := r.PathValue("cid")
	if _, err := session.Contact(contactId); err != nil {
		if _, roomErr := session.Room(contactId); roomErr != nil {
			errResp := apiErrorFor(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	offset, ok := parseOffset(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := session.Messages([]string{contactId}, offset)
	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GatewayApp) sendContactMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Text == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := session.Send(r.PathValue("cid"), req.Text)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if s.stats != nil {
		s.stats.Incr(stats.MessagesSent)
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GatewayApp) getFeed(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	offset, ok := parseOffset(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	contacts, rooms, err := session.Feed(offset)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if contacts == nil {
		contacts = []types.Contact{}
	}
	if rooms == nil {
		rooms = []types.Room{}
	}

	s.writeJson(w, http.StatusOK, FeedResponse{Contacts: contacts, Rooms: rooms})
}

func (s *GatewayApp) listRooms(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	offset, ok := parseOffset(r)
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms, err := session.Rooms(offset)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if rooms == nil {
		rooms = []types.Room{}
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *GatewayApp) createRoom(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var err error
	switch {
	case req.Node != "":
		err = session.CreateRoom(req.Node, req.Name)
	case req.Jid != "":
		err = session.JoinRoom(req.Jid)
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, nil)
}

func (s *GatewayApp) getRoom(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := session.Room(r.PathValue("rid"))
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *GatewayApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := session.LeaveRoom(r.PathValue("rid")); err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GatewayApp) inviteToRoom(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if len(req.ContactIds) == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := session.InviteManyToRoom(r.PathValue("rid"), req.ContactIds); err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GatewayApp) serverStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, ServerStatus{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Sessions:      s.pool.SessionCount(),
		Connections:   s.pool.ConnectionCount(),
	})
}
