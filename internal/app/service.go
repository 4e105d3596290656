package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"couponverse/api/internal/auth"
	"couponverse/api/internal/authpw"
	"couponverse/api/internal/chat"
	"couponverse/api/internal/config"
	"couponverse/api/internal/embedding"
	"couponverse/api/internal/media"
	"couponverse/api/internal/ml"
	"couponverse/api/internal/search"
	"couponverse/api/internal/store"
	"couponverse/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

// UserProfile is the public projection of a user returned to other users.
type UserProfile struct {
	UserName   string `json:"userName"`
	PictureKey string `json:"pictureKey,omitempty"`
}

// GroupView is the full state of a group, the payload clients use to
// reconcile after a missed push: membership plus the complete ordered
// message history.
type GroupView struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Admins   []string       `json:"admins"`
	Members  []string       `json:"members"`
	Messages []chat.Message `json:"messages"`
}

type CreateGroupInput struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type UpdateUserInput struct {
	NewUserName string `json:"newUserName"`
	NewPassword string `json:"newPassword"`
	PictureKey  string `json:"pictureKey"`
}

type dataStore interface {
	Ping(context.Context) error

	GetUserByName(context.Context, string) (store.User, error)
	GetUsersByNames(context.Context, []string) ([]store.User, error)
	UpdateUserProfile(ctx context.Context, userName, newName, newPasswordHash, newPictureKey string) error
	DeleteUser(context.Context, string) error
	UpdateUserEmbedding(context.Context, string, embedding.Vector) error

	ListCoupons(context.Context, string) ([]store.Coupon, error)
	GetCoupon(context.Context, string, int) (store.Coupon, error)
	CouponCount(context.Context, string) (int, error)
	AddCoupon(context.Context, string, store.Coupon) (int, error)
	UpdateCoupon(context.Context, string, int, store.Coupon) error
	DeleteCoupon(context.Context, string, int) error

	CreateGroup(context.Context, store.Group) error
	GetGroup(context.Context, string) (store.Group, error)
	ListGroups(context.Context) ([]store.Group, error)
	ListUserGroups(context.Context, string) ([]store.Group, error)
	UpdateGroup(ctx context.Context, groupID, name, pictureKey string) error
	DeleteGroup(context.Context, string) error
	AddMember(ctx context.Context, groupID, userName string, isAdmin bool) error
	RemoveAdmin(ctx context.Context, groupID, userName string) error
	RemoveMember(ctx context.Context, groupID, userName string) error

	Append(context.Context, string, chat.Message) (chat.Message, error)
	Since(context.Context, string, int64) ([]chat.Message, error)
	List(context.Context, string) ([]chat.Message, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, userName string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type embedder interface {
	Embed(ctx context.Context, text string) (embedding.Vector, error)
	EmbedPair(ctx context.Context, oldText, newText string) (embedding.Vector, embedding.Vector, error)
	Recommend(ctx context.Context, vec embedding.Vector) ([]ml.Product, error)
}

type fieldExtractor interface {
	ExtractFields(ctx context.Context, freeText string) (ml.CouponFields, error)
}

type publisher interface {
	Publish(ctx context.Context, groupID string, msg chat.Message) error
	Subscribe(ctx context.Context, groupID string) (*chat.Subscription, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	ml        embedder
	extractor fieldExtractor // nil when no API key is configured
	fanout    publisher
	search    *search.Service // nil in tests that skip search
	media     *media.Service  // nil when no object storage is configured

	locks userLocks
}

func New(cfg config.Config, st dataStore, sessions sessionStore, passwords *authpw.Service, mlClient embedder, extractor fieldExtractor, fanout publisher, searchSvc *search.Service, mediaSvc *media.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		passwords: passwords,
		ml:        mlClient,
		extractor: extractor,
		fanout:    fanout,
		search:    searchSvc,
		media:     mediaSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// userLocks serializes embedding updates per user, keyed by username. The
// count read, the average read, the formula and the write must not
// interleave between two requests for the same user.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *userLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Auth and sessions

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (Session, error) {
	user, err := s.passwords.Register(ctx, req)
	if err != nil {
		return Session{}, err
	}
	if s.search != nil {
		s.search.IndexUser(search.UserRecord{ID: user.ID, UserName: user.UserName})
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, userName, password string) (Session, error) {
	user, err := s.passwords.Login(ctx, userName, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		UserID:   user.ID,
		UserName: user.UserName,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.UserName, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.UserName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.UserID,
		UserName:  claims.UserName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// Users

func (s *Service) UserExists(ctx context.Context, userName string) (bool, error) {
	_, err := s.store.GetUserByName(ctx, userName)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) UsersFromList(ctx context.Context, userNames []string) ([]UserProfile, error) {
	users, err := s.store.GetUsersByNames(ctx, userNames)
	if err != nil {
		return nil, err
	}
	profiles := make([]UserProfile, 0, len(users))
	for _, u := range users {
		profiles = append(profiles, UserProfile{UserName: u.UserName, PictureKey: u.PictureKey})
	}
	return profiles, nil
}

func (s *Service) UpdateUser(ctx context.Context, session Session, userName string, input UpdateUserInput) (UserProfile, error) {
	if session.UserName != userName {
		return UserProfile{}, errForbidden("Cannot modify another user")
	}
	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return UserProfile{}, err
	}

	passwordHash := ""
	if input.NewPassword != "" {
		passwordHash, err = authpw.HashPassword(input.NewPassword)
		if err != nil {
			return UserProfile{}, err
		}
	}
	if err := s.store.UpdateUserProfile(ctx, userName, input.NewUserName, passwordHash, input.PictureKey); err != nil {
		return UserProfile{}, err
	}

	name := userName
	if input.NewUserName != "" {
		name = input.NewUserName
	}
	if s.search != nil {
		s.search.IndexUser(search.UserRecord{ID: user.ID, UserName: name})
	}
	pictureKey := user.PictureKey
	if input.PictureKey != "" {
		pictureKey = input.PictureKey
	}
	return UserProfile{UserName: name, PictureKey: pictureKey}, nil
}

func (s *Service) DeleteUser(ctx context.Context, session Session, userName string) error {
	if session.UserName != userName {
		return errForbidden("Cannot delete another user")
	}
	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, userName); err != nil {
		return err
	}
	if s.search != nil {
		s.search.RemoveUser(user.ID)
	}
	return nil
}

// Coupons

func (s *Service) ListCoupons(ctx context.Context, userName string) ([]store.Coupon, error) {
	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	return s.store.ListCoupons(ctx, user.ID)
}

func (s *Service) GetCoupon(ctx context.Context, userName string, index int) (store.Coupon, error) {
	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return store.Coupon{}, err
	}
	return s.store.GetCoupon(ctx, user.ID, index)
}

// AddCoupon stores the coupon first, then folds its embedding into the
// user's running average. The store write is never rolled back on an
// embedding failure; the average simply stays at its previous value.
func (s *Service) AddCoupon(ctx context.Context, session Session, userName string, c store.Coupon) (store.Coupon, error) {
	if session.UserName != userName {
		return store.Coupon{}, errForbidden("Cannot modify another user's coupons")
	}

	// Lock before reading: the stored average must not change between the
	// read and the write below.
	unlock := s.locks.lock(userName)
	defer unlock()

	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return store.Coupon{}, err
	}

	count, err := s.store.AddCoupon(ctx, user.ID, c)
	if err != nil {
		return store.Coupon{}, err
	}
	c.Position = count - 1

	vec, err := s.ml.Embed(ctx, c.EmbedText())
	if err != nil {
		return c, fmt.Errorf("embed added coupon: %w", err)
	}
	next, err := embedding.NextOnAdd(user.AvgEmbedding, count, vec)
	if err != nil {
		return c, fmt.Errorf("update average on add: %w", err)
	}
	if err := s.store.UpdateUserEmbedding(ctx, user.ID, next); err != nil {
		return c, err
	}
	return c, nil
}

// EditCoupon swaps the coupon's contribution in the running average: the
// pre-edit embedding leaves, the post-edit embedding enters, the count is
// unchanged.
func (s *Service) EditCoupon(ctx context.Context, session Session, userName string, index int, c store.Coupon) (store.Coupon, error) {
	if session.UserName != userName {
		return store.Coupon{}, errForbidden("Cannot modify another user's coupons")
	}

	unlock := s.locks.lock(userName)
	defer unlock()

	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return store.Coupon{}, err
	}

	// The pre-edit text must be captured before the row changes.
	old, err := s.store.GetCoupon(ctx, user.ID, index)
	if err != nil {
		return store.Coupon{}, err
	}
	if err := s.store.UpdateCoupon(ctx, user.ID, index, c); err != nil {
		return store.Coupon{}, err
	}
	c.Position = index

	oldVec, newVec, err := s.ml.EmbedPair(ctx, old.EmbedText(), c.EmbedText())
	if err != nil {
		return c, fmt.Errorf("embed edited coupon: %w", err)
	}
	count, err := s.store.CouponCount(ctx, user.ID)
	if err != nil {
		return c, err
	}
	next, err := embedding.NextOnEdit(user.AvgEmbedding, count, newVec, oldVec)
	if err != nil {
		return c, fmt.Errorf("update average on edit: %w", err)
	}
	if err := s.store.UpdateUserEmbedding(ctx, user.ID, next); err != nil {
		return c, err
	}
	return c, nil
}

// DeleteCoupon removes the coupon and compacts positions. The running
// average is left alone: a removal does not subtract the coupon's
// contribution.
func (s *Service) DeleteCoupon(ctx context.Context, session Session, userName string, index int) error {
	if session.UserName != userName {
		return errForbidden("Cannot modify another user's coupons")
	}
	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return err
	}
	return s.store.DeleteCoupon(ctx, user.ID, index)
}

func (s *Service) Recommendations(ctx context.Context, userName string) ([]ml.Product, error) {
	user, err := s.store.GetUserByName(ctx, userName)
	if err != nil {
		return nil, err
	}
	return s.ml.Recommend(ctx, user.AvgEmbedding)
}

func (s *Service) ParseCoupon(ctx context.Context, freeText string) (ml.CouponFields, error) {
	if s.extractor == nil {
		return ml.CouponFields{}, domainError(http.StatusServiceUnavailable, "EXTRACTION_UNAVAILABLE", "Coupon parsing is not configured", nil)
	}
	return s.extractor.ExtractFields(ctx, freeText)
}

// Groups

func (s *Service) CreateGroup(ctx context.Context, session Session, input CreateGroupInput) (GroupView, error) {
	if input.Name == "" {
		return GroupView{}, domainError(http.StatusBadRequest, "INVALID_GROUP", "Group name is required", nil)
	}
	group := store.Group{
		ID:      util.NewID("grp"),
		Name:    input.Name,
		Admins:  []string{session.UserName},
		Members: append([]string{session.UserName}, input.Members...),
	}
	if err := s.store.CreateGroup(ctx, group); err != nil {
		return GroupView{}, err
	}
	if s.search != nil {
		s.search.IndexGroup(search.GroupRecord{ID: group.ID, Name: group.Name})
	}
	return s.FetchGroup(ctx, session, group.ID)
}

// FetchGroup returns the group's full state including every message, in
// order. Clients call it after reconnecting; fetching twice in a row with
// no writes in between yields identical payloads.
func (s *Service) FetchGroup(ctx context.Context, session Session, groupID string) (GroupView, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	if !contains(group.Members, session.UserName) {
		return GroupView{}, errNotMember(groupID)
	}
	messages, err := s.store.List(ctx, groupID)
	if err != nil {
		return GroupView{}, err
	}
	return GroupView{
		ID:       group.ID,
		Name:     group.Name,
		Admins:   group.Admins,
		Members:  group.Members,
		Messages: messages,
	}, nil
}

func (s *Service) ListGroups(ctx context.Context) ([]store.Group, error) {
	return s.store.ListGroups(ctx)
}

func (s *Service) UserGroups(ctx context.Context, userName string) ([]store.Group, error) {
	return s.store.ListUserGroups(ctx, userName)
}

func (s *Service) SearchGroups(q string) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}
	}
	return s.search.Search(search.Query{Text: q, FilterType: search.ResultGroup, Limit: 20})
}

func (s *Service) SearchAll(q string, typ search.ResultType) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}
	}
	return s.search.Search(search.Query{Text: q, FilterType: typ, Limit: 20})
}

func (s *Service) UpdateGroup(ctx context.Context, session Session, groupID, name string) (GroupView, error) {
	if err := s.requireAdmin(ctx, session, groupID); err != nil {
		return GroupView{}, err
	}
	if err := s.store.UpdateGroup(ctx, groupID, name, ""); err != nil {
		return GroupView{}, err
	}
	if s.search != nil && name != "" {
		s.search.IndexGroup(search.GroupRecord{ID: groupID, Name: name})
	}
	return s.FetchGroup(ctx, session, groupID)
}

func (s *Service) DeleteGroup(ctx context.Context, session Session, groupID string) error {
	if err := s.requireAdmin(ctx, session, groupID); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.RemoveGroup(groupID)
	}
	return nil
}

func (s *Service) AddAdmin(ctx context.Context, session Session, groupID, userName string) error {
	if err := s.requireAdmin(ctx, session, groupID); err != nil {
		return err
	}
	return s.store.AddMember(ctx, groupID, userName, true)
}

func (s *Service) RemoveAdmin(ctx context.Context, session Session, groupID, userName string) error {
	if err := s.requireAdmin(ctx, session, groupID); err != nil {
		return err
	}
	return s.store.RemoveAdmin(ctx, groupID, userName)
}

func (s *Service) AddMember(ctx context.Context, session Session, groupID, userName string) error {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !contains(group.Members, session.UserName) {
		return errNotMember(groupID)
	}
	return s.store.AddMember(ctx, groupID, userName, false)
}

func (s *Service) RemoveMember(ctx context.Context, session Session, groupID, userName string) error {
	// Members may leave on their own; removing anyone else takes admin.
	if session.UserName != userName {
		if err := s.requireAdmin(ctx, session, groupID); err != nil {
			return err
		}
	}
	return s.store.RemoveMember(ctx, groupID, userName)
}

func (s *Service) SetGroupPicture(ctx context.Context, session Session, groupID string, data []byte, contentType string) (string, error) {
	if s.media == nil {
		return "", domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Picture storage is not configured", nil)
	}
	if err := s.requireAdmin(ctx, session, groupID); err != nil {
		return "", err
	}
	key := "groups/" + groupID
	if err := s.media.PutPicture(ctx, key, data, contentType); err != nil {
		return "", err
	}
	if err := s.store.UpdateGroup(ctx, groupID, "", key); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) requireAdmin(ctx context.Context, session Session, groupID string) error {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !contains(group.Admins, session.UserName) {
		return errForbidden("Admin rights required")
	}
	return nil
}

// Chat

// SendMessage appends the message to the durable log and only then hands
// it to the fan-out. A push that never arrives is recovered by the
// history endpoints; the append is the source of truth.
func (s *Service) SendMessage(ctx context.Context, session Session, groupID, body string) (chat.Message, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return chat.Message{}, err
	}
	if !contains(group.Members, session.UserName) {
		return chat.Message{}, errNotMember(groupID)
	}

	msg := chat.Message{Sender: session.UserName, Body: body}
	if err := msg.Validate(); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", chat.ErrInvalidMessage, err)
	}

	appended, err := s.store.Append(ctx, groupID, msg)
	if err != nil {
		return chat.Message{}, err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.fanout.Publish(ctx, groupID, appended); err != nil {
			log.Printf("chat publish failed group=%s seq=%d: %v", groupID, appended.Seq, err)
		}
	}()

	return appended, nil
}

func (s *Service) MessagesSince(ctx context.Context, session Session, groupID string, afterSeq int64) ([]chat.Message, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !contains(group.Members, session.UserName) {
		return nil, errNotMember(groupID)
	}
	return s.store.Since(ctx, groupID, afterSeq)
}

func (s *Service) SubscribeMessages(ctx context.Context, session Session, groupID string) (*chat.Subscription, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !contains(group.Members, session.UserName) {
		return nil, errNotMember(groupID)
	}
	return s.fanout.Subscribe(ctx, groupID)
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
