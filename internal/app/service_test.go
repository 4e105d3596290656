package app

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"couponverse/api/internal/authpw"
	"couponverse/api/internal/chat"
	"couponverse/api/internal/config"
	"couponverse/api/internal/embedding"
	"couponverse/api/internal/ml"
	"couponverse/api/internal/store"
)

type fakeStore struct {
	pingFn                func(context.Context) error
	createUserFn          func(context.Context, store.User) error
	getUserByNameFn       func(context.Context, string) (store.User, error)
	getUsersByNamesFn     func(context.Context, []string) ([]store.User, error)
	updateUserProfileFn   func(context.Context, string, string, string, string) error
	deleteUserFn          func(context.Context, string) error
	updateUserEmbeddingFn func(context.Context, string, embedding.Vector) error
	listCouponsFn         func(context.Context, string) ([]store.Coupon, error)
	getCouponFn           func(context.Context, string, int) (store.Coupon, error)
	couponCountFn         func(context.Context, string) (int, error)
	addCouponFn           func(context.Context, string, store.Coupon) (int, error)
	updateCouponFn        func(context.Context, string, int, store.Coupon) error
	deleteCouponFn        func(context.Context, string, int) error
	createGroupFn         func(context.Context, store.Group) error
	getGroupFn            func(context.Context, string) (store.Group, error)
	listGroupsFn          func(context.Context) ([]store.Group, error)
	listUserGroupsFn      func(context.Context, string) ([]store.Group, error)
	updateGroupFn         func(context.Context, string, string, string) error
	deleteGroupFn         func(context.Context, string) error
	addMemberFn           func(context.Context, string, string, bool) error
	removeAdminFn         func(context.Context, string, string) error
	removeMemberFn        func(context.Context, string, string) error
	appendFn              func(context.Context, string, chat.Message) (chat.Message, error)
	sinceFn               func(context.Context, string, int64) ([]chat.Message, error)
	listMessagesFn        func(context.Context, string) ([]chat.Message, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByName(ctx context.Context, userName string) (store.User, error) {
	if f.getUserByNameFn != nil {
		return f.getUserByNameFn(ctx, userName)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUsersByNames(ctx context.Context, userNames []string) ([]store.User, error) {
	if f.getUsersByNamesFn != nil {
		return f.getUsersByNamesFn(ctx, userNames)
	}
	return nil, nil
}
func (f *fakeStore) UpdateUserProfile(ctx context.Context, userName, newName, newPasswordHash, newPictureKey string) error {
	if f.updateUserProfileFn != nil {
		return f.updateUserProfileFn(ctx, userName, newName, newPasswordHash, newPictureKey)
	}
	return nil
}
func (f *fakeStore) DeleteUser(ctx context.Context, userName string) error {
	if f.deleteUserFn != nil {
		return f.deleteUserFn(ctx, userName)
	}
	return nil
}
func (f *fakeStore) UpdateUserEmbedding(ctx context.Context, userID string, avg embedding.Vector) error {
	if f.updateUserEmbeddingFn != nil {
		return f.updateUserEmbeddingFn(ctx, userID, avg)
	}
	return nil
}
func (f *fakeStore) ListCoupons(ctx context.Context, userID string) ([]store.Coupon, error) {
	if f.listCouponsFn != nil {
		return f.listCouponsFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) GetCoupon(ctx context.Context, userID string, index int) (store.Coupon, error) {
	if f.getCouponFn != nil {
		return f.getCouponFn(ctx, userID, index)
	}
	return store.Coupon{}, sql.ErrNoRows
}
func (f *fakeStore) CouponCount(ctx context.Context, userID string) (int, error) {
	if f.couponCountFn != nil {
		return f.couponCountFn(ctx, userID)
	}
	return 0, nil
}
func (f *fakeStore) AddCoupon(ctx context.Context, userID string, c store.Coupon) (int, error) {
	if f.addCouponFn != nil {
		return f.addCouponFn(ctx, userID, c)
	}
	return 1, nil
}
func (f *fakeStore) UpdateCoupon(ctx context.Context, userID string, index int, c store.Coupon) error {
	if f.updateCouponFn != nil {
		return f.updateCouponFn(ctx, userID, index, c)
	}
	return nil
}
func (f *fakeStore) DeleteCoupon(ctx context.Context, userID string, index int) error {
	if f.deleteCouponFn != nil {
		return f.deleteCouponFn(ctx, userID, index)
	}
	return nil
}
func (f *fakeStore) CreateGroup(ctx context.Context, group store.Group) error {
	if f.createGroupFn != nil {
		return f.createGroupFn(ctx, group)
	}
	return nil
}
func (f *fakeStore) GetGroup(ctx context.Context, groupID string) (store.Group, error) {
	if f.getGroupFn != nil {
		return f.getGroupFn(ctx, groupID)
	}
	return store.Group{}, sql.ErrNoRows
}
func (f *fakeStore) ListGroups(ctx context.Context) ([]store.Group, error) {
	if f.listGroupsFn != nil {
		return f.listGroupsFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) ListUserGroups(ctx context.Context, userName string) ([]store.Group, error) {
	if f.listUserGroupsFn != nil {
		return f.listUserGroupsFn(ctx, userName)
	}
	return nil, nil
}
func (f *fakeStore) UpdateGroup(ctx context.Context, groupID, name, pictureKey string) error {
	if f.updateGroupFn != nil {
		return f.updateGroupFn(ctx, groupID, name, pictureKey)
	}
	return nil
}
func (f *fakeStore) DeleteGroup(ctx context.Context, groupID string) error {
	if f.deleteGroupFn != nil {
		return f.deleteGroupFn(ctx, groupID)
	}
	return nil
}
func (f *fakeStore) AddMember(ctx context.Context, groupID, userName string, isAdmin bool) error {
	if f.addMemberFn != nil {
		return f.addMemberFn(ctx, groupID, userName, isAdmin)
	}
	return nil
}
func (f *fakeStore) RemoveAdmin(ctx context.Context, groupID, userName string) error {
	if f.removeAdminFn != nil {
		return f.removeAdminFn(ctx, groupID, userName)
	}
	return nil
}
func (f *fakeStore) RemoveMember(ctx context.Context, groupID, userName string) error {
	if f.removeMemberFn != nil {
		return f.removeMemberFn(ctx, groupID, userName)
	}
	return nil
}
func (f *fakeStore) Append(ctx context.Context, groupID string, msg chat.Message) (chat.Message, error) {
	if f.appendFn != nil {
		return f.appendFn(ctx, groupID, msg)
	}
	msg.Seq = 1
	return msg, nil
}
func (f *fakeStore) Since(ctx context.Context, groupID string, afterSeq int64) ([]chat.Message, error) {
	if f.sinceFn != nil {
		return f.sinceFn(ctx, groupID, afterSeq)
	}
	return nil, nil
}
func (f *fakeStore) List(ctx context.Context, groupID string) ([]chat.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, groupID)
	}
	return []chat.Message{}, nil
}

type fakeSessions struct {
	saved   map[string]store.User
	revoked []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, userID, userName string, _ time.Time) error {
	f.saved[tokenHash] = store.User{ID: userID, UserName: userName}
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := f.saved[tokenHash]
	if !ok {
		return store.User{}, errors.New("session not found")
	}
	return user, nil
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	f.revoked = append(f.revoked, tokenHash)
	return nil
}

type fakeML struct {
	embedFn     func(context.Context, string) (embedding.Vector, error)
	embedPairFn func(context.Context, string, string) (embedding.Vector, embedding.Vector, error)
	recommendFn func(context.Context, embedding.Vector) ([]ml.Product, error)
}

func (f *fakeML) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, text)
	}
	return embedding.Vector{0, 0}, nil
}
func (f *fakeML) EmbedPair(ctx context.Context, oldText, newText string) (embedding.Vector, embedding.Vector, error) {
	if f.embedPairFn != nil {
		return f.embedPairFn(ctx, oldText, newText)
	}
	return embedding.Vector{0, 0}, embedding.Vector{0, 0}, nil
}
func (f *fakeML) Recommend(ctx context.Context, vec embedding.Vector) ([]ml.Product, error) {
	if f.recommendFn != nil {
		return f.recommendFn(ctx, vec)
	}
	return nil, nil
}

type publishedEvent struct {
	groupID string
	msg     chat.Message
}

type fakePublisher struct {
	published chan publishedEvent
	publishFn func(context.Context, string, chat.Message) error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(chan publishedEvent, 16)}
}

func (f *fakePublisher) Publish(ctx context.Context, groupID string, msg chat.Message) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, groupID, msg)
	}
	f.published <- publishedEvent{groupID: groupID, msg: msg}
	return nil
}
func (f *fakePublisher) Subscribe(context.Context, string) (*chat.Subscription, error) {
	return nil, errors.New("not supported in tests")
}

func newTestService(fs *fakeStore, fm *fakeML, fp *fakePublisher) *Service {
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
	}
	return New(cfg, fs, newFakeSessions(), authpw.NewService(fs, 2), fm, nil, fp, nil, nil)
}

func vecClose(a, b embedding.Vector) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestAddCouponUpdatesRunningAverage(t *testing.T) {
	user := store.User{ID: "usr_1", UserName: "dana", AvgEmbedding: embedding.Vector{1, 1}}

	var stored embedding.Vector
	fs := &fakeStore{
		getUserByNameFn: func(_ context.Context, name string) (store.User, error) {
			return user, nil
		},
		addCouponFn: func(_ context.Context, _ string, _ store.Coupon) (int, error) {
			return 2, nil
		},
		updateUserEmbeddingFn: func(_ context.Context, _ string, avg embedding.Vector) error {
			stored = avg
			return nil
		},
	}
	fm := &fakeML{
		embedFn: func(_ context.Context, _ string) (embedding.Vector, error) {
			return embedding.Vector{3, 3}, nil
		},
	}
	svc := newTestService(fs, fm, newFakePublisher())

	coupon, err := svc.AddCoupon(context.Background(), Session{UserName: "dana"}, "dana", store.Coupon{Title: "10% off"})
	if err != nil {
		t.Fatalf("AddCoupon: %v", err)
	}
	if coupon.Position != 1 {
		t.Errorf("expected position 1, got %d", coupon.Position)
	}
	// ((1*1)+3)/2 = 2 per component
	if !vecClose(stored, embedding.Vector{2, 2}) {
		t.Errorf("expected stored average [2 2], got %v", stored)
	}
}

func TestAddCouponEmbedFailureKeepsCoupon(t *testing.T) {
	added := false
	embeddingTouched := false
	fs := &fakeStore{
		getUserByNameFn: func(_ context.Context, _ string) (store.User, error) {
			return store.User{ID: "usr_1", UserName: "dana", AvgEmbedding: embedding.Vector{1, 1}}, nil
		},
		addCouponFn: func(_ context.Context, _ string, _ store.Coupon) (int, error) {
			added = true
			return 2, nil
		},
		updateUserEmbeddingFn: func(_ context.Context, _ string, _ embedding.Vector) error {
			embeddingTouched = true
			return nil
		},
	}
	fm := &fakeML{
		embedFn: func(_ context.Context, _ string) (embedding.Vector, error) {
			return nil, ml.ErrEmbeddingService
		},
	}
	svc := newTestService(fs, fm, newFakePublisher())

	_, err := svc.AddCoupon(context.Background(), Session{UserName: "dana"}, "dana", store.Coupon{Title: "10% off"})
	if !errors.Is(err, ml.ErrEmbeddingService) {
		t.Fatalf("expected ErrEmbeddingService, got %v", err)
	}
	if !added {
		t.Error("coupon should be stored even when embedding fails")
	}
	if embeddingTouched {
		t.Error("average must stay untouched when embedding fails")
	}
}

func TestEditCouponSwapsContribution(t *testing.T) {
	original := store.Coupon{Title: "old title", Category: "food"}

	var pairOldText string
	var stored embedding.Vector
	fs := &fakeStore{
		getUserByNameFn: func(_ context.Context, _ string) (store.User, error) {
			return store.User{ID: "usr_1", UserName: "dana", AvgEmbedding: embedding.Vector{2, 2}}, nil
		},
		getCouponFn: func(_ context.Context, _ string, index int) (store.Coupon, error) {
			return original, nil
		},
		couponCountFn: func(_ context.Context, _ string) (int, error) {
			return 2, nil
		},
		updateUserEmbeddingFn: func(_ context.Context, _ string, avg embedding.Vector) error {
			stored = avg
			return nil
		},
	}
	fm := &fakeML{
		embedPairFn: func(_ context.Context, oldText, _ string) (embedding.Vector, embedding.Vector, error) {
			pairOldText = oldText
			return embedding.Vector{3, 3}, embedding.Vector{5, 5}, nil
		},
	}
	svc := newTestService(fs, fm, newFakePublisher())

	_, err := svc.EditCoupon(context.Background(), Session{UserName: "dana"}, "dana", 0, store.Coupon{Title: "new title", Category: "food"})
	if err != nil {
		t.Fatalf("EditCoupon: %v", err)
	}
	if pairOldText != original.EmbedText() {
		t.Errorf("pre-edit text should feed the old embedding, got %q", pairOldText)
	}
	// ((2*2)+5-3)/2 = 3 per component
	if !vecClose(stored, embedding.Vector{3, 3}) {
		t.Errorf("expected stored average [3 3], got %v", stored)
	}
}

func TestDeleteCouponLeavesAverageAlone(t *testing.T) {
	deleted := false
	fs := &fakeStore{
		getUserByNameFn: func(_ context.Context, _ string) (store.User, error) {
			return store.User{ID: "usr_1", UserName: "dana", AvgEmbedding: embedding.Vector{2, 2}}, nil
		},
		deleteCouponFn: func(_ context.Context, _ string, _ int) error {
			deleted = true
			return nil
		},
		updateUserEmbeddingFn: func(_ context.Context, _ string, _ embedding.Vector) error {
			t.Error("delete must never touch the average")
			return nil
		},
	}
	fm := &fakeML{
		embedFn: func(_ context.Context, _ string) (embedding.Vector, error) {
			t.Error("delete must never call the embedding service")
			return nil, nil
		},
	}
	svc := newTestService(fs, fm, newFakePublisher())

	if err := svc.DeleteCoupon(context.Background(), Session{UserName: "dana"}, "dana", 0); err != nil {
		t.Fatalf("DeleteCoupon: %v", err)
	}
	if !deleted {
		t.Error("expected the coupon row to be deleted")
	}
}

func TestSendMessageAppendsThenPublishes(t *testing.T) {
	appended := false
	fs := &fakeStore{
		getGroupFn: func(_ context.Context, groupID string) (store.Group, error) {
			return store.Group{ID: groupID, Members: []string{"dana", "omer"}}, nil
		},
		appendFn: func(_ context.Context, _ string, msg chat.Message) (chat.Message, error) {
			appended = true
			msg.Seq = 7
			msg.SentAt = "2026-08-29"
			return msg, nil
		},
	}
	fp := newFakePublisher()
	svc := newTestService(fs, &fakeML{}, fp)
	session := Session{UserID: "usr_1", UserName: "dana"}

	msg, err := svc.SendMessage(context.Background(), session, "grp_1", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !appended {
		t.Fatal("message must be appended before publishing")
	}
	if msg.Seq != 7 {
		t.Errorf("expected seq 7, got %d", msg.Seq)
	}

	select {
	case event := <-fp.published:
		if event.groupID != "grp_1" || event.msg.Seq != 7 {
			t.Errorf("unexpected publish %q seq %d", event.groupID, event.msg.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the appended message to be published")
	}
}

func TestSendMessagePublishFailureDoesNotFailRequest(t *testing.T) {
	fs := &fakeStore{
		getGroupFn: func(_ context.Context, groupID string) (store.Group, error) {
			return store.Group{ID: groupID, Members: []string{"dana"}}, nil
		},
	}
	fp := newFakePublisher()
	fp.publishFn = func(context.Context, string, chat.Message) error {
		return errors.New("redis down")
	}
	svc := newTestService(fs, &fakeML{}, fp)

	msg, err := svc.SendMessage(context.Background(), Session{UserName: "dana"}, "grp_1", "hello")
	if err != nil {
		t.Fatalf("append succeeded, request must succeed: %v", err)
	}
	if msg.Seq == 0 {
		t.Error("expected an assigned seq")
	}
}

func TestSendMessageNonMember(t *testing.T) {
	fs := &fakeStore{
		getGroupFn: func(_ context.Context, groupID string) (store.Group, error) {
			return store.Group{ID: groupID, Members: []string{"omer"}}, nil
		},
	}
	svc := newTestService(fs, &fakeML{}, newFakePublisher())

	_, err := svc.SendMessage(context.Background(), Session{UserName: "dana"}, "grp_1", "hello")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_A_MEMBER" {
		t.Fatalf("expected NOT_A_MEMBER, got %v", err)
	}
}

func TestFetchGroupIdempotent(t *testing.T) {
	fs := &fakeStore{
		getGroupFn: func(_ context.Context, groupID string) (store.Group, error) {
			return store.Group{ID: groupID, Name: "deals", Admins: []string{"dana"}, Members: []string{"dana", "omer"}}, nil
		},
		listMessagesFn: func(_ context.Context, _ string) ([]chat.Message, error) {
			return []chat.Message{
				{Sender: "dana", Body: "hi", SentAt: "2026-08-28", Seq: 1},
				{Sender: "omer", Body: "hey", SentAt: "2026-08-29", Seq: 2},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeML{}, newFakePublisher())
	session := Session{UserName: "dana"}

	first, err := svc.FetchGroup(context.Background(), session, "grp_1")
	if err != nil {
		t.Fatalf("FetchGroup: %v", err)
	}
	second, err := svc.FetchGroup(context.Background(), session, "grp_1")
	if err != nil {
		t.Fatalf("FetchGroup: %v", err)
	}
	if len(first.Messages) != 2 || len(second.Messages) != 2 {
		t.Fatalf("expected both fetches to return 2 messages")
	}
	for i := range first.Messages {
		if first.Messages[i] != second.Messages[i] {
			t.Errorf("fetches disagree at %d: %+v vs %+v", i, first.Messages[i], second.Messages[i])
		}
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	fs := &fakeStore{
		getUserByNameFn: func(_ context.Context, _ string) (store.User, error) {
			return store.User{}, sql.ErrNoRows
		},
		createUserFn: func(_ context.Context, user store.User) error {
			if len(user.AvgEmbedding) != 2 {
				t.Errorf("expected zero vector of dim 2 at registration, got %v", user.AvgEmbedding)
			}
			return nil
		},
	}
	svc := newTestService(fs, &fakeML{}, newFakePublisher())

	session, err := svc.Register(context.Background(), authpw.RegisterRequest{UserName: "dana", Password: "longenough"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	next, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == session.RefreshToken {
		t.Error("refresh must rotate the refresh token")
	}
	if next.UserName != "dana" {
		t.Errorf("expected userName dana, got %q", next.UserName)
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Error("old refresh token must be revoked after use")
	}
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	fs := &fakeStore{
		getGroupFn: func(_ context.Context, groupID string) (store.Group, error) {
			return store.Group{ID: groupID, Admins: []string{"omer"}, Members: []string{"omer", "dana"}}, nil
		},
	}
	svc := newTestService(fs, &fakeML{}, newFakePublisher())
	session := Session{UserName: "dana"}

	if err := svc.DeleteGroup(context.Background(), session, "grp_1"); err == nil {
		t.Error("non-admin delete must fail")
	}
	if err := svc.AddAdmin(context.Background(), session, "grp_1", "someone"); err == nil {
		t.Error("non-admin promote must fail")
	}
	// Leaving the group yourself needs no admin rights.
	if err := svc.RemoveMember(context.Background(), session, "grp_1", "dana"); err != nil {
		t.Errorf("self-removal should be allowed: %v", err)
	}
	if err := svc.RemoveMember(context.Background(), session, "grp_1", "omer"); err == nil {
		t.Error("removing someone else without admin rights must fail")
	}
}

func TestCouponMutationsRequireOwnership(t *testing.T) {
	fs := &fakeStore{
		getUserByNameFn: func(_ context.Context, _ string) (store.User, error) {
			t.Error("ownership must be rejected before any store access")
			return store.User{}, sql.ErrNoRows
		},
		addCouponFn: func(_ context.Context, _ string, _ store.Coupon) (int, error) {
			t.Error("another user's coupons must not be mutated")
			return 0, nil
		},
	}
	svc := newTestService(fs, &fakeML{}, newFakePublisher())
	session := Session{UserName: "mallory"}

	assertForbidden := func(err error) {
		t.Helper()
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
			t.Fatalf("expected FORBIDDEN, got %v", err)
		}
	}

	_, err := svc.AddCoupon(context.Background(), session, "dana", store.Coupon{Title: "10% off"})
	assertForbidden(err)
	_, err = svc.EditCoupon(context.Background(), session, "dana", 0, store.Coupon{Title: "changed"})
	assertForbidden(err)
	assertForbidden(svc.DeleteCoupon(context.Background(), session, "dana", 0))
}

func TestParseCouponUnconfigured(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeML{}, newFakePublisher())

	_, err := svc.ParseCoupon(context.Background(), "20% off at Foo, code SAVE20")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "EXTRACTION_UNAVAILABLE" {
		t.Fatalf("expected EXTRACTION_UNAVAILABLE, got %v", err)
	}
}
