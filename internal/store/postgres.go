package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"couponverse/api/internal/chat"
	"couponverse/api/internal/embedding"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	avg, err := json.Marshal(user.AvgEmbedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, user_name, password_hash, picture_key, embedding_dim, avg_embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.UserName, user.PasswordHash, user.PictureKey, user.EmbeddingDim, avg)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, userName string) (User, error) {
	var (
		user User
		avg  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_name, password_hash, picture_key, embedding_dim, avg_embedding, created_at, updated_at
		FROM users WHERE user_name = $1
	`, userName).Scan(&user.ID, &user.UserName, &user.PasswordHash, &user.PictureKey,
		&user.EmbeddingDim, &avg, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	if err := json.Unmarshal(avg, &user.AvgEmbedding); err != nil {
		return User{}, fmt.Errorf("decode embedding for %s: %w", userName, err)
	}
	return user, nil
}

func (s *PostgresStore) GetUsersByNames(ctx context.Context, userNames []string) ([]User, error) {
	users := make([]User, 0, len(userNames))
	for _, name := range userNames {
		user, err := s.GetUserByName(ctx, name)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// UpdateUserProfile updates username, password hash and/or picture. Empty
// arguments leave the field unchanged. A rename cascades into group
// membership and message sender rows, which reference users by name.
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userName, newName, newPasswordHash, newPictureKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET
			user_name = CASE WHEN $2 <> '' THEN $2 ELSE user_name END,
			password_hash = CASE WHEN $3 <> '' THEN $3 ELSE password_hash END,
			picture_key = CASE WHEN $4 <> '' THEN $4 ELSE picture_key END,
			updated_at = NOW()
		WHERE user_name = $1
	`, userName, newName, newPasswordHash, newPictureKey)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	if newName != "" && newName != userName {
		if _, err := tx.ExecContext(ctx, `UPDATE group_members SET user_name = $2 WHERE user_name = $1`, userName, newName); err != nil {
			return fmt.Errorf("rename membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET sender = $2 WHERE sender = $1`, userName, newName); err != nil {
			return fmt.Errorf("rename message sender: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_name = $1`, userName)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserEmbedding(ctx context.Context, userID string, avg embedding.Vector) error {
	data, err := json.Marshal(avg)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET avg_embedding = $2, updated_at = NOW() WHERE id = $1
	`, userID, data)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- coupons ----

const couponColumns = `position, title, company, category, expire_date, is_used, description, code, bought_from`

func scanCoupon(row interface{ Scan(...any) error }) (Coupon, error) {
	var c Coupon
	err := row.Scan(&c.Position, &c.Title, &c.Company, &c.Category, &c.ExpireDate,
		&c.IsUsed, &c.Description, &c.Code, &c.BoughtFrom)
	return c, err
}

func (s *PostgresStore) ListCoupons(ctx context.Context, userID string) ([]Coupon, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+couponColumns+` FROM coupons WHERE user_id = $1 ORDER BY position
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	coupons := []Coupon{}
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

func (s *PostgresStore) GetCoupon(ctx context.Context, userID string, index int) (Coupon, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+couponColumns+` FROM coupons WHERE user_id = $1 AND position = $2
	`, userID, index)
	return scanCoupon(row)
}

func (s *PostgresStore) CouponCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM coupons WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count coupons: %w", err)
	}
	return count, nil
}

// AddCoupon appends a coupon at the end of the user's list and returns the
// post-insert count.
func (s *PostgresStore) AddCoupon(ctx context.Context, userID string, c Coupon) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO coupons (user_id, position, title, company, category, expire_date, is_used, description, code, bought_from)
		VALUES ($1, (SELECT COALESCE(MAX(position)+1, 0) FROM coupons WHERE user_id = $1), $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING position + 1
	`, userID, c.Title, c.Company, c.Category, c.ExpireDate, c.IsUsed, c.Description, c.Code, c.BoughtFrom).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("insert coupon: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateCoupon(ctx context.Context, userID string, index int, c Coupon) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coupons SET title=$3, company=$4, category=$5, expire_date=$6, is_used=$7, description=$8, code=$9, bought_from=$10
		WHERE user_id = $1 AND position = $2
	`, userID, index, c.Title, c.Company, c.Category, c.ExpireDate, c.IsUsed, c.Description, c.Code, c.BoughtFrom)
	if err != nil {
		return fmt.Errorf("update coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteCoupon removes the coupon at index and closes the gap so positions
// stay contiguous. It never touches avg_embedding.
func (s *PostgresStore) DeleteCoupon(ctx context.Context, userID string, index int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete coupon: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM coupons WHERE user_id = $1 AND position = $2`, userID, index)
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `UPDATE coupons SET position = position - 1 WHERE user_id = $1 AND position > $2`, userID, index); err != nil {
		return fmt.Errorf("compact coupon positions: %w", err)
	}
	return tx.Commit()
}

// ---- groups ----

func (s *PostgresStore) CreateGroup(ctx context.Context, group Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, picture_key) VALUES ($1, $2, $3)
	`, group.ID, group.Name, group.PictureKey); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	admins := make(map[string]bool, len(group.Admins))
	for _, a := range group.Admins {
		admins[a] = true
	}
	for _, member := range group.Members {
		if err := upsertMember(ctx, tx, group.ID, member, admins[member]); err != nil {
			return err
		}
	}
	// Admins listed outside Members are members too.
	for _, admin := range group.Admins {
		if err := upsertMember(ctx, tx, group.ID, admin, true); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertMember(ctx context.Context, tx *sql.Tx, groupID, userName string, isAdmin bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO group_members (group_id, user_name, is_admin)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, user_name) DO UPDATE SET is_admin = group_members.is_admin OR EXCLUDED.is_admin
	`, groupID, userName, isAdmin)
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", userName, err)
	}
	return nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var group Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, picture_key, created_at FROM groups WHERE id = $1
	`, groupID).Scan(&group.ID, &group.Name, &group.PictureKey, &group.CreatedAt)
	if err != nil {
		return Group{}, err
	}
	if err := s.loadMembers(ctx, &group); err != nil {
		return Group{}, err
	}
	return group, nil
}

func (s *PostgresStore) loadMembers(ctx context.Context, group *Group) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_name, is_admin FROM group_members WHERE group_id = $1 ORDER BY user_name
	`, group.ID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	group.Members = []string{}
	group.Admins = []string{}
	for rows.Next() {
		var (
			name    string
			isAdmin bool
		)
		if err := rows.Scan(&name, &isAdmin); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		group.Members = append(group.Members, name)
		if isAdmin {
			group.Admins = append(group.Admins, name)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]Group, error) {
	return s.queryGroups(ctx, `SELECT id, name, picture_key, created_at FROM groups ORDER BY created_at`)
}

func (s *PostgresStore) ListUserGroups(ctx context.Context, userName string) ([]Group, error) {
	return s.queryGroups(ctx, `
		SELECT g.id, g.name, g.picture_key, g.created_at
		FROM groups g JOIN group_members m ON m.group_id = g.id
		WHERE m.user_name = $1 ORDER BY g.created_at
	`, userName)
}

func (s *PostgresStore) SearchGroupsByName(ctx context.Context, name string) ([]Group, error) {
	return s.queryGroups(ctx, `
		SELECT id, name, picture_key, created_at FROM groups
		WHERE name ILIKE '%' || $1 || '%' ORDER BY name
	`, name)
}

func (s *PostgresStore) queryGroups(ctx context.Context, query string, args ...any) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.PictureKey, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range groups {
		if err := s.loadMembers(ctx, &groups[i]); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *PostgresStore) UpdateGroup(ctx context.Context, groupID, name, pictureKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET
			name = CASE WHEN $2 <> '' THEN $2 ELSE name END,
			picture_key = CASE WHEN $3 <> '' THEN $3 ELSE picture_key END
		WHERE id = $1
	`, groupID, name, pictureKey)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, groupID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AddMember adds a user to the group, optionally as admin. Granting admin
// to an existing member keeps the row and raises the flag, so an admin is
// always a member.
func (s *PostgresStore) AddMember(ctx context.Context, groupID, userName string, isAdmin bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add member: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertMember(ctx, tx, groupID, userName, isAdmin); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveAdmin demotes an admin to a plain member.
func (s *PostgresStore) RemoveAdmin(ctx context.Context, groupID, userName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE group_members SET is_admin = FALSE WHERE group_id = $1 AND user_name = $2
	`, groupID, userName)
	if err != nil {
		return fmt.Errorf("remove admin: %w", err)
	}
	return nil
}

// RemoveMember drops a user from the group entirely, admin or not.
func (s *PostgresStore) RemoveMember(ctx context.Context, groupID, userName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM group_members WHERE group_id = $1 AND user_name = $2
	`, groupID, userName)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// ---- messages (chat.MessageLog) ----

// Append inserts a message at the next position of the group's log. The
// seq subquery races with concurrent appends to the same group; the
// primary key turns the race into a retry instead of a duplicate position.
func (s *PostgresStore) Append(ctx context.Context, groupID string, msg chat.Message) (chat.Message, error) {
	if err := msg.Validate(); err != nil {
		return chat.Message{}, errors.Join(chat.ErrInvalidMessage, err)
	}
	if msg.SentAt == "" {
		msg.SentAt = time.Now().UTC().Format(chat.DateLayout)
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO messages (group_id, seq, sender, body, sent_at)
			VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE group_id = $1), $2, $3, $4)
			RETURNING seq
		`, groupID, msg.Sender, msg.Body, msg.SentAt).Scan(&msg.Seq)
		if err == nil {
			return msg, nil
		}
		if !isUniqueViolation(err) {
			return chat.Message{}, fmt.Errorf("append message: %w", err)
		}
	}
	return chat.Message{}, fmt.Errorf("append message: seq contention on group %s", groupID)
}

func (s *PostgresStore) Since(ctx context.Context, groupID string, afterSeq int64) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, sender, body, to_char(sent_at, 'YYYY-MM-DD')
		FROM messages WHERE group_id = $1 AND seq > $2 ORDER BY seq
	`, groupID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.Seq, &m.Sender, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, groupID string) ([]chat.Message, error) {
	return s.Since(ctx, groupID, 0)
}

func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var pgErr coder
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
