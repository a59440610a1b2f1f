package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	userColumns   = "id, email, password_hash, first_name, last_name, created_at"
	groupColumns  = "id, name, type, max_members, owner_id, created_at, updated_at"
	memberColumns = "user_id, group_id, role, joined_at"

	insertMemberQuery = "INSERT INTO group_members (user_id, group_id, role, joined_at) " +
		"VALUES ($1, $2, $3, $4) RETURNING " + memberColumns

	// lockGroupQuery serialises capacity checks and deletion on the group row.
	lockGroupQuery = "SELECT max_members, owner_id FROM chat_groups WHERE id = $1 FOR UPDATE"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.Id, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.CreatedAt)
	return u, err
}

func scanGroup(row rowScanner) (Group, error) {
	var g Group
	err := row.Scan(&g.Id, &g.Name, &g.Type, &g.MaxMembers, &g.OwnerId, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func scanMember(row rowScanner) (Member, error) {
	var m Member
	err := row.Scan(&m.UserId, &m.GroupId, &m.Role, &m.JoinedAt)
	return m, err
}

func (db *PgGoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (email, password_hash, first_name, last_name, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING "+userColumns,
		params.Email,
		params.PasswordHash,
		params.FirstName,
		params.LastName,
		params.CreatedAt,
	)

	u, err := scanUser(row)
	return u, translateError(err)
}

func (db *PgGoChatRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1",
		userId,
	)

	u, err := scanUser(row)
	return u, translateError(err)
}

func (db *PgGoChatRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(email) = lower($1)",
		email,
	)

	u, err := scanUser(row)
	return u, translateError(err)
}

func (db *PgGoChatRepository) CreateGroup(ctx context.Context, params CreateGroupParams) (Group, error) {
	var group Group
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"INSERT INTO chat_groups (id, name, type, max_members, owner_id, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+groupColumns,
			params.Id,
			params.Name,
			params.Type,
			params.MaxMembers,
			params.OwnerId,
			params.CreatedAt,
		)

		var err error
		group, err = scanGroup(row)
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}

		if _, err := tx.ExecContext(ctx, insertMemberQuery, params.OwnerId, group.Id, RoleOwner, params.CreatedAt); err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}

		return nil
	})

	return group, err
}

func (db *PgGoChatRepository) GetGroup(ctx context.Context, groupId string) (Group, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+groupColumns+" FROM chat_groups WHERE id = $1",
		groupId,
	)

	g, err := scanGroup(row)
	return g, translateError(err)
}

func (db *PgGoChatRepository) ListGroups(ctx context.Context, params ListGroupsParams) ([]GroupSummary, error) {
	query := `
		SELECT
			g.id, g.name, g.type, g.max_members, g.owner_id, g.created_at, g.updated_at,
			lm.id, lm.sender_id, lm.content, lm.created_at
		FROM chat_groups g
		LEFT JOIN LATERAL (
			SELECT m.id, m.sender_id, m.content, m.created_at
			FROM messages m
			WHERE m.group_id = g.id
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON true
		WHERE $1 OR EXISTS (
			SELECT 1 FROM group_members gm WHERE gm.group_id = g.id AND gm.user_id = $2
		)
		ORDER BY g.created_at DESC, g.id DESC
		LIMIT $3 OFFSET $4`

	rows, err := db.conn.QueryContext(ctx, query, params.All, params.UserId, params.Limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", translateError(err))
	}
	defer rows.Close()

	groups := make([]GroupSummary, 0)
	for rows.Next() {
		var (
			gs         GroupSummary
			msgId      sql.NullString
			msgSender  sql.NullInt64
			msgContent sql.NullString
			msgCreated sql.NullTime
		)

		if err := rows.Scan(
			&gs.Id,
			&gs.Name,
			&gs.Type,
			&gs.MaxMembers,
			&gs.OwnerId,
			&gs.CreatedAt,
			&gs.UpdatedAt,
			&msgId,
			&msgSender,
			&msgContent,
			&msgCreated,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if msgId.Valid {
			gs.LastMessage = &Message{
				Id:        msgId.String,
				GroupId:   gs.Id,
				SenderId:  int(msgSender.Int64),
				Content:   msgContent.String,
				CreatedAt: msgCreated.Time,
			}
		}

		groups = append(groups, gs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return groups, nil
}

func (db *PgGoChatRepository) DeleteGroup(ctx context.Context, groupId string, ownerId int) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var maxMembers, currentOwner int
		if err := tx.QueryRowContext(ctx, lockGroupQuery, groupId).Scan(&maxMembers, &currentOwner); err != nil {
			return err
		}
		if currentOwner != ownerId {
			return ErrNotFound
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM group_members WHERE group_id = $1", groupId,
		).Scan(&count); err != nil {
			return err
		}
		if count > 1 {
			return ErrGroupNotEmpty
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM chat_groups WHERE id = $1", groupId)
		if err != nil {
			return err
		}

		return expectRows(res)
	})
}

func (db *PgGoChatRepository) GetMember(ctx context.Context, userId int, groupId string) (Member, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM group_members WHERE user_id = $1 AND group_id = $2",
		userId,
		groupId,
	)

	m, err := scanMember(row)
	return m, translateError(err)
}

func (db *PgGoChatRepository) ListMembers(ctx context.Context, groupId string) ([]Member, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT gm.user_id, gm.group_id, gm.role, gm.joined_at, u.email, u.first_name, u.last_name "+
			"FROM group_members gm JOIN users u ON u.id = gm.user_id "+
			"WHERE gm.group_id = $1 ORDER BY gm.joined_at ASC, gm.user_id ASC",
		groupId,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", translateError(err))
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserId, &m.GroupId, &m.Role, &m.JoinedAt, &m.User.Email, &m.User.FirstName, &m.User.LastName); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m.User.Id = m.UserId
		members = append(members, m)
	}

	return members, rows.Err()
}

func (db *PgGoChatRepository) CountMembers(ctx context.Context, groupId string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM group_members WHERE group_id = $1",
		groupId,
	).Scan(&count)

	return count, translateError(err)
}

// insertMemberWithCapacity must run with the group row locked.
func insertMemberWithCapacity(ctx context.Context, tx *sql.Tx, userId int, groupId string, maxMembers int, joinedAt time.Time) (Member, error) {
	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT count(*) FROM group_members WHERE group_id = $1", groupId,
	).Scan(&count); err != nil {
		return Member{}, err
	}
	if count >= maxMembers {
		return Member{}, ErrGroupFull
	}

	return scanMember(tx.QueryRowContext(ctx, insertMemberQuery, userId, groupId, RoleMember, joinedAt))
}

func (db *PgGoChatRepository) AddMember(ctx context.Context, userId int, groupId string, joinedAt time.Time) (Member, error) {
	var member Member
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var maxMembers, ownerId int
		if err := tx.QueryRowContext(ctx, lockGroupQuery, groupId).Scan(&maxMembers, &ownerId); err != nil {
			return err
		}

		var err error
		member, err = insertMemberWithCapacity(ctx, tx, userId, groupId, maxMembers, joinedAt)
		return err
	})

	return member, err
}

func (db *PgGoChatRepository) PromoteMember(ctx context.Context, userId int, groupId string) (Member, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE group_members SET role = $3 WHERE user_id = $1 AND group_id = $2 AND role = $4 "+
			"RETURNING "+memberColumns,
		userId,
		groupId,
		RoleAdmin,
		RoleMember,
	)

	m, err := scanMember(row)
	return m, translateError(err)
}

func (db *PgGoChatRepository) RemoveMember(ctx context.Context, params RemoveMemberParams) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM group_members WHERE user_id = $1 AND group_id = $2 AND role <> $3",
			params.UserId,
			params.GroupId,
			RoleOwner,
		)
		if err != nil {
			return err
		}
		if err := expectRows(res); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO group_bans (user_id, group_id, permanent, created_at) VALUES ($1, $2, $3, $4) "+
				"ON CONFLICT (user_id, group_id) DO UPDATE SET permanent = EXCLUDED.permanent, created_at = EXCLUDED.created_at",
			params.UserId,
			params.GroupId,
			params.Permanent,
			params.BannedAt,
		)
		return err
	})
}

func (db *PgGoChatRepository) TransferOwnership(ctx context.Context, groupId string, fromUserId, toUserId int, at time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE chat_groups SET owner_id = $3, updated_at = $4 WHERE id = $1 AND owner_id = $2",
			groupId, fromUserId, toUserId, at,
		)
		if err != nil {
			return err
		}
		if err := expectRows(res); err != nil {
			return err
		}

		// demote first: the partial unique index allows a single OWNER row
		res, err = tx.ExecContext(ctx,
			"UPDATE group_members SET role = $3 WHERE user_id = $1 AND group_id = $2 AND role = $4",
			fromUserId, groupId, RoleAdmin, RoleOwner,
		)
		if err != nil {
			return err
		}
		if err := expectRows(res); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx,
			"UPDATE group_members SET role = $3 WHERE user_id = $1 AND group_id = $2",
			toUserId, groupId, RoleOwner,
		)
		if err != nil {
			return err
		}
		return expectRows(res)
	})
}

func (db *PgGoChatRepository) GetBan(ctx context.Context, userId int, groupId string) (Ban, error) {
	var b Ban
	err := db.conn.QueryRowContext(ctx,
		"SELECT user_id, group_id, permanent, created_at FROM group_bans WHERE user_id = $1 AND group_id = $2",
		userId,
		groupId,
	).Scan(&b.UserId, &b.GroupId, &b.Permanent, &b.CreatedAt)

	return b, translateError(err)
}

func (db *PgGoChatRepository) DeleteExpiredBan(ctx context.Context, userId int, groupId string, expiredBefore time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM group_bans WHERE user_id = $1 AND group_id = $2 AND permanent = FALSE AND created_at <= $3",
		userId,
		groupId,
		expiredBefore,
	)
	if err != nil {
		return false, translateError(err)
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func scanJoinRequest(row rowScanner) (JoinRequest, error) {
	var jr JoinRequest
	err := row.Scan(&jr.UserId, &jr.GroupId, &jr.Status, &jr.CreatedAt, &jr.UpdatedAt)
	return jr, err
}

func (db *PgGoChatRepository) GetJoinRequest(ctx context.Context, userId int, groupId string) (JoinRequest, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT user_id, group_id, status, created_at, updated_at FROM join_requests WHERE user_id = $1 AND group_id = $2",
		userId,
		groupId,
	)

	jr, err := scanJoinRequest(row)
	return jr, translateError(err)
}

func (db *PgGoChatRepository) RequestToJoin(ctx context.Context, userId int, groupId string, at time.Time) (JoinRequest, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO join_requests (user_id, group_id, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT (user_id, group_id) DO UPDATE SET status = EXCLUDED.status, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at "+
			"WHERE join_requests.status <> $3 "+
			"RETURNING user_id, group_id, status, created_at, updated_at",
		userId,
		groupId,
		RequestPending,
		at,
	)

	jr, err := scanJoinRequest(row)
	if err == sql.ErrNoRows {
		// the conflicting row is already pending
		return JoinRequest{}, ErrConflict
	}

	return jr, translateError(err)
}

func (db *PgGoChatRepository) ApproveJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) (Member, error) {
	var member Member
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var maxMembers, ownerId int
		if err := tx.QueryRowContext(ctx, lockGroupQuery, groupId).Scan(&maxMembers, &ownerId); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE join_requests SET status = $3, updated_at = $4 WHERE user_id = $1 AND group_id = $2 AND status = $5",
			userId, groupId, RequestApproved, at, RequestPending,
		)
		if err != nil {
			return err
		}
		if err := expectRows(res); err != nil {
			return err
		}

		member, err = insertMemberWithCapacity(ctx, tx, userId, groupId, maxMembers, at)
		return err
	})

	return member, err
}

func (db *PgGoChatRepository) RejectJoinRequest(ctx context.Context, userId int, groupId string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE join_requests SET status = $3, updated_at = $4 WHERE user_id = $1 AND group_id = $2 AND status = $5",
		userId, groupId, RequestRejected, at, RequestPending,
	)
	if err != nil {
		return translateError(err)
	}

	return expectRows(res)
}

func (db *PgGoChatRepository) ListPendingRequests(ctx context.Context, groupId string) ([]JoinRequest, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT jr.user_id, jr.group_id, jr.status, jr.created_at, jr.updated_at, u.email, u.first_name, u.last_name "+
			"FROM join_requests jr JOIN users u ON u.id = jr.user_id "+
			"WHERE jr.group_id = $1 AND jr.status = $2 ORDER BY jr.created_at ASC, jr.user_id ASC",
		groupId,
		RequestPending,
	)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", translateError(err))
	}
	defer rows.Close()

	requests := make([]JoinRequest, 0)
	for rows.Next() {
		var jr JoinRequest
		if err := rows.Scan(&jr.UserId, &jr.GroupId, &jr.Status, &jr.CreatedAt, &jr.UpdatedAt, &jr.User.Email, &jr.User.FirstName, &jr.User.LastName); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		jr.User.Id = jr.UserId
		requests = append(requests, jr)
	}

	return requests, rows.Err()
}

func (db *PgGoChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	var m Message
	err := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (id, group_id, sender_id, content, created_at) VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, group_id, sender_id, content, created_at",
		msg.Id,
		msg.GroupId,
		msg.SenderId,
		msg.Content,
		msg.CreatedAt,
	).Scan(&m.Id, &m.GroupId, &m.SenderId, &m.Content, &m.CreatedAt)

	return m, translateError(err)
}

func (db *PgGoChatRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	query := `
		SELECT m.id, m.group_id, m.sender_id, m.content, m.created_at, u.id, u.first_name, u.last_name
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.group_id = $1
		  AND ($2::uuid IS NULL OR (m.created_at, m.id) < (
			SELECT c.created_at, c.id FROM messages c WHERE c.id = $2::uuid AND c.group_id = $1
		  ))
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3`

	cursor := sql.NullString{String: params.Cursor, Valid: params.Cursor != ""}
	rows, err := db.conn.QueryContext(ctx, query, params.GroupId, cursor, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", translateError(err))
	}
	defer rows.Close()

	messages := make([]Message, 0, params.Limit)
	for rows.Next() {
		var (
			msg       Message
			senderId  sql.NullInt64
			userId    sql.NullInt64
			firstName sql.NullString
			lastName  sql.NullString
		)
		if err := rows.Scan(&msg.Id, &msg.GroupId, &senderId, &msg.Content, &msg.CreatedAt, &userId, &firstName, &lastName); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		msg.SenderId = int(senderId.Int64)
		if userId.Valid {
			msg.Sender = &User{
				Id:        int(userId.Int64),
				FirstName: firstName.String,
				LastName:  lastName.String,
			}
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgGoChatRepository) CountMessages(ctx context.Context, groupId string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM messages WHERE group_id = $1",
		groupId,
	).Scan(&count)

	return count, translateError(err)
}
