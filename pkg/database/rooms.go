package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotInvited       = errors.New("no pending invitation")
	ErrAlreadyMember    = errors.New("already a member")
	ErrNotMember        = errors.New("not a member of this room")
	ErrOwnerCannotLeave = errors.New("room owner cannot leave")
	ErrParasiteNotFound = errors.New("parasite not found")
)

// MemberState is a parasite's standing in a room
type MemberState string

const (
	StateInvited MemberState = "invited"
	StateMember  MemberState = "member"
)

type Room struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt int64
}

// RoomListing is a room as seen by one parasite
type RoomListing struct {
	Room
	State MemberState
}

// IsValidRoomID reports whether id is shaped like a room id
func IsValidRoomID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// CreateRoom creates a room owned by ownerID
func (db *DB) CreateRoom(ctx context.Context, ownerID, name string) (*Room, error) {
	exists, err := db.ParasiteExists(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrParasiteNotFound
	}

	room := &Room{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: nowMillis(),
	}
	_, err = db.writeConn.ExecContext(ctx,
		"INSERT INTO Room (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)",
		room.ID, room.Name, room.OwnerID, room.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

func (db *DB) GetRoom(ctx context.Context, id string) (*Room, error) {
	if !IsValidRoomID(id) {
		return nil, ErrRoomNotFound
	}
	var room Room
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, name, owner_id, created_at FROM Room WHERE id = ?", id,
	).Scan(&room.ID, &room.Name, &room.OwnerID, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// RoomExists is false for ids that are not valid room ids
func (db *DB) RoomExists(ctx context.Context, id string) (bool, error) {
	if !IsValidRoomID(id) {
		return false, nil
	}
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM Room WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// DeleteRoom removes a room, its memberships and its messages in one transaction
func (db *DB) DeleteRoom(ctx context.Context, id string) error {
	if !IsValidRoomID(id) {
		return ErrRoomNotFound
	}

	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM Message WHERE destination_kind = 'Room' AND destination_id = ?", id); err != nil {
		return fmt.Errorf("delete room messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM Room WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return tx.Commit()
}

// ListRoomsFor returns rooms the parasite owns, belongs to or is invited to
func (db *DB) ListRoomsFor(ctx context.Context, parasiteID string) ([]*RoomListing, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.id, r.name, r.owner_id, r.created_at, 'member'
		FROM Room r WHERE r.owner_id = ?1
		UNION ALL
		SELECT r.id, r.name, r.owner_id, r.created_at, rm.state
		FROM Room r JOIN RoomMember rm ON rm.room_id = r.id
		WHERE rm.parasite_id = ?1 AND r.owner_id != ?1
		ORDER BY 4 ASC
	`, parasiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*RoomListing
	for rows.Next() {
		var r RoomListing
		var state string
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerID, &r.CreatedAt, &state); err != nil {
			return nil, err
		}
		r.State = MemberState(state)
		rooms = append(rooms, &r)
	}
	return rooms, rows.Err()
}

// memberState returns the parasite's state in a room; the owner is always a member.
// An empty state means no relation.
func (db *DB) memberState(ctx context.Context, room *Room, parasiteID string) (MemberState, error) {
	if room.OwnerID == parasiteID {
		return StateMember, nil
	}
	var state string
	err := db.conn.QueryRowContext(ctx,
		"SELECT state FROM RoomMember WHERE room_id = ? AND parasite_id = ?", room.ID, parasiteID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return MemberState(state), nil
}

// Invite records a pending invitation. Inviting someone already invited is a no-op.
func (db *DB) Invite(ctx context.Context, roomID, parasiteID string) error {
	room, err := db.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	exists, err := db.ParasiteExists(ctx, parasiteID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrParasiteNotFound
	}

	state, err := db.memberState(ctx, room, parasiteID)
	if err != nil {
		return err
	}
	switch state {
	case StateMember:
		return ErrAlreadyMember
	case StateInvited:
		return nil
	}

	_, err = db.writeConn.ExecContext(ctx, `
		INSERT INTO RoomMember (room_id, parasite_id, state, updated_at) VALUES (?, ?, 'invited', ?)
		ON CONFLICT (room_id, parasite_id) DO NOTHING
	`, roomID, parasiteID, nowMillis())
	return err
}

// RespondInvite accepts or declines a pending invitation
func (db *DB) RespondInvite(ctx context.Context, roomID, parasiteID string, accept bool) error {
	room, err := db.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	state, err := db.memberState(ctx, room, parasiteID)
	if err != nil {
		return err
	}
	switch state {
	case StateMember:
		return ErrAlreadyMember
	case "":
		return ErrNotInvited
	}

	if accept {
		_, err = db.writeConn.ExecContext(ctx,
			"UPDATE RoomMember SET state = 'member', updated_at = ? WHERE room_id = ? AND parasite_id = ?",
			nowMillis(), roomID, parasiteID)
	} else {
		_, err = db.writeConn.ExecContext(ctx,
			"DELETE FROM RoomMember WHERE room_id = ? AND parasite_id = ?", roomID, parasiteID)
	}
	return err
}

// Join accepts a pending invitation. Joining a room one already belongs to succeeds.
func (db *DB) Join(ctx context.Context, roomID, parasiteID string) error {
	err := db.RespondInvite(ctx, roomID, parasiteID, true)
	if errors.Is(err, ErrAlreadyMember) {
		return nil
	}
	return err
}

// Leave removes a membership or declines a pending invitation
func (db *DB) Leave(ctx context.Context, roomID, parasiteID string) error {
	room, err := db.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.OwnerID == parasiteID {
		return ErrOwnerCannotLeave
	}
	result, err := db.writeConn.ExecContext(ctx,
		"DELETE FROM RoomMember WHERE room_id = ? AND parasite_id = ?", roomID, parasiteID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotMember
	}
	return nil
}

// RoomMembers returns the owner and every accepted member
func (db *DB) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	room, err := db.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT parasite_id FROM RoomMember WHERE room_id = ? AND state = 'member' ORDER BY updated_at", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []string{room.OwnerID}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// IsMember reports whether the parasite owns or has joined the room
func (db *DB) IsMember(ctx context.Context, roomID, parasiteID string) (bool, error) {
	room, err := db.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	state, err := db.memberState(ctx, room, parasiteID)
	return state == StateMember, err
}

// ListEmptyRooms returns rooms created before cutoff (unix ms) that have no members besides the owner
func (db *DB) ListEmptyRooms(ctx context.Context, cutoff int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.id FROM Room r
		WHERE r.created_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM RoomMember rm WHERE rm.room_id = r.id AND rm.state = 'member'
		  )
		ORDER BY r.created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
