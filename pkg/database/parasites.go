package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Permission tiers
const (
	PermissionUser      = 0
	PermissionModerator = 1
	PermissionAdmin     = 2
)

// Parasite is a registered identity. Accounts are created by the external account layer;
// the relay mostly reads them.
type Parasite struct {
	ID         string
	Name       string
	Color      string
	SoundSet   string
	Volume     int
	Permission int
	Active     bool
	LastActive int64
	CreatedAt  int64
}

// IsModerator reports whether the parasite may run moderation actions
func (p *Parasite) IsModerator() bool {
	return p.Permission >= PermissionModerator
}

const parasiteColumns = "id, name, color, sound_set, volume, permission, active, last_active, created_at"

func scanParasite(row interface{ Scan(...any) error }) (*Parasite, error) {
	var p Parasite
	if err := row.Scan(&p.ID, &p.Name, &p.Color, &p.SoundSet, &p.Volume, &p.Permission,
		&p.Active, &p.LastActive, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateParasite inserts a parasite; empty display fields get the schema defaults
func (db *DB) CreateParasite(ctx context.Context, p *Parasite) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("parasite id and name are required")
	}
	if p.Color == "" {
		p.Color = "#ffffff"
	}
	if p.SoundSet == "" {
		p.SoundSet = "default"
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = nowMillis()
	}

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Parasite (`+parasiteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Color, p.SoundSet, p.Volume, p.Permission, p.Active, p.LastActive, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert parasite: %w", err)
	}
	return nil
}

func (db *DB) GetParasite(ctx context.Context, id string) (*Parasite, error) {
	p, err := scanParasite(db.conn.QueryRowContext(ctx,
		"SELECT "+parasiteColumns+" FROM Parasite WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrParasiteNotFound
	}
	return p, err
}

func (db *DB) ParasiteExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM Parasite WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// ListParasites returns every parasite ordered by name
func (db *DB) ListParasites(ctx context.Context) ([]*Parasite, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+parasiteColumns+" FROM Parasite ORDER BY name COLLATE NOCASE")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parasites []*Parasite
	for rows.Next() {
		p, err := scanParasite(rows)
		if err != nil {
			return nil, err
		}
		parasites = append(parasites, p)
	}
	return parasites, rows.Err()
}

// SetParasiteActive activates or deactivates an account
func (db *DB) SetParasiteActive(ctx context.Context, id string, active bool) error {
	result, err := db.writeConn.ExecContext(ctx, "UPDATE Parasite SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrParasiteNotFound
	}
	return nil
}

// TouchLastActive queues a last_active update; it is written on the next buffer flush
func (db *DB) TouchLastActive(id string) {
	db.WriteBuffer.TouchParasite(id, nowMillis())
}
