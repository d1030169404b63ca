package server

import (
	"context"

	"github.com/aeolun/parasitechat/pkg/database"
)

// ParasiteDirectory supplies the identities shown in the presence list.
// *database.DB implements it; tests use an in-memory fake.
type ParasiteDirectory interface {
	ListParasites(ctx context.Context) ([]*database.Parasite, error)
}

// MembershipSource resolves the current members of a room
type MembershipSource interface {
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
}

// DestinationResolver is what the router needs to classify a destination id
type DestinationResolver interface {
	MembershipSource
	RoomExists(ctx context.Context, id string) (bool, error)
	ParasiteExists(ctx context.Context, id string) (bool, error)
	IsMember(ctx context.Context, roomID, parasiteID string) (bool, error)
}

// ToolRunner executes moderator/admin tools from the external tool catalogue.
// Tools see decrypted, plain data only.
type ToolRunner interface {
	Run(ctx context.Context, caller database.Parasite, name string, args map[string]any) (map[string]any, error)
}
