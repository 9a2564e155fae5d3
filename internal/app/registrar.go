package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"batchcast/internal/storage"
	"batchcast/internal/transport"
)

// registrar stores inbound /start and /join requests as recipients.
type registrar struct {
	store storage.Store
}

var _ transport.Registrar = (*registrar)(nil)

func (r *registrar) Register(ctx context.Context, reg transport.Registration) (string, error) {
	existing, err := r.store.GetRecipient(ctx, reg.ChatID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	if strings.TrimSpace(reg.Group) == "" {
		rec := storage.Recipient{ChatID: reg.ChatID, Username: reg.Username}
		if existing != nil {
			rec.GroupID = existing.GroupID
		}
		if _, err := r.store.UpsertRecipient(ctx, rec); err != nil {
			return "", err
		}
		if rec.GroupID == 0 {
			return "Hello! Pick your group with /join <group>. See /groups for the list.", nil
		}
		name, err := r.groupName(ctx, rec.GroupID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Welcome back! You're in group: %s\nUse /join <group> to change it.", name), nil
	}

	g, ok, err := r.findGroup(ctx, reg.Group)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("Unknown group %q. See /groups for the list.", strings.TrimSpace(reg.Group)), nil
	}
	if _, err := r.store.UpsertRecipient(ctx, storage.Recipient{ChatID: reg.ChatID, Username: reg.Username, GroupID: g.ID}); err != nil {
		return "", err
	}
	action := "selected"
	if existing != nil && existing.GroupID != 0 {
		action = "updated"
	}
	return fmt.Sprintf("Group %s: %s", action, g.Name), nil
}

func (r *registrar) GroupNames(ctx context.Context) ([]string, error) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Name)
	}
	return out, nil
}

func (r *registrar) findGroup(ctx context.Context, name string) (storage.Group, bool, error) {
	want := strings.Join(strings.Fields(name), " ")
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return storage.Group{}, false, err
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, want) {
			return g, true, nil
		}
	}
	return storage.Group{}, false, nil
}

func (r *registrar) groupName(ctx context.Context, id int64) (string, error) {
	groups, err := r.store.ListGroups(ctx)
	if err != nil {
		return "", err
	}
	for _, g := range groups {
		if g.ID == id {
			return g.Name, nil
		}
	}
	return fmt.Sprintf("#%d", id), nil
}
