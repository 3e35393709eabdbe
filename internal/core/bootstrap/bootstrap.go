// Package bootstrap seeds a fresh database: the default organization,
// an admin operator, and the builtin proactive rules. Every step is
// idempotent so the core can run it unconditionally at startup.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/abhi1693/openclaw-agency/internal/core/id"
	"github.com/abhi1693/openclaw-agency/internal/core/proactivity"
	"github.com/abhi1693/openclaw-agency/internal/core/store"
)

const (
	defaultOrgName  = "default"
	defaultUsername = "admin"
)

// Run creates the default org and admin operator when the database has
// no organizations yet, then seeds the builtin rules for every org.
// The generated admin password is logged exactly once, on first boot.
func Run(ctx context.Context, st *store.Store) error {
	count, err := st.CountOrgs(ctx)
	if err != nil {
		return fmt.Errorf("count orgs: %w", err)
	}

	if count == 0 {
		if err := createDefaults(ctx, st); err != nil {
			return err
		}
	} else {
		slog.Info("bootstrap: organizations already exist, skipping defaults")
	}

	orgs, err := st.ListOrgs(ctx)
	if err != nil {
		return fmt.Errorf("list orgs: %w", err)
	}
	for _, org := range orgs {
		created, err := proactivity.SeedBuiltinRules(ctx, st, org.ID)
		if err != nil {
			return fmt.Errorf("seed builtin rules for org %s: %w", org.ID, err)
		}
		if created > 0 {
			slog.Info("bootstrap: seeded builtin rules", "org_id", org.ID, "created", created)
		}
	}
	return nil
}

func createDefaults(ctx context.Context, st *store.Store) error {
	orgID := id.Generate()
	if err := st.CreateOrg(ctx, store.CreateOrgParams{
		ID:   orgID,
		Name: defaultOrgName,
	}); err != nil {
		return fmt.Errorf("create default org: %w", err)
	}

	password, err := gonanoid.New(16)
	if err != nil {
		return fmt.Errorf("generate admin password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	operatorID := id.Generate()
	if err := st.CreateOperator(ctx, store.CreateOperatorParams{
		ID:           operatorID,
		OrgID:        orgID,
		Username:     defaultUsername,
		PasswordHash: string(hash),
		IsAdmin:      true,
	}); err != nil {
		return fmt.Errorf("create admin operator: %w", err)
	}

	// The only place this password ever appears. Change it after first
	// login.
	slog.Info("bootstrap: created default org and admin operator",
		"org_id", orgID,
		"username", defaultUsername,
		"password", password,
	)
	return nil
}
