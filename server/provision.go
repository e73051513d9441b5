package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"cognitogate/cognito"
)

// ErrProvisioning is returned when a verified identity cannot be mapped to a local user.
var ErrProvisioning = errors.New("provision user")

const maxCreateAttempts = 3

// ProvisionOptions controls how Cognito identities become local users.
type ProvisionOptions struct {
	AutoCreate   bool
	DefaultRole  string
	SyncedGroups []string
	GroupPrefix  string
	AttributeMap map[string]string
	Names        NamePolicy
}

// Provisioner finds, links or creates the local user for a verified ID token.
type Provisioner struct {
	users  UserStore
	opts   ProvisionOptions
	logger *slog.Logger
}

// NewProvisioner builds a provisioner over users.
func NewProvisioner(users UserStore, opts ProvisionOptions, logger *slog.Logger) *Provisioner {
	if opts.DefaultRole == "" {
		opts.DefaultRole = DefaultRole
	}
	return &Provisioner{users: users, opts: opts, logger: logger}
}

// Provision resolves the user for claims. Lookup is by Cognito subject,
// then by email (which links the account). Unknown identities are created
// with the default role when auto creation is on. Every path refreshes the
// profile, attributes and synced roles from the claims.
func (p *Provisioner) Provision(ctx context.Context, claims cognito.Claims) (User, error) {
	if claims.Subject == "" {
		return User{}, fmt.Errorf("%w: token has no subject", ErrProvisioning)
	}

	u, err := p.users.FindByCognitoID(ctx, claims.Subject)
	switch {
	case err == nil:
		p.logger.Debug("provision.match", "user_id", u.ID, "by", "cognito_id")
	case errors.Is(err, ErrUserNotFound):
		u, err = p.users.FindByEmail(ctx, claims.Email)
		switch {
		case err == nil:
			p.logger.Info("provision.link", "user_id", u.ID, "email", claims.Email)
			u.CognitoID = claims.Subject
		case errors.Is(err, ErrUserNotFound):
			if !p.opts.AutoCreate {
				return User{}, fmt.Errorf("%w: no user for %s and auto creation is disabled", ErrProvisioning, claims.Subject)
			}
			u, err = p.create(ctx, claims)
			if err != nil {
				return User{}, err
			}
		default:
			return User{}, fmt.Errorf("%w: find by email: %w", ErrProvisioning, err)
		}
	default:
		return User{}, fmt.Errorf("%w: find by cognito id: %w", ErrProvisioning, err)
	}

	p.apply(&u, claims)
	if err := p.users.Update(ctx, u); err != nil {
		return User{}, fmt.Errorf("%w: update user: %w", ErrProvisioning, err)
	}
	return u, nil
}

func (p *Provisioner) create(ctx context.Context, claims cognito.Claims) (User, error) {
	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		username, err := p.generateUsername(ctx, claims)
		if err != nil {
			return User{}, fmt.Errorf("%w: %w", ErrProvisioning, err)
		}
		// Federated users get an unguessable local password.
		hash, err := bcrypt.GenerateFromPassword([]byte(NewID()+NewID()), bcrypt.DefaultCost)
		if err != nil {
			return User{}, fmt.Errorf("%w: hash password: %w", ErrProvisioning, err)
		}
		u, err := p.users.Create(ctx, User{
			Username:     username,
			Email:        claims.Email,
			CognitoID:    claims.Subject,
			PasswordHash: string(hash),
			Roles:        []string{p.opts.DefaultRole},
		})
		if err == nil {
			p.logger.Info("provision.create", "user_id", u.ID, "username", username, "role", p.opts.DefaultRole)
			return u, nil
		}
		if !errors.Is(err, ErrUserExists) {
			return User{}, fmt.Errorf("%w: create user: %w", ErrProvisioning, err)
		}
		lastErr = err
	}
	return User{}, fmt.Errorf("%w: create user: %w", ErrProvisioning, lastErr)
}

// generateUsername uses preferred_username, else the local part of the
// email, appending 1, 2, ... until the name is free.
func (p *Provisioner) generateUsername(ctx context.Context, claims cognito.Claims) (string, error) {
	base := strings.TrimSpace(claims.PreferredUsername)
	if base == "" {
		base, _, _ = strings.Cut(claims.Email, "@")
	}
	if base == "" {
		base = "cognito_" + shortSubject(claims.Subject)
	}

	candidate := base
	for counter := 1; ; counter++ {
		exists, err := p.users.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check username: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(counter)
	}
}

func (p *Provisioner) apply(u *User, claims cognito.Claims) {
	names := p.opts.Names.Resolve(claims.Raw)
	if names.First != "" {
		u.FirstName = names.First
	}
	if names.Last != "" {
		u.LastName = names.Last
	}
	if names.Display != "" {
		u.DisplayName = names.Display
	}
	if claims.Email != "" && u.Email == "" {
		u.Email = claims.Email
	}

	if u.Attributes == nil {
		u.Attributes = make(map[string]string)
	}
	if _, ok := claims.Raw["cognito:groups"]; ok {
		u.Attributes[attrCognitoGroups] = strings.Join(claims.Groups, ",")
	}
	for claim, v := range claims.Custom {
		if attr, ok := p.opts.AttributeMap[claim]; ok {
			u.Attributes[attr] = v
			continue
		}
		u.Attributes[claim] = v
	}

	p.syncRoles(u, claims.Groups)
}

// syncRoles grants each synced role whose prefixed group is present and
// revokes it otherwise. Roles outside the synced list are never touched.
func (p *Provisioner) syncRoles(u *User, groups []string) {
	for _, role := range p.opts.SyncedGroups {
		inGroup := slices.Contains(groups, p.opts.GroupPrefix+role)
		hasRole := u.HasRole(role)
		switch {
		case inGroup && !hasRole:
			u.Roles = append(u.Roles, role)
			p.logger.Info("provision.role_added", "user_id", u.ID, "role", role)
		case !inGroup && hasRole:
			u.Roles = slices.DeleteFunc(u.Roles, func(r string) bool { return r == role })
			p.logger.Info("provision.role_removed", "user_id", u.ID, "role", role)
		}
	}
}

func shortSubject(sub string) string {
	sub = strings.ReplaceAll(sub, "-", "")
	if len(sub) > 8 {
		return sub[:8]
	}
	return sub
}
