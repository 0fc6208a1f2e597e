// Package membership maps external customer identities onto members and their
// per-merchant accounts.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/models"
)

// ErrUnknownIdentity is returned when the identity has no email and no known
// phone or provider link, so no member can be created.
var ErrUnknownIdentity = errors.New("membership: identity cannot be matched to a member")

// Store is the persistence the resolver needs.
type Store interface {
	ResolveMembership(ctx context.Context, p database.ResolveParams) (database.Resolution, error)
	GetMemberByEmail(ctx context.Context, email string) (models.Member, error)
	GetAccountByMember(ctx context.Context, merchantID, memberID string) (models.MembershipAccount, error)
}

// Resolver finds or creates members and membership accounts.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone keeps digits and a leading plus.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if unicode.IsDigit(r) || (i == 0 && r == '+') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Resolve returns the membership account for identity at merchant, creating the
// member and account as needed. Creating the account and awarding the welcome
// bonus happen atomically.
func (r *Resolver) Resolve(ctx context.Context, merchant models.Merchant, source string, identity models.CustomerIdentity) (database.Resolution, error) {
	params := database.ResolveParams{
		MerchantID:         merchant.ID,
		Email:              NormalizeEmail(identity.Email),
		FirstName:          strings.TrimSpace(identity.FirstName),
		LastName:           strings.TrimSpace(identity.LastName),
		Phone:              NormalizePhone(identity.Phone),
		ProviderSource:     source,
		ProviderCustomerID: strings.TrimSpace(identity.ProviderCustomerID),
		WelcomeBonus:       merchant.WelcomeBonusPoints,
		BonusScope:         merchant.WelcomeBonusScope,
	}
	if params.Email == "" && params.Phone == "" && params.ProviderCustomerID == "" {
		return database.Resolution{}, ErrUnknownIdentity
	}

	res, err := r.store.ResolveMembership(ctx, params)
	if errors.Is(err, database.ErrNotFound) {
		return database.Resolution{}, ErrUnknownIdentity
	}
	if err != nil {
		return database.Resolution{}, fmt.Errorf("failed to resolve membership: %w", err)
	}
	return res, nil
}

// Lookup returns an existing member and account without creating anything.
func (r *Resolver) Lookup(ctx context.Context, merchantID, email string) (models.Member, models.MembershipAccount, error) {
	member, err := r.store.GetMemberByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return models.Member{}, models.MembershipAccount{}, err
	}
	account, err := r.store.GetAccountByMember(ctx, merchantID, member.ID)
	if err != nil {
		return models.Member{}, models.MembershipAccount{}, err
	}
	return member, account, nil
}
