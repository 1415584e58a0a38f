// Package users exposes the read-only user, subscription, and preference
// surface the transcription core consumes. The authoritative user database
// lives outside this service; deployments plug in their own implementation
// or run the static store for single-tenant setups.
package users

import "context"

// Plan is a subscription tier.
type Plan string

const (
	PlanBasic     Plan = "basic"
	PlanUnlimited Plan = "unlimited"
)

// Subscription is the slice of a user's subscription the session cares about.
type Subscription struct {
	Plan Plan
}

// Person is a known speaker in the user's contact list.
type Person struct {
	ID   string
	Name string
}

// Store is the read-only user surface.
type Store interface {
	// HasTranscriptionCredits reports whether the user may consume
	// transcription time right now.
	HasTranscriptionCredits(ctx context.Context, uid string) (bool, error)

	// Subscription returns the user's current subscription.
	Subscription(ctx context.Context, uid string) (Subscription, error)

	// LanguagePreference returns the user's preferred translation language,
	// "" when unset.
	LanguagePreference(ctx context.Context, uid string) (string, error)

	// PrivateCloudSyncEnabled reports the user's private-cloud-sync opt-in.
	PrivateCloudSyncEnabled(ctx context.Context, uid string) (bool, error)

	// PersonByName resolves a named speaker, nil when unknown.
	PersonByName(ctx context.Context, uid, name string) (*Person, error)
}

// StaticStore answers every lookup from fixed values. Suitable for
// single-tenant deployments and tests.
type StaticStore struct {
	Credits          bool
	Plan             Plan
	Language         string
	PrivateCloudSync bool
	People           map[string]Person // keyed by name
}

var _ Store = (*StaticStore)(nil)

func (s *StaticStore) HasTranscriptionCredits(context.Context, string) (bool, error) {
	return s.Credits, nil
}

func (s *StaticStore) Subscription(context.Context, string) (Subscription, error) {
	plan := s.Plan
	if plan == "" {
		plan = PlanBasic
	}
	return Subscription{Plan: plan}, nil
}

func (s *StaticStore) LanguagePreference(context.Context, string) (string, error) {
	return s.Language, nil
}

func (s *StaticStore) PrivateCloudSyncEnabled(context.Context, string) (bool, error) {
	return s.PrivateCloudSync, nil
}

func (s *StaticStore) PersonByName(_ context.Context, _ string, name string) (*Person, error) {
	if p, ok := s.People[name]; ok {
		return &p, nil
	}
	return nil, nil
}
