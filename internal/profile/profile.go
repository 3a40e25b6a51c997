// Package profile swaps the caller's display identity for the duration of a
// call and restores it afterwards. The swap shows the announcement topic as
// the caller name on the peer's incoming-call screen.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
	"github.com/Sanji78/telegram-voip/internal/signaling"
)

var (
	// ErrProfileUpdate indicates the override could not be applied.
	ErrProfileUpdate = errors.New("profile: update failed")
	// ErrProfileRestore indicates the original identity could not be put
	// back after the call.
	ErrProfileRestore = errors.New("profile: restore failed")
)

// RestoreTarget is what the account should look like after a call. When
// FirstName is set it wins over the snapshot taken before the override;
// operators configure it so a crash mid-call never leaves a stale topic as
// the permanent display name.
type RestoreTarget struct {
	FirstName string
	LastName  string
	PhotoPath string
}

// Snapshot captures the profile as it was before an override, plus the
// restore bookkeeping for that call.
type Snapshot struct {
	identity  string
	sessionID string
	before    signaling.Profile
	target    RestoreTarget
	photoSet  bool
	restored  atomic.Bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRestoreTarget sets the configured post-call identity. Without it the
// manager restores the snapshot taken before the override.
func WithRestoreTarget(target RestoreTarget) Option {
	return func(m *Manager) {
		m.target = target
	}
}

// Manager applies and restores display-identity overrides for one account.
type Manager struct {
	client signaling.ProfileClient
	bus    *eventbus.Bus
	logger *log.Logger
	target RestoreTarget
}

// NewManager constructs a profile manager for the given account client.
func NewManager(client signaling.ProfileClient, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		bus:    bus,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply swaps the display name to topic and optionally the photo, and
// returns the snapshot needed to undo the swap. On failure nothing is
// changed and the snapshot is nil.
func (m *Manager) Apply(ctx context.Context, identity, sessionID, topic, photoPath string) (*Snapshot, error) {
	if m.client == nil {
		return nil, fmt.Errorf("%w: no profile client", ErrProfileUpdate)
	}

	before, err := m.client.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read current profile: %v", ErrProfileUpdate, err)
	}

	if err := m.client.UpdateProfile(ctx, topic, ""); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileUpdate, err)
	}

	photoSet := false
	if photoPath != "" {
		if err := m.client.SetProfilePhoto(ctx, photoPath); err != nil {
			// Roll the name back so a photo failure leaves the account
			// untouched.
			if rbErr := m.client.UpdateProfile(ctx, before.FirstName, before.LastName); rbErr != nil {
				m.logger.Printf("[Profile] %s: rollback after photo failure also failed: %v", identity, rbErr)
			}
			return nil, fmt.Errorf("%w: set photo: %v", ErrProfileUpdate, err)
		}
		photoSet = true
	}

	m.logger.Printf("[Profile] %s: override applied (name=%q photo=%t)", identity, topic, photoSet)
	m.publish(ctx, eventbus.ProfileOverrideEvent{
		Identity:  identity,
		SessionID: sessionID,
		Name:      topic,
		PhotoPath: photoPath,
		Applied:   true,
	})

	return &Snapshot{
		identity:  identity,
		sessionID: sessionID,
		before:    before,
		target:    m.target,
		photoSet:  photoSet,
	}, nil
}

// Restore puts the display identity back. The configured restore target
// wins over the pre-override snapshot when set. Restore is consumed: only
// the first call acts, later calls are no-ops.
func (m *Manager) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if !snap.restored.CompareAndSwap(false, true) {
		return nil
	}

	first, last := snap.target.FirstName, snap.target.LastName
	if first == "" {
		first, last = snap.before.FirstName, snap.before.LastName
	}

	var errs []error
	if err := m.client.UpdateProfile(ctx, first, last); err != nil {
		errs = append(errs, fmt.Errorf("name: %v", err))
	}
	if snap.photoSet {
		photo := snap.target.PhotoPath
		if photo == "" {
			photo = snap.before.PhotoPath
		}
		if photo != "" {
			if err := m.client.SetProfilePhoto(ctx, photo); err != nil {
				errs = append(errs, fmt.Errorf("photo: %v", err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrProfileRestore, errors.Join(errs...))
	}

	m.logger.Printf("[Profile] %s: identity restored (name=%q)", snap.identity, first)
	m.publish(ctx, eventbus.ProfileOverrideEvent{
		Identity:  snap.identity,
		SessionID: snap.sessionID,
		Name:      first,
		Restored:  true,
	})
	return nil
}

func (m *Manager) publish(ctx context.Context, evt eventbus.ProfileOverrideEvent) {
	if m.bus == nil {
		return
	}
	eventbus.Publish(ctx, m.bus, eventbus.Profile.Override, eventbus.SourceProfileManager, evt)
}
