package profile

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
	"github.com/Sanji78/telegram-voip/internal/signaling"
)

type fakeClient struct {
	mu        sync.Mutex
	profile   signaling.Profile
	photoHist []string
	nameHist  []string

	meErr     error
	updateErr error
	photoErr  error
}

func newFakeClient(first, last, photo string) *fakeClient {
	return &fakeClient{profile: signaling.Profile{FirstName: first, LastName: last, PhotoPath: photo}}
}

func (f *fakeClient) Me(context.Context) (signaling.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meErr != nil {
		return signaling.Profile{}, f.meErr
	}
	return f.profile, nil
}

func (f *fakeClient) UpdateProfile(_ context.Context, firstName, lastName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.profile.FirstName = firstName
	f.profile.LastName = lastName
	f.nameHist = append(f.nameHist, firstName)
	return nil
}

func (f *fakeClient) SetProfilePhoto(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.photoErr != nil {
		return f.photoErr
	}
	f.profile.PhotoPath = path
	f.photoHist = append(f.photoHist, path)
	return nil
}

func (f *fakeClient) current() signaling.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestApplyAndRestoreSnapshot(t *testing.T) {
	client := newFakeClient("Mario", "Rossi", "/photos/me.jpg")
	mgr := NewManager(client, nil, WithLogger(quietLogger()))

	snap, err := mgr.Apply(context.Background(), "home", "s1", "Laundry done", "/photos/laundry.jpg")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := client.current(); got.FirstName != "Laundry done" || got.PhotoPath != "/photos/laundry.jpg" {
		t.Fatalf("override not applied: %+v", got)
	}

	if err := mgr.Restore(context.Background(), snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got := client.current()
	if got.FirstName != "Mario" || got.LastName != "Rossi" {
		t.Fatalf("name not restored: %+v", got)
	}
	if got.PhotoPath != "/photos/me.jpg" {
		t.Fatalf("photo not restored: %+v", got)
	}
}

func TestRestorePrefersConfiguredTarget(t *testing.T) {
	client := newFakeClient("Garbled", "", "")
	mgr := NewManager(client, nil,
		WithLogger(quietLogger()),
		WithRestoreTarget(RestoreTarget{FirstName: "Home", LastName: "Assistant", PhotoPath: "/photos/ha.jpg"}),
	)

	snap, err := mgr.Apply(context.Background(), "home", "s1", "Doorbell", "/photos/bell.jpg")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := mgr.Restore(context.Background(), snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got := client.current()
	if got.FirstName != "Home" || got.LastName != "Assistant" {
		t.Fatalf("configured target ignored: %+v", got)
	}
	if got.PhotoPath != "/photos/ha.jpg" {
		t.Fatalf("configured photo ignored: %+v", got)
	}
}

func TestRestoreIsConsumedOnce(t *testing.T) {
	client := newFakeClient("Mario", "", "")
	mgr := NewManager(client, nil, WithLogger(quietLogger()))

	snap, err := mgr.Apply(context.Background(), "home", "s1", "Topic", "")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := mgr.Restore(context.Background(), snap); err != nil {
		t.Fatalf("first Restore failed: %v", err)
	}
	if err := mgr.Restore(context.Background(), snap); err != nil {
		t.Fatalf("second Restore should be a no-op, got %v", err)
	}

	client.mu.Lock()
	names := len(client.nameHist)
	client.mu.Unlock()
	// Apply writes the topic once, Restore writes the original once.
	if names != 2 {
		t.Fatalf("expected 2 name writes, got %d", names)
	}
}

func TestApplyPhotoFailureRollsBackName(t *testing.T) {
	client := newFakeClient("Mario", "Rossi", "")
	client.photoErr = errors.New("file too large")
	mgr := NewManager(client, nil, WithLogger(quietLogger()))

	_, err := mgr.Apply(context.Background(), "home", "s1", "Topic", "/photos/huge.jpg")
	if !errors.Is(err, ErrProfileUpdate) {
		t.Fatalf("expected ErrProfileUpdate, got %v", err)
	}
	if got := client.current(); got.FirstName != "Mario" || got.LastName != "Rossi" {
		t.Fatalf("name not rolled back after photo failure: %+v", got)
	}
}

func TestApplyMeFailure(t *testing.T) {
	client := newFakeClient("Mario", "", "")
	client.meErr = errors.New("network down")
	mgr := NewManager(client, nil, WithLogger(quietLogger()))

	snap, err := mgr.Apply(context.Background(), "home", "s1", "Topic", "")
	if !errors.Is(err, ErrProfileUpdate) {
		t.Fatalf("expected ErrProfileUpdate, got %v", err)
	}
	if snap != nil {
		t.Fatal("snapshot should be nil on failure")
	}
}

func TestRestoreFailureReported(t *testing.T) {
	client := newFakeClient("Mario", "", "")
	mgr := NewManager(client, nil, WithLogger(quietLogger()))

	snap, err := mgr.Apply(context.Background(), "home", "s1", "Topic", "")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	client.mu.Lock()
	client.updateErr = errors.New("flood wait")
	client.mu.Unlock()

	if err := mgr.Restore(context.Background(), snap); !errors.Is(err, ErrProfileRestore) {
		t.Fatalf("expected ErrProfileRestore, got %v", err)
	}
}

func TestApplyPublishesOverrideEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	sub := eventbus.SubscribeTo(bus, eventbus.Profile.Override)
	defer sub.Close()

	client := newFakeClient("Mario", "", "")
	mgr := NewManager(client, bus, WithLogger(quietLogger()))

	snap, err := mgr.Apply(context.Background(), "home", "s1", "Topic", "")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := mgr.Restore(context.Background(), snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	applied := waitOverride(t, sub)
	if !applied.Applied || applied.Name != "Topic" {
		t.Fatalf("unexpected applied event: %+v", applied)
	}
	restored := waitOverride(t, sub)
	if !restored.Restored || restored.Name != "Mario" {
		t.Fatalf("unexpected restored event: %+v", restored)
	}
}

func waitOverride(t *testing.T, sub *eventbus.TypedSubscription[eventbus.ProfileOverrideEvent]) eventbus.ProfileOverrideEvent {
	t.Helper()
	select {
	case env, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return env.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for profile event")
	}
	return eventbus.ProfileOverrideEvent{}
}
