package session

import (
	"errors"
	"testing"

	"github.com/zsiec/moqtrelay/internal/wire"
)

func TestNegotiateSetupHappyPath(t *testing.T) {
	t.Parallel()
	s := New("sess-1", TransportQUIC)

	cs := wire.ClientSetup{
		Versions:     []uint64{wire.Version},
		Role:         wire.RolePubSub,
		HasRole:      true,
		Path:         "/moq",
		HasPath:      true,
		MaxRequestID: 10,
	}
	ss, err := s.NegotiateSetup(cs, []uint64{wire.Version})
	if err != nil {
		t.Fatalf("NegotiateSetup: %v", err)
	}
	if ss.SelectedVersion != wire.Version {
		t.Errorf("SelectedVersion = 0x%x, want 0x%x", ss.SelectedVersion, wire.Version)
	}
	if s.Status() != StatusSetUp {
		t.Errorf("Status = %v, want %v", s.Status(), StatusSetUp)
	}
	if s.Role() != wire.RolePubSub {
		t.Errorf("Role = %v, want %v", s.Role(), wire.RolePubSub)
	}
	if s.Path() != "/moq" {
		t.Errorf("Path = %q, want %q", s.Path(), "/moq")
	}
}

func TestNegotiateSetupVersionMismatch(t *testing.T) {
	t.Parallel()
	s := New("sess-2", TransportQUIC)

	cs := wire.ClientSetup{
		Versions: []uint64{0xff000001},
		Role:     wire.RolePubSub,
		HasRole:  true,
	}
	_, err := s.NegotiateSetup(cs, []uint64{wire.Version})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
	if s.Status() != StatusConnected {
		t.Errorf("Status = %v, want %v after failed negotiation", s.Status(), StatusConnected)
	}
}

func TestNegotiateSetupPathOnWebTransport(t *testing.T) {
	t.Parallel()
	s := New("sess-3", TransportWebTransport)

	cs := wire.ClientSetup{
		Versions: []uint64{wire.Version},
		Role:     wire.RolePubSub,
		HasRole:  true,
		Path:     "/moq",
		HasPath:  true,
	}
	_, err := s.NegotiateSetup(cs, []uint64{wire.Version})
	if !errors.Is(err, ErrPathOnWebTransport) {
		t.Fatalf("err = %v, want ErrPathOnWebTransport", err)
	}
}

func TestNegotiateSetupPathAllowedOnQUIC(t *testing.T) {
	t.Parallel()
	s := New("sess-4", TransportQUIC)

	cs := wire.ClientSetup{
		Versions: []uint64{wire.Version},
		Role:     wire.RolePublisher,
		HasRole:  true,
		Path:     "/moq",
		HasPath:  true,
	}
	if _, err := s.NegotiateSetup(cs, []uint64{wire.Version}); err != nil {
		t.Fatalf("NegotiateSetup: %v", err)
	}
}

func TestNegotiateSetupMissingRole(t *testing.T) {
	t.Parallel()
	s := New("sess-5", TransportQUIC)

	cs := wire.ClientSetup{
		Versions: []uint64{wire.Version},
	}
	_, err := s.NegotiateSetup(cs, []uint64{wire.Version})
	if !errors.Is(err, ErrRoleRequired) {
		t.Fatalf("err = %v, want ErrRoleRequired", err)
	}
	if s.Status() != StatusConnected {
		t.Errorf("Status = %v, want %v after rejected SETUP", s.Status(), StatusConnected)
	}
}

func TestNegotiateSetupAlreadySetUp(t *testing.T) {
	t.Parallel()
	s := New("sess-6", TransportQUIC)

	cs := wire.ClientSetup{
		Versions: []uint64{wire.Version},
		Role:     wire.RoleSubscriber,
		HasRole:  true,
	}
	if _, err := s.NegotiateSetup(cs, []uint64{wire.Version}); err != nil {
		t.Fatalf("first NegotiateSetup: %v", err)
	}
	if _, err := s.NegotiateSetup(cs, []uint64{wire.Version}); !errors.Is(err, ErrAlreadySetUp) {
		t.Fatalf("second NegotiateSetup err = %v, want ErrAlreadySetUp", err)
	}
}

func TestNegotiateSetupAfterClose(t *testing.T) {
	t.Parallel()
	s := New("sess-7", TransportQUIC)
	s.Close()

	cs := wire.ClientSetup{
		Versions: []uint64{wire.Version},
		Role:     wire.RolePubSub,
		HasRole:  true,
	}
	if _, err := s.NegotiateSetup(cs, []uint64{wire.Version}); !errors.Is(err, ErrNotSetUp) {
		t.Fatalf("NegotiateSetup after Close err = %v, want ErrNotSetUp", err)
	}
}

func TestRequireSetUp(t *testing.T) {
	t.Parallel()
	s := New("sess-8", TransportQUIC)
	if err := s.RequireSetUp(); !errors.Is(err, ErrNotSetUp) {
		t.Fatalf("RequireSetUp before handshake = %v, want ErrNotSetUp", err)
	}

	cs := wire.ClientSetup{
		Versions: []uint64{wire.Version},
		Role:     wire.RolePubSub,
		HasRole:  true,
	}
	if _, err := s.NegotiateSetup(cs, []uint64{wire.Version}); err != nil {
		t.Fatalf("NegotiateSetup: %v", err)
	}
	if err := s.RequireSetUp(); err != nil {
		t.Fatalf("RequireSetUp after handshake: %v", err)
	}
}
