// Package browse models a listing fetched from another instance and the
// user's navigation through it.
package browse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/logging"
	"github.com/zzmx-sudo/file-sharer-LAN/internal/metrics"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// State is the outcome of the last load.
type State string

const (
	StateEmpty       State = "empty"
	StateLoaded      State = "loaded"
	StateNotFound    State = "not_found"
	StateServerError State = "server_error"
	StateInvalid     State = "invalid"
)

// View is a copy of the session for display.
type View struct {
	State   State
	Address string
	IsRoot  bool
	Error   string
	Listing *protocol.Descriptor
}

// Session holds the current listing, the stack of listings entered from,
// and the last loaded address with its response so loading the same
// address again costs no request.
type Session struct {
	fetcher Fetcher

	mu          sync.Mutex
	state       State
	errMsg      string
	current     *protocol.Descriptor
	ancestors   []*protocol.Descriptor
	isRoot      bool
	lastAddress string
	cached      *protocol.Descriptor
}

// NewSession creates an empty session.
func NewSession(f Fetcher) *Session {
	return &Session{fetcher: f, state: StateEmpty, isRoot: true}
}

// Load shows the listing at address. A malformed address fails at once
// with a ValidationError. The address loaded last is served from cache.
func (s *Session) Load(ctx context.Context, address string) error {
	if _, err := protocol.ValidateListingAddress(address); err != nil {
		s.mu.Lock()
		s.fail(StateInvalid, err.Error())
		s.mu.Unlock()
		metrics.RecordBrowseLoad(string(StateInvalid))
		return &ValidationError{Address: address, Err: err}
	}

	s.mu.Lock()
	if address == s.lastAddress && s.cached != nil {
		s.mu.Unlock()
		s.Reload()
		metrics.RecordBrowseLoad("cached")
		return nil
	}
	s.mu.Unlock()

	d, err := s.fetcher.Fetch(ctx, address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		state := StateServerError
		var ve *ValidationError
		switch {
		case errors.Is(err, ErrNotFound):
			state = StateNotFound
		case errors.As(err, &ve):
			logging.Warn("remote listing rejected", logging.String("address", address), logging.Err(err))
		default:
			logging.Warn("remote listing failed", logging.String("address", address), logging.Err(err))
		}
		s.fail(state, err.Error())
		metrics.RecordBrowseLoad(string(state))
		return err
	}

	s.current = d
	s.cached = d
	s.lastAddress = address
	s.ancestors = nil
	s.isRoot = true
	s.state = StateLoaded
	s.errMsg = ""
	metrics.RecordBrowseLoad(string(StateLoaded))
	return nil
}

// fail discards the listing; a failed load never leaves a partial one.
func (s *Session) fail(state State, msg string) {
	s.state = state
	s.errMsg = msg
	s.current = nil
	s.ancestors = nil
	s.isRoot = true
	s.lastAddress = ""
	s.cached = nil
}

// Reload shows the cached listing again without a request, keeping the
// navigation position.
func (s *Session) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return
	}
	if s.current == nil {
		s.current = s.cached
		s.ancestors = nil
	}
	s.isRoot = len(s.ancestors) == 0
	s.state = StateLoaded
	s.errMsg = ""
}

// Enter makes child the current listing.
func (s *Session) Enter(child *protocol.Descriptor) error {
	if child == nil || !child.IsDir {
		return errors.New("only directories can be entered")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return errors.New("nothing loaded")
	}
	s.ancestors = append(s.ancestors, s.current)
	s.current = child
	s.isRoot = false
	return nil
}

// EnterName enters the child of the current listing called name.
func (s *Session) EnterName(name string) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return errors.New("nothing loaded")
	}
	child, ok := cur.Child(name)
	if !ok {
		return fmt.Errorf("%q is not in %s", name, cur.Name)
	}
	return s.Enter(child)
}

// Back returns to the listing the current one was entered from.
func (s *Session) Back() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ancestors) == 0 {
		return errors.New("already at the top of the listing")
	}
	n := len(s.ancestors) - 1
	s.current = s.ancestors[n]
	s.ancestors = s.ancestors[:n]
	s.isRoot = len(s.ancestors) == 0
	return nil
}

// IsRoot reports whether the current listing is the loaded one.
func (s *Session) IsRoot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRoot
}

// Current returns the current listing, nil when nothing is loaded.
func (s *Session) Current() *protocol.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// View returns the session state for display.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		State:   s.state,
		Address: s.lastAddress,
		IsRoot:  s.isRoot,
		Error:   s.errMsg,
		Listing: s.current,
	}
}
