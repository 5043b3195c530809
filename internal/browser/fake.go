package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/serialfetch/internal/serial"
)

// FakeElement is one scripted element on a FakePage.
type FakeElement struct {
	HTML   string
	Text   string
	Href   string
	Hidden bool
	// Count overrides the number of matches reported by Count; zero means one.
	Count int
	// NavigatesTo switches the session to another page when clicked.
	NavigatesTo string
}

// FakePage maps selectors to elements.
type FakePage map[string]FakeElement

// FakeFactory is an in-memory serial.SessionFactory for tests. Pages are
// keyed by URL.
type FakeFactory struct {
	mu    sync.Mutex
	pages map[string]FakePage
	// NavigateHook, when set, can fail a navigation. attempt counts
	// navigations to url across all sessions, starting at 1.
	NavigateHook func(url string, attempt int) error
	// Delay is applied to every navigation and honors context cancellation.
	Delay time.Duration

	attempts map[string]int
	clicks   []string
	open     int
	opened   int
}

// NewFakeFactory builds an empty fake.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		pages:    make(map[string]FakePage),
		attempts: make(map[string]int),
	}
}

// SetPage registers or replaces the page served at url.
func (f *FakeFactory) SetPage(url string, p FakePage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = p
}

// Open starts a fake session tied to ctx.
func (f *FakeFactory) Open(ctx context.Context) (serial.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.open++
	f.opened++
	f.mu.Unlock()

	s := &FakeSession{factory: f}
	stop := forwardCancel(ctx, func() { _ = s.Close() })
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return s, nil
	}
	s.stop = stop
	s.mu.Unlock()
	return s, nil
}

// OpenSessions reports sessions not yet closed.
func (f *FakeFactory) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Opened reports the total number of sessions ever opened.
func (f *FakeFactory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Attempts reports how many times url was navigated to.
func (f *FakeFactory) Attempts(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[url]
}

// Clicks lists clicked selectors in order.
func (f *FakeFactory) Clicks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clicks...)
}

// PrintPDF returns a placeholder document containing html.
func (f *FakeFactory) PrintPDF(_ context.Context, html string, _ PDFOptions) ([]byte, error) {
	return []byte("%PDF-1.4\n" + html), nil
}

// FakeSession is the session handed out by FakeFactory.
type FakeSession struct {
	factory *FakeFactory
	stop    func()
	mu      sync.Mutex
	current string
	closed  bool
}

var errSessionClosed = errors.New("fake session closed")

// Navigate switches to the page registered for url.
func (s *FakeSession) Navigate(ctx context.Context, url string) error {
	if s.isClosed() {
		return errSessionClosed
	}
	f := s.factory
	f.mu.Lock()
	f.attempts[url]++
	attempt := f.attempts[url]
	hook := f.NavigateHook
	delay := f.Delay
	_, ok := f.pages[url]
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(url, attempt); err != nil {
			return err
		}
	}
	if !ok {
		return fmt.Errorf("navigate %s: no such page", url)
	}
	s.mu.Lock()
	s.current = url
	s.mu.Unlock()
	return nil
}

func (s *FakeSession) element(selector string) (FakeElement, bool) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	el, ok := s.factory.pages[current][selector]
	return el, ok
}

func (s *FakeSession) lookup(ctx context.Context, selector string) (FakeElement, error) {
	if err := ctx.Err(); err != nil {
		return FakeElement{}, err
	}
	if s.isClosed() {
		return FakeElement{}, errSessionClosed
	}
	el, ok := s.element(selector)
	if !ok {
		return FakeElement{}, fmt.Errorf("%s: %w", selector, serial.ErrElementNotFound)
	}
	return el, nil
}

// WaitVisible fails immediately with serial.ErrSelectorTimeout when the
// element is missing or hidden.
func (s *FakeSession) WaitVisible(ctx context.Context, selector string, _ time.Duration) error {
	el, err := s.lookup(ctx, selector)
	if err != nil {
		if errors.Is(err, serial.ErrElementNotFound) {
			return fmt.Errorf("%s: %w", selector, serial.ErrSelectorTimeout)
		}
		return err
	}
	if el.Hidden {
		return fmt.Errorf("%s: %w", selector, serial.ErrSelectorTimeout)
	}
	return nil
}

// InnerHTML returns the element's scripted markup.
func (s *FakeSession) InnerHTML(ctx context.Context, selector string) (string, error) {
	el, err := s.lookup(ctx, selector)
	return el.HTML, err
}

// Text returns the element's scripted text.
func (s *FakeSession) Text(ctx context.Context, selector string) (string, error) {
	el, err := s.lookup(ctx, selector)
	return el.Text, err
}

// Href returns the element's scripted link.
func (s *FakeSession) Href(ctx context.Context, selector string) (string, error) {
	el, err := s.lookup(ctx, selector)
	return el.Href, err
}

// Count returns 0 for missing elements.
func (s *FakeSession) Count(ctx context.Context, selector string) (int, error) {
	el, err := s.lookup(ctx, selector)
	if errors.Is(err, serial.ErrElementNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if el.Count == 0 {
		return 1, nil
	}
	return el.Count, nil
}

// Visible reports whether the element exists and is not hidden.
func (s *FakeSession) Visible(ctx context.Context, selector string) (bool, error) {
	el, err := s.lookup(ctx, selector)
	if errors.Is(err, serial.ErrElementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !el.Hidden, nil
}

// Click records the click and follows NavigatesTo.
func (s *FakeSession) Click(ctx context.Context, selector string) error {
	el, err := s.lookup(ctx, selector)
	if err != nil {
		return err
	}
	s.factory.mu.Lock()
	s.factory.clicks = append(s.factory.clicks, selector)
	s.factory.mu.Unlock()
	if el.NavigatesTo != "" {
		s.mu.Lock()
		s.current = el.NavigatesTo
		s.mu.Unlock()
	}
	return nil
}

// Close is idempotent.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}

	s.factory.mu.Lock()
	s.factory.open--
	s.factory.mu.Unlock()
	return nil
}

func (s *FakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
