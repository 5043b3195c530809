// Package browser opens isolated headless Chrome sessions for site adapters.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/serialfetch/internal/serial"
)

// Config controls the behavior of the session factory.
type Config struct {
	MaxSessions       int
	UserAgent         string
	NavigationTimeout time.Duration
	OriginRPS         float64
	ExecPath          string
	Headless          bool
}

// Factory implements serial.SessionFactory using chromedp. Each session is
// a separate browser process so cookies and challenge state never leak
// between workers.
type Factory struct {
	cfg         Config
	logger      *zap.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	origins     *ratelimit.Limiter
}

// NewFactory creates a session factory backed by a chromedp exec allocator.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxSessions > 0 {
		limiter = make(chan struct{}, cfg.MaxSessions)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.NoSandbox,
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Factory{
		cfg:         cfg,
		logger:      logger,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		origins:     ratelimit.New(ratelimit.Config{RPS: cfg.OriginRPS}),
	}, nil
}

const defaultNavTimeout = 60 * time.Second

// Close cancels the allocator context, terminating every browser.
func (f *Factory) Close() {
	f.allocCancel()
}

// Open launches a browser session. The session is closed when ctx is done
// or Close is called, whichever happens first.
func (f *Factory) Open(ctx context.Context) (serial.Session, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(f.allocator)
	stopForward := forwardCancel(ctx, cancelTab)
	s := &session{
		factory: f,
		ctx:     tabCtx,
		cancel:  cancelTab,
		stop:    stopForward,
	}
	if err := chromedp.Run(tabCtx, f.setupAction()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	return s, nil
}

func (f *Factory) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetCacheDisabled(true).Do(ctx); err != nil {
			return fmt.Errorf("disable cache: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
			return fmt.Errorf("inject stealth script: %w", err)
		}
		return nil
	})
}

func (f *Factory) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Factory) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Factory) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// forwardCancel cancels the browser context when parent is done.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type session struct {
	factory *Factory
	ctx     context.Context
	cancel  context.CancelFunc
	stop    func()
	once    sync.Once
}

// run executes actions in the browser, bounded by timeout and by ctx.
func (s *session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

func (s *session) Navigate(ctx context.Context, rawURL string) error {
	if err := s.factory.origins.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("navigation rate limit: %w", err)
	}
	if err := s.run(ctx, s.factory.navTimeout(), chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

func (s *session) WaitVisible(ctx context.Context, selector string, wait time.Duration) error {
	runCtx, cancel := context.WithTimeout(s.ctx, wait)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s after %s: %w", selector, wait, serial.ErrSelectorTimeout)
	default:
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
}

type queryResult struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

// query evaluates expr against the first element matching selector. expr
// sees the element as `el`.
func (s *session) query(ctx context.Context, selector, expr string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%s); return el ? {found: true, value: String(%s)} : {found: false, value: ""}; })()`,
		sel, expr,
	)
	var res queryResult
	if err := s.run(ctx, s.factory.navTimeout(), chromedp.Evaluate(script, &res)); err != nil {
		return "", fmt.Errorf("query %s: %w", selector, err)
	}
	if !res.Found {
		return "", fmt.Errorf("%s: %w", selector, serial.ErrElementNotFound)
	}
	return res.Value, nil
}

func (s *session) InnerHTML(ctx context.Context, selector string) (string, error) {
	return s.query(ctx, selector, "el.innerHTML")
}

func (s *session) Text(ctx context.Context, selector string) (string, error) {
	text, err := s.query(ctx, selector, "el.textContent")
	return strings.TrimSpace(text), err
}

func (s *session) Href(ctx context.Context, selector string) (string, error) {
	return s.query(ctx, selector, `el.href || ""`)
}

func (s *session) Count(ctx context.Context, selector string) (int, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return 0, fmt.Errorf("encode selector: %w", err)
	}
	var n int
	script := fmt.Sprintf(`document.querySelectorAll(%s).length`, sel)
	if err := s.run(ctx, s.factory.navTimeout(), chromedp.Evaluate(script, &n)); err != nil {
		return 0, fmt.Errorf("count %s: %w", selector, err)
	}
	return n, nil
}

func (s *session) Visible(ctx context.Context, selector string) (bool, error) {
	v, err := s.query(ctx, selector, "!!(el.offsetWidth || el.offsetHeight || el.getClientRects().length)")
	if errors.Is(err, serial.ErrElementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (s *session) Click(ctx context.Context, selector string) error {
	_, err := s.query(ctx, selector, `(el.click(), "")`)
	return err
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.stop()
		s.cancel()
		s.factory.release()
	})
	return nil
}
