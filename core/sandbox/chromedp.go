package sandbox

import (
	"context"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/cockroachdb/errors"
)

// ChromeOptions configures the headless browser
type ChromeOptions struct {
	ExecPath       string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// ChromeLauncher starts a fresh Chrome process per session
type ChromeLauncher struct {
	opts ChromeOptions
}

// NewChromeLauncher creates a launcher
func NewChromeLauncher(opts ChromeOptions) *ChromeLauncher {
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1280
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 720
	}
	return &ChromeLauncher{opts: opts}
}

// Launch implements Launcher. The browser outlives ctx; only Close stops it.
func (l *ChromeLauncher) Launch(ctx context.Context, events Events) (Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.WindowSize(l.opts.ViewportWidth, l.opts.ViewportHeight),
	)
	if l.opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(l.opts.UserAgent))
	}
	if l.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	session := &chromeSession{tabCtx: tabCtx, tabCancel: tabCancel, allocCancel: allocCancel}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *runtime.EventExceptionThrown:
			if events.PageError != nil && ev.ExceptionDetails != nil {
				events.PageError(ev.ExceptionDetails.Error())
			}
		case *runtime.EventConsoleAPICalled:
			if events.ConsoleError != nil && ev.Type == runtime.APITypeError {
				events.ConsoleError(consoleMessage(ev.Args))
			}
		}
	})

	// the first Run starts the browser and must use the tab context itself,
	// so the launch deadline is enforced from outside
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			_ = session.Close()
			return nil, errors.Wrap(err, "start chrome")
		}
	case <-ctx.Done():
		_ = session.Close()
		return nil, errors.Wrap(ctx.Err(), "start chrome")
	}
	return session, nil
}

type chromeSession struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	once        sync.Once
	closeErr    error
}

func (s *chromeSession) Page() Page {
	return &chromePage{tabCtx: s.tabCtx}
}

func (s *chromeSession) Close() error {
	s.once.Do(func() {
		s.closeErr = chromedp.Cancel(s.tabCtx)
		s.tabCancel()
		s.allocCancel()
		if errors.Is(s.closeErr, context.Canceled) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

type chromePage struct {
	tabCtx context.Context
}

// run executes actions on the tab, bounded by ctx, without tying the tab's
// lifetime to ctx
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var location string
	err := p.run(ctx, chromedp.Location(&location))
	return location, err
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery))
	return text, err
}

const linksJS = `Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`

func (p *chromePage) Links(ctx context.Context) ([]string, error) {
	var links []string
	err := p.run(ctx, chromedp.Evaluate(linksJS, &links))
	return links, err
}

// fillFormsJS sets test values on visible inputs. Forms are never submitted.
const fillFormsJS = `(() => {
	const forms = document.querySelectorAll('form').length;
	if (forms === 0) return 0;
	document.querySelectorAll('input:not([type="hidden"])').forEach((input) => {
		const type = (input.getAttribute('type') || 'text').toLowerCase();
		if (type === 'email') input.value = 'test@example.com';
		else if (type === 'password') input.value = 'password123';
		else if (type === 'text' || type === 'search' || type === 'tel') input.value = 'Test input';
		else if (type === 'checkbox' || type === 'radio') input.checked = true;
	});
	return forms;
})()`

func (p *chromePage) FillForms(ctx context.Context) (int, error) {
	var forms int
	err := p.run(ctx, chromedp.Evaluate(fillFormsJS, &forms))
	return forms, err
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// quality 100 produces PNG
	err := p.run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func consoleMessage(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg == nil:
		case arg.Description != "":
			parts = append(parts, arg.Description)
		case len(arg.Value) > 0:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		}
	}
	return strings.Join(parts, " ")
}
