package sandbox

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// fakePage is an in-memory page. Selectors listed in visible resolve, every
// other selector blocks until ctx is done.
type fakePage struct {
	mu         sync.Mutex
	url        string
	title      string
	links      []string
	forms      int
	visible    map[string]string // selector -> text
	filled     map[string]string
	clicked    []string
	onClick    map[string]string // selector -> url after click
	navErr     error
	shot       []byte
	shotErr    error
	block      bool // Navigate blocks until ctx is done
	panicOnNav bool
}

func newFakePage() *fakePage {
	return &fakePage{
		title:   "Example Shop",
		visible: map[string]string{},
		filled:  map[string]string{},
		onClick: map[string]string{},
		shot:    []byte("png"),
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if p.panicOnNav {
		panic("page crashed")
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.navErr != nil {
		return p.navErr
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Title(context.Context) (string, error) { return p.title, nil }

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	if _, ok := p.visible[selector]; ok {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	if _, ok := p.visible[selector]; !ok {
		return errors.Newf("selector not found: %s", selector)
	}
	p.mu.Lock()
	p.filled[selector] = value
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	if _, ok := p.visible[selector]; !ok {
		return errors.Newf("selector not found: %s", selector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicked = append(p.clicked, selector)
	if next, ok := p.onClick[selector]; ok {
		p.url = next
	}
	return nil
}

func (p *fakePage) Text(ctx context.Context, selector string) (string, error) {
	text, ok := p.visible[selector]
	if !ok {
		return "", errors.Newf("selector not found: %s", selector)
	}
	return text, nil
}

func (p *fakePage) Links(context.Context) ([]string, error) { return p.links, nil }

func (p *fakePage) FillForms(context.Context) (int, error) { return p.forms, nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) { return p.shot, p.shotErr }

type fakeSession struct {
	page   *fakePage
	mu     sync.Mutex
	closed int
}

func (s *fakeSession) Page() Page { return s.page }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeLauncher struct {
	session  *fakeSession
	err      error
	onLaunch func(Events)
	launches int
}

func (l *fakeLauncher) Launch(_ context.Context, events Events) (Session, error) {
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	if l.onLaunch != nil {
		l.onLaunch(events)
	}
	return l.session, nil
}

// countingChecker records what it was asked to probe and reports links
// containing "broken" as broken
type countingChecker struct {
	mu     sync.Mutex
	probed []string
}

func (c *countingChecker) Check(_ context.Context, links []string, limit int, _ *RunLogger) int {
	if len(links) > limit {
		links = links[:limit]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	broken := 0
	for _, l := range links {
		c.probed = append(c.probed, l)
		if strings.Contains(l, "broken") {
			broken++
		}
	}
	return broken
}
